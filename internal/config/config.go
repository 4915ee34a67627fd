package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the relay server configuration, loaded from RELAY_* environment
// variables.
type Config struct {
	Port          int
	StoreCapacity int
	NATSURL       string
	PingInterval  time.Duration
}

// Load reads configuration from the environment with sane defaults.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("relay_port", 8080)
	v.SetDefault("relay_store_capacity", 100)
	v.SetDefault("relay_nats_url", "")
	v.SetDefault("relay_ping_interval_ms", 30000)

	port := v.GetInt("relay_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid RELAY_PORT: %d", port)
	}

	capacity := v.GetInt("relay_store_capacity")
	if capacity <= 0 {
		capacity = 100
	}

	pingMS := v.GetInt("relay_ping_interval_ms")
	if pingMS <= 0 {
		pingMS = 30000
	}

	return Config{
		Port:          port,
		StoreCapacity: capacity,
		NATSURL:       strings.TrimSpace(v.GetString("relay_nats_url")),
		PingInterval:  time.Duration(pingMS) * time.Millisecond,
	}, nil
}
