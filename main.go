package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/inboxtriage/webhook-relay/internal/config"
	"github.com/inboxtriage/webhook-relay/internal/delivery"
	"github.com/inboxtriage/webhook-relay/internal/eventstore"
	"github.com/inboxtriage/webhook-relay/internal/relay"
	"github.com/inboxtriage/webhook-relay/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	store := eventstore.New(cfg.StoreCapacity)

	var publisher webhook.EventPublisher
	if cfg.NATSURL != "" {
		p, err := relay.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer p.Close()

		if err := p.EnsureStream(context.Background()); err != nil {
			slog.Error("failed to ensure NATS stream", "error", err)
			os.Exit(1)
		}
		publisher = p
		slog.Info("event relay enabled", "url", cfg.NATSURL)
	}

	r := gin.Default()

	webhook.NewHandler(store, publisher, logger).Register(r)
	delivery.NewHandler(store, logger, cfg.PingInterval).Register(r)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "events": store.Len()})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		slog.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}
