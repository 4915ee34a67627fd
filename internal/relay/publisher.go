package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/inboxtriage/webhook-relay/internal/event"
)

const (
	streamName    = "MAIL_EVENTS"
	subjectPrefix = "mail.events."
)

// Publisher fans ingested events out to NATS JetStream so backend consumers
// beyond the in-process delivery endpoint can react to mailbox activity.
// Publishing is best-effort: the ingestion path never fails a provider
// request because the broker is unavailable.
type Publisher struct {
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *slog.Logger
}

// NewPublisher connects to NATS and prepares a JetStream context.
func NewPublisher(url string, log *slog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, log: log}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(streamName)
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ">"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// PublishEvent publishes one normalized event. The message id carries
// provider, messageId and receipt timestamp so JetStream's duplicate window
// absorbs provider redeliveries that land within it.
func (p *Publisher) PublishEvent(ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := subjectPrefix + string(ev.Provider)
	msgID := fmt.Sprintf("%s|%s|%d", ev.Provider, ev.MessageID, ev.Timestamp)

	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
