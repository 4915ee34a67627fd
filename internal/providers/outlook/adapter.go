package outlook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/providers"
)

// Payload is the Microsoft Graph change-notification batch shape.
type Payload struct {
	Value []Notification `json:"value"`
}

// Notification is one entry of a Graph notification batch.
type Notification struct {
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	SubscriptionID string `json:"subscriptionId"`
}

// messageIDPattern extracts the trailing path segment after /messages/ in a
// Graph resource path, e.g. "Users/abc/Messages/AAMk123" -> "AAMk123".
var messageIDPattern = regexp.MustCompile(`(?i)/messages/([^/]+)$`)

// Normalizer converts Graph change-notification batches into normalized
// events. Invalid entries inside a batch are skipped with a log line, never
// failing the whole request.
type Normalizer struct {
	Log *slog.Logger
}

// Normalize validates a raw notification body and emits one event per valid
// entry. Every valid entry is normalized with its reported change type; the
// caller decides which change types to persist (the notification stream
// includes updated/deleted noise not useful as a "new email" trigger).
func (n Normalizer) Normalize(body []byte, receivedAt time.Time) ([]event.Event, error) {
	var raw struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse payload: %w", providers.ErrDecodeFailure)
	}
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil, fmt.Errorf("missing value array: %w", providers.ErrInvalidPayload)
	}

	var entries []Notification
	if err := json.Unmarshal(raw.Value, &entries); err != nil {
		return nil, fmt.Errorf("value is not a notification array: %w", providers.ErrInvalidPayload)
	}

	events := make([]event.Event, 0, len(entries))
	for i, entry := range entries {
		if !event.ValidChangeType(entry.ChangeType) || entry.Resource == "" || entry.SubscriptionID == "" {
			n.log().Warn("skipping malformed notification entry",
				"index", i, "changeType", entry.ChangeType, "subscriptionId", entry.SubscriptionID)
			continue
		}

		m := messageIDPattern.FindStringSubmatch(entry.Resource)
		if m == nil {
			n.log().Warn("skipping entry with unrecognized resource path",
				"index", i, "resource", entry.Resource)
			continue
		}

		events = append(events, event.Event{
			Provider:   event.ProviderOutlook,
			MessageID:  m[1],
			Timestamp:  receivedAt.UnixMilli(),
			ChangeType: event.ChangeType(entry.ChangeType),
		})
	}

	return events, nil
}

func (n Normalizer) log() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}
