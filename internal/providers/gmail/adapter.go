package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/providers"
)

// Envelope is the Pub/Sub push wrapper Gmail watch notifications arrive in.
// The interesting part is Message.Data, a base64-encoded JSON blob.
type Envelope struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

// PubSubMessage is the inner Pub/Sub message of an Envelope.
type PubSubMessage struct {
	Data        string `json:"data"`
	MessageID   string `json:"messageId"`
	PublishTime string `json:"publishTime"`
}

// notification is the decoded Message.Data blob. Gmail sends historyId as a
// number but relays re-encoding the blob often turn it into a string, so
// accept either.
type notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    any    `json:"historyId"`
}

// Normalizer converts Gmail Pub/Sub push payloads into normalized events.
type Normalizer struct{}

// Normalize validates a raw push body and emits exactly one event for a
// valid notification. Gmail does not report a change type; every valid
// notification is a "new activity" signal and the consumer is expected to
// re-fetch mailbox state rather than trust a delta. The messageId of the
// emitted event is the history cursor (historyId).
func (Normalizer) Normalize(body []byte, receivedAt time.Time) ([]event.Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", providers.ErrDecodeFailure)
	}
	if env.Message.Data == "" {
		return nil, fmt.Errorf("missing message.data: %w", providers.ErrInvalidPayload)
	}

	decoded, err := decodeData(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decode message.data: %w", providers.ErrDecodeFailure)
	}

	var note notification
	if err := json.Unmarshal(decoded, &note); err != nil {
		return nil, fmt.Errorf("parse decoded notification: %w", providers.ErrDecodeFailure)
	}

	historyID := historyIDString(note.HistoryID)
	if note.EmailAddress == "" || historyID == "" {
		return nil, fmt.Errorf("notification lacks emailAddress/historyId: %w", providers.ErrInvalidPayload)
	}

	return []event.Event{{
		Provider:  event.ProviderGmail,
		MessageID: historyID,
		Timestamp: receivedAt.UnixMilli(),
	}}, nil
}

// decodeData accepts both standard and URL-safe base64; Pub/Sub documents
// URL-safe but standard encoding shows up in practice.
func decodeData(data string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(data); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(data)
}

func historyIDString(v any) string {
	switch h := v.(type) {
	case string:
		return h
	case float64:
		return strconv.FormatFloat(h, 'f', -1, 64)
	case json.Number:
		return h.String()
	default:
		return ""
	}
}
