package webhook

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/eventstore"
	"github.com/inboxtriage/webhook-relay/internal/providers"
	"github.com/inboxtriage/webhook-relay/internal/providers/gmail"
	"github.com/inboxtriage/webhook-relay/internal/providers/outlook"
)

// EventPublisher relays stored events to an external broker. May be absent.
type EventPublisher interface {
	PublishEvent(ev event.Event) error
}

// Handler receives provider push callbacks, normalizes them and appends the
// resulting events to the store. Providers may redeliver notifications; the
// handler does not deduplicate (at-least-once semantics).
type Handler struct {
	store   *eventstore.Store
	relay   EventPublisher
	gmail   gmail.Normalizer
	outlook outlook.Normalizer
	log     *slog.Logger

	// now assigns receipt timestamps; replaced by a fake clock in tests.
	now func() time.Time
}

// NewHandler constructs the ingestion handler. relay may be nil when no
// broker is configured.
func NewHandler(store *eventstore.Store, relay EventPublisher, log *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		relay:   relay,
		outlook: outlook.Normalizer{Log: log},
		log:     log,
		now:     time.Now,
	}
}

// Register mounts the per-provider webhook routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/gmail", h.handleGmail)
	r.POST("/webhooks/outlook", h.handleOutlook)
	r.GET("/webhooks/outlook", h.handleOutlookValidation)
}

func (h *Handler) handleGmail(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	events, err := h.gmail.Normalize(body, h.now())
	if err != nil {
		if errors.Is(err, providers.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("gmail webhook failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	for _, ev := range events {
		h.store.Append(ev)
		h.publish(ev)
	}

	// The normalizer emits exactly one event whose messageId is the history
	// cursor.
	c.JSON(http.StatusOK, gin.H{
		"message":   "notification processed",
		"historyId": events[0].MessageID,
	})
}

func (h *Handler) handleOutlook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request body"})
		return
	}

	events, err := h.outlook.Normalize(body, h.now())
	if err != nil {
		if errors.Is(err, providers.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.log.Error("outlook webhook failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	stored := 0
	for _, ev := range events {
		// Only newly-created messages are a useful trigger; updated/deleted
		// entries are normalized but dropped before persistence.
		if ev.ChangeType != event.ChangeCreated {
			continue
		}
		h.store.Append(ev)
		h.publish(ev)
		stored++
	}

	h.log.Info("outlook notifications processed", "received", len(events), "stored", stored)
	c.JSON(http.StatusOK, gin.H{"message": "notifications processed"})
}

// handleOutlookValidation answers the Graph subscription handshake: a GET
// carrying validationToken must be echoed back verbatim as plain text. This
// is how the provider confirms endpoint ownership; it never touches the
// store.
func (h *Handler) handleOutlookValidation(c *gin.Context) {
	if token, ok := c.GetQuery("validationToken"); ok {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"endpoint": "outlook webhook",
	})
}

func (h *Handler) publish(ev event.Event) {
	if h.relay == nil {
		return
	}
	if err := h.relay.PublishEvent(ev); err != nil {
		h.log.Warn("failed to relay event", "provider", ev.Provider, "messageId", ev.MessageID, "error", err)
	}
}
