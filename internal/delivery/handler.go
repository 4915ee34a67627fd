package delivery

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/eventstore"
)

// DefaultPingInterval is the keep-alive cadence for open streams.
const DefaultPingInterval = 30 * time.Second

// PollResponse is the polling transport's wire shape. HasMore is always
// false: a single poll never paginates, clients are expected to re-poll.
type PollResponse struct {
	Events      []event.Event `json:"events"`
	LastEventID string        `json:"lastEventId"`
	HasMore     bool          `json:"hasMore"`
}

// Handler exposes the event store to subscribers over two transports keyed
// by a client-supplied cursor: a pull-based poll (default) and a long-lived
// SSE stream (mode=sse).
type Handler struct {
	store *eventstore.Store
	log   *slog.Logger

	// pingInterval drives the stream keep-alive; shortened in tests.
	pingInterval time.Duration
	now          func() time.Time
}

// NewHandler constructs the delivery handler. A non-positive pingInterval
// falls back to DefaultPingInterval.
func NewHandler(store *eventstore.Store, log *slog.Logger, pingInterval time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Handler{
		store:        store,
		log:          log,
		pingInterval: pingInterval,
		now:          time.Now,
	}
}

// Register mounts the delivery route.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/events", h.handleEvents)
}

func (h *Handler) handleEvents(c *gin.Context) {
	cursor := parseCursor(c.Query("lastEventId"))
	if c.Query("mode") == "sse" {
		h.stream(c, cursor)
		return
	}
	h.poll(c, cursor)
}

func (h *Handler) poll(c *gin.Context, cursor int64) {
	events := h.store.Since(cursor)

	last := cursor
	if len(events) > 0 {
		last = events[len(events)-1].Timestamp
	}

	c.JSON(http.StatusOK, PollResponse{
		Events:      events,
		LastEventID: strconv.FormatInt(last, 10),
		HasMore:     false,
	})
}

// stream replays the backlog newer than the cursor, then keeps the
// connection alive with pings. Events arriving after the replay are not
// pushed onto an already-open stream; clients pick them up on reconnect
// (replay-then-heartbeat, not replay-then-live-tail).
func (h *Handler) stream(c *gin.Context, cursor int64) {
	connID := uuid.NewString()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Render(-1, sse.Event{
		Event: "connected",
		Data:  gin.H{"timestamp": h.now().UnixMilli()},
	})

	backlog := h.store.Since(cursor)
	for _, ev := range backlog {
		c.Render(-1, sse.Event{
			Event: "webhook-event",
			Id:    strconv.FormatInt(ev.Timestamp, 10),
			Data:  ev,
		})
	}
	c.Writer.Flush()

	h.log.Info("stream opened", "conn", connID, "cursor", cursor, "replayed", len(backlog))

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("stream closed", "conn", connID)
			return
		case <-ticker.C:
			c.Render(-1, sse.Event{
				Event: "ping",
				Data:  gin.H{"timestamp": h.now().UnixMilli()},
			})
			c.Writer.Flush()
		}
	}
}

// parseCursor converts the lastEventId query value to a timestamp cursor.
// Absent or garbage values mean "replay everything retained".
func parseCursor(raw string) int64 {
	if raw == "" {
		return 0
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0
	}
	return cursor
}
