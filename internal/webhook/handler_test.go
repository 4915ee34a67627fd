package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/inboxtriage/webhook-relay/internal/delivery"
	"github.com/inboxtriage/webhook-relay/internal/event"
	"github.com/inboxtriage/webhook-relay/internal/eventstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// capturingPublisher records relayed events for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *capturingPublisher) PublishEvent(ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) published() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Event(nil), p.events...)
}

func newTestRouter(t *testing.T, relay EventPublisher) (*gin.Engine, *eventstore.Store) {
	t.Helper()

	store := eventstore.New(0)
	h := NewHandler(store, relay, discardLogger())

	ts := int64(0)
	h.now = func() time.Time {
		ts++
		return time.UnixMilli(ts)
	}

	r := gin.New()
	h.Register(r)
	return r, store
}

func doRequest(r *gin.Engine, method, target string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func gmailEnvelope(inner string) []byte {
	data := base64.StdEncoding.EncodeToString([]byte(inner))
	return []byte(fmt.Sprintf(
		`{"message":{"data":"%s","messageId":"m1","publishTime":"t"},"subscription":"s"}`, data,
	))
}

func TestGmailWebhookStoresEventAndPollReturnsIt(t *testing.T) {
	t.Parallel()

	relay := &capturingPublisher{}
	r, store := newTestRouter(t, relay)
	delivery.NewHandler(store, discardLogger(), 0).Register(r)

	w := doRequest(r, http.MethodPost, "/webhooks/gmail",
		gmailEnvelope(`{"emailAddress":"a@b.com","historyId":"42"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	require.Equal(t, "42", ack["historyId"])

	stored := store.Since(0)
	require.Len(t, stored, 1)
	require.Equal(t, event.ProviderGmail, stored[0].Provider)
	require.Equal(t, "42", stored[0].MessageID)
	require.Len(t, relay.published(), 1)

	// A subsequent poll with a zero cursor sees the event.
	w = doRequest(r, http.MethodGet, "/events?lastEventId=0", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var pr delivery.PollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pr))
	require.Len(t, pr.Events, 1)
	require.Equal(t, "42", pr.Events[0].MessageID)
	require.False(t, pr.HasMore)
}

func TestGmailWebhookRejectsMalformed(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	bodies := [][]byte{
		[]byte(`not json`),
		[]byte(`{"message":{"messageId":"m1"},"subscription":"s"}`),
		gmailEnvelope(`not json`),
		gmailEnvelope(`{"emailAddress":"a@b.com"}`),
	}

	for _, body := range bodies {
		w := doRequest(r, http.MethodPost, "/webhooks/gmail", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "error")
	}
	require.Zero(t, store.Len())
}

func TestOutlookWebhookPersistsOnlyCreated(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	body := []byte(`{"value":[
		{"changeType":"created","resource":"Users/u1/Messages/AAMk1","subscriptionId":"s1"},
		{"changeType":"updated","resource":"Users/u1/Messages/AAMk2","subscriptionId":"s1"},
		{"changeType":"deleted","resource":"Users/u1/Messages/AAMk3","subscriptionId":"s1"},
		{"changeType":"created","resource":"Users/u1/Messages/AAMk4","subscriptionId":"s1"}
	]}`)

	w := doRequest(r, http.MethodPost, "/webhooks/outlook", body)
	require.Equal(t, http.StatusOK, w.Code)

	stored := store.Since(0)
	require.Len(t, stored, 2)
	require.Equal(t, "AAMk1", stored[0].MessageID)
	require.Equal(t, "AAMk4", stored[1].MessageID)
	for _, ev := range stored {
		require.Equal(t, event.ProviderOutlook, ev.Provider)
		require.Equal(t, event.ChangeCreated, ev.ChangeType)
	}
}

func TestOutlookWebhookRejectsMissingValue(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	for _, body := range [][]byte{
		[]byte(`{}`),
		[]byte(`{"value":"nope"}`),
		[]byte(`garbage`),
	} {
		w := doRequest(r, http.MethodPost, "/webhooks/outlook", body)
		require.Equal(t, http.StatusBadRequest, w.Code)
	}
	require.Zero(t, store.Len())
}

func TestOutlookWebhookSkipsBadEntriesWithoutFailing(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	body := []byte(`{"value":[
		{"changeType":"created","resource":"bogus","subscriptionId":"s1"},
		{"changeType":"created","resource":"Users/u1/Messages/AAMk1","subscriptionId":"s1"}
	]}`)

	w := doRequest(r, http.MethodPost, "/webhooks/outlook", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, store.Len())
}

func TestOutlookValidationHandshake(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)

	w := doRequest(r, http.MethodGet, "/webhooks/outlook?validationToken=abc123", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "abc123", w.Body.String())
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	require.Zero(t, store.Len())
}

func TestOutlookDescriptorWithoutToken(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, nil)

	w := doRequest(r, http.MethodGet, "/webhooks/outlook", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestGmailWebhookRedeliveryIsNotDeduplicated(t *testing.T) {
	t.Parallel()

	r, store := newTestRouter(t, nil)
	body := gmailEnvelope(`{"emailAddress":"a@b.com","historyId":"42"}`)

	for i := 0; i < 2; i++ {
		w := doRequest(r, http.MethodPost, "/webhooks/gmail", body)
		require.Equal(t, http.StatusOK, w.Code)
	}
	require.Equal(t, 2, store.Len())
}
