package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/inboxtriage/webhook-relay/internal/delivery"
	"github.com/inboxtriage/webhook-relay/internal/event"
)

// State is the connection state of a Manager.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Status is the snapshot handed to status listeners on every transition.
type Status struct {
	State         State
	LastError     string
	LastConnected time.Time
	LastEventID   string
}

// EventListener receives every delivered event, regardless of transport.
type EventListener func(ev event.Event)

// StatusListener receives connection status transitions.
type StatusListener func(st Status)

const (
	// DefaultPendingCapacity bounds the client-side pending queue.
	DefaultPendingCapacity = 50
	// DefaultPollInterval is the polling transport cadence.
	DefaultPollInterval = 10 * time.Second
	// DefaultRetryDelay is the wait before restarting after a streaming
	// transport failure.
	DefaultRetryDelay = 5 * time.Second
)

// Config configures a Manager. Zero values fall back to the defaults above;
// Clock and Logger default to the system clock and slog.Default.
type Config struct {
	// BaseURL is the relay server root, e.g. "http://localhost:8080".
	BaseURL string
	// Streaming enables the streaming transport as the first choice. When
	// false the manager goes straight to polling.
	Streaming bool

	HTTPClient      *http.Client
	Clock           Clock
	Logger          *slog.Logger
	PendingCapacity int
	PollInterval    time.Duration
	RetryDelay      time.Duration
}

// Manager owns transport selection, reconnect-with-fallback, cursor tracking
// and listener fan-out for one consuming application. Callers see identical
// behavior whichever transport is active underneath: same listener callback
// shape, same cursor semantics, same bounded pending queue.
//
// A consuming application should share a single Manager rather than creating
// one per component, to avoid duplicate transport connections.
type Manager struct {
	baseURL    string
	client     *http.Client
	clock      Clock
	log        *slog.Logger
	pendingCap int
	pollEvery  time.Duration
	retryAfter time.Duration

	mu            sync.Mutex
	state         State
	lastError     string
	lastConnected time.Time
	lastEventID   int64
	streaming     bool
	pending       []event.Event

	eventListeners  []EventListener
	statusListeners []StatusListener

	cancelStream context.CancelFunc
	cancelPoll   context.CancelFunc
	pollTicker   Ticker
	pollStop     chan struct{}
	retryTimer   Timer

	// gen invalidates in-flight transport work. Stop bumps it, so a poll or
	// stream read that completes afterwards cannot mutate state or deliver.
	gen uint64
}

// NewManager constructs a stopped Manager; call Start to connect.
func NewManager(cfg Config) *Manager {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	pendingCap := cfg.PendingCapacity
	if pendingCap <= 0 {
		pendingCap = DefaultPendingCapacity
	}
	pollEvery := cfg.PollInterval
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	retryAfter := cfg.RetryDelay
	if retryAfter <= 0 {
		retryAfter = DefaultRetryDelay
	}

	return &Manager{
		baseURL:    cfg.BaseURL,
		client:     client,
		clock:      clock,
		log:        log,
		pendingCap: pendingCap,
		pollEvery:  pollEvery,
		retryAfter: retryAfter,
		state:      StateDisconnected,
		streaming:  cfg.Streaming,
	}
}

// Start connects using the preferred transport. It is a no-op while already
// connecting or connected. After a streaming failure the preference is
// permanently polling for this Manager instance.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	// Guard and transition share one critical section so a second Start
	// racing a retry timer cannot slip past the no-op check.
	useStream := m.streaming
	gen := m.gen
	st, listeners, changed := m.transitionLocked(StateConnecting, "")
	m.mu.Unlock()
	if changed {
		m.notifyStatus(st, listeners)
	}

	if useStream {
		m.startStreaming(gen)
		return
	}
	m.startPolling(gen)
}

// Stop tears down whichever transport is active and forces the state to
// disconnected. It is idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.gen++
	if m.cancelStream != nil {
		m.cancelStream()
		m.cancelStream = nil
	}
	if m.cancelPoll != nil {
		m.cancelPoll()
		m.cancelPoll = nil
	}
	if m.pollTicker != nil {
		m.pollTicker.Stop()
		m.pollTicker = nil
	}
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	st, listeners, changed := m.transitionLocked(StateDisconnected, "")
	m.mu.Unlock()
	if changed {
		m.notifyStatus(st, listeners)
	}
}

// OnEvent registers an event listener. Listeners are invoked synchronously
// on delivery; a panicking listener is isolated and never blocks the others.
func (m *Manager) OnEvent(fn EventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventListeners = append(m.eventListeners, fn)
}

// OnStatus registers a status listener with the same fault isolation.
func (m *Manager) OnStatus(fn StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusListeners = append(m.statusListeners, fn)
}

// Status returns the current connection status snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// PendingEvents atomically drains and returns the pending queue, so a
// consuming UI can pull a batch without double-processing.
func (m *Manager) PendingEvents() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

func (m *Manager) startStreaming(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancelStream = cancel
	m.mu.Unlock()

	go m.runStream(ctx, gen)
}

func (m *Manager) runStream(ctx context.Context, gen uint64) {
	url := fmt.Sprintf("%s/events?mode=sse&lastEventId=%d", m.baseURL, m.cursor())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.onStreamFailure(gen, fmt.Errorf("build stream request: %w", err))
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.onStreamFailure(gen, fmt.Errorf("open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.onStreamFailure(gen, fmt.Errorf("unexpected stream status %s", resp.Status))
		return
	}

	reader := newSSEReader(resp.Body)
	for {
		msg, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// EOF on a long-lived stream is a transport failure too: the
			// server went away.
			m.onStreamFailure(gen, fmt.Errorf("read stream: %w", err))
			return
		}

		switch msg.Event {
		case "connected":
			m.setStateIfCurrent(gen, StateConnected, "")
		case "webhook-event":
			var ev event.Event
			if err := json.Unmarshal([]byte(msg.Data), &ev); err != nil {
				m.log.Warn("dropping undecodable stream event", "error", err)
				continue
			}
			m.deliver(gen, ev)
		case "ping":
			// Keep-alive, nothing to do.
		}
	}
}

// onStreamFailure permanently disables the streaming preference and
// schedules a restart, which self-heals into polling mode rather than
// retrying the broken transport.
func (m *Manager) onStreamFailure(gen uint64, err error) {
	m.log.Warn("streaming transport failed, falling back to polling", "error", err)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.streaming = false
	m.cancelStream = nil
	m.retryTimer = m.clock.AfterFunc(m.retryAfter, m.Start)
	st, listeners, changed := m.transitionLocked(StateError, err.Error())
	m.mu.Unlock()
	if changed {
		m.notifyStatus(st, listeners)
	}
}

func (m *Manager) startPolling(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	ticker := m.clock.NewTicker(m.pollEvery)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		cancel()
		ticker.Stop()
		return
	}
	m.cancelPoll = cancel
	m.pollStop = stop
	m.pollTicker = ticker
	st, listeners, changed := m.transitionLocked(StateConnected, "")
	m.mu.Unlock()
	if changed {
		m.notifyStatus(st, listeners)
	}

	go m.runPollLoop(ctx, gen, ticker, stop)
}

func (m *Manager) runPollLoop(ctx context.Context, gen uint64, ticker Ticker, stop chan struct{}) {
	m.pollOnce(ctx, gen)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			m.pollOnce(ctx, gen)
		}
	}
}

// pollOnce issues a single poll. A failure flips the state to error but
// never stops the interval; the next scheduled poll attempts recovery. Stop
// cancels ctx and bumps the generation, so a response landing after teardown
// is discarded instead of resurrecting the connected state.
func (m *Manager) pollOnce(ctx context.Context, gen uint64) {
	url := fmt.Sprintf("%s/events?lastEventId=%d", m.baseURL, m.cursor())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.setStateIfCurrent(gen, StateError, "poll failed: "+err.Error())
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.setStateIfCurrent(gen, StateError, "poll failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.setStateIfCurrent(gen, StateError, "poll failed: unexpected status "+resp.Status)
		return
	}

	var pr delivery.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.setStateIfCurrent(gen, StateError, "poll failed: "+err.Error())
		return
	}

	for _, ev := range pr.Events {
		m.deliver(gen, ev)
	}

	m.setStateIfCurrent(gen, StateConnected, "")
}

// deliver is the single delivery path shared by both transports: advance the
// cursor, append to the bounded pending queue, then fan out synchronously.
// A stale generation means the transport was stopped mid-flight; the event
// is dropped.
func (m *Manager) deliver(gen uint64, ev event.Event) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if ev.Timestamp > m.lastEventID {
		m.lastEventID = ev.Timestamp
	}
	m.pending = append(m.pending, ev)
	if len(m.pending) > m.pendingCap {
		overflow := len(m.pending) - m.pendingCap
		retained := make([]event.Event, m.pendingCap)
		copy(retained, m.pending[overflow:])
		m.pending = retained
	}
	listeners := make([]EventListener, len(m.eventListeners))
	copy(listeners, m.eventListeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		m.notify(func() { fn(ev) })
	}
}

// setStateIfCurrent transitions only when the generation still matches, so
// callbacks from a torn-down transport cannot move the state machine.
func (m *Manager) setStateIfCurrent(gen uint64, s State, errMsg string) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	st, listeners, changed := m.transitionLocked(s, errMsg)
	m.mu.Unlock()
	if changed {
		m.notifyStatus(st, listeners)
	}
}

// transitionLocked mutates the state under the caller's lock and returns the
// snapshot plus the listeners to notify after the lock is released.
func (m *Manager) transitionLocked(s State, errMsg string) (Status, []StatusListener, bool) {
	if m.state == s && m.lastError == errMsg {
		return Status{}, nil, false
	}
	m.state = s
	m.lastError = errMsg
	if s == StateConnected {
		m.lastConnected = m.clock.Now()
	}
	st := m.statusLocked()
	listeners := make([]StatusListener, len(m.statusListeners))
	copy(listeners, m.statusListeners)
	return st, listeners, true
}

func (m *Manager) notifyStatus(st Status, listeners []StatusListener) {
	for _, fn := range listeners {
		m.notify(func() { fn(st) })
	}
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:         m.state,
		LastError:     m.lastError,
		LastConnected: m.lastConnected,
		LastEventID:   strconv.FormatInt(m.lastEventID, 10),
	}
}

func (m *Manager) cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEventID
}

// notify isolates listener panics so one faulty listener cannot block the
// others or crash the manager.
func (m *Manager) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("listener panicked", "panic", r)
		}
	}()
	fn()
}
