package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/metrics"
)

// Manager maintains one logical stream connection across transient failures.
// It owns a single transport at a time, reconnects with exponential backoff,
// keeps the connection alive with periodic ping probes, fans inbound frames
// out to subscribers by type, and correlates acknowledged sends by request id.
//
// Subscriptions survive reconnects; they are not transport-scoped.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// dial opens a fresh transport attempt. Replaced in tests.
	dial func(ctx context.Context) (Transport, error)

	mu      sync.Mutex
	conn    Transport     // nil when disconnected
	intent  bool          // true while the caller wants us connected
	running bool          // true while the run loop is alive
	stop    chan struct{} // closed by Disconnect, wakes backoff waits
	done    chan struct{} // closed when the run loop has fully exited
	delay   time.Duration // backoff delay for the next scheduled attempt

	handlersMu sync.RWMutex
	handlers   map[string]map[uintptr]Handler

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage
	nextID    int64

	wg sync.WaitGroup
}

// NewManager creates a stream Manager. It does not connect; call Connect.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[string]map[uintptr]Handler),
		pending:  make(map[string]chan json.RawMessage),
	}
	m.dial = func(ctx context.Context) (Transport, error) {
		c := NewClient(ClientConfig{
			URL:          cfg.URL,
			Token:        cfg.Token,
			WriteTimeout: cfg.WriteTimeout,
			BufferSize:   cfg.BufferSize,
		}, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
	return m
}

// Connect starts the connection lifecycle. No-op while a lifecycle is
// already wanted; after Disconnect it always opens a new one, waiting out
// a previous loop that is still unwinding. Reconnection continues until
// Disconnect is called. Like Wait, must not be called from a subscriber
// callback.
func (m *Manager) Connect() {
	m.mu.Lock()
	for m.running {
		if m.intent {
			m.mu.Unlock()
			return
		}
		// The previous lifecycle is still draining after Disconnect.
		done := m.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	m.running = true
	m.intent = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.delay = m.cfg.ReconnectDelay
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Disconnect stops reconnection and closes any live transport. A reconnect
// attempt already scheduled is suppressed entirely: no transport is opened
// and no events are emitted for it. Pending acknowledged sends are left to
// time out on their own schedule.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.intent {
		m.mu.Unlock()
		return
	}
	m.intent = false
	conn := m.conn
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
}

// Wait blocks until the run loop and heartbeat have fully unwound after
// Disconnect. Must not be called from a subscriber callback.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// IsConnected reports whether a transport is currently open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil && m.conn.IsConnected()
}

// On subscribes a handler to an event type. "*" receives every event.
// Registering the same handler twice for the same type does not duplicate
// dispatch.
func (m *Manager) On(eventType string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()

	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	set, ok := m.handlers[eventType]
	if !ok {
		set = make(map[uintptr]Handler)
		m.handlers[eventType] = set
	}
	set[key] = h
}

// Off removes a handler from an event type. Other handlers on the same type
// are unaffected.
func (m *Manager) Off(eventType string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()

	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	set, ok := m.handlers[eventType]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(m.handlers, eventType)
	}
}

// Send transmits a command over the open transport. The next request id is
// injected as request_id, overwriting any field of that name the caller set.
// With AwaitAck the call blocks until the matching ack frame arrives (its
// payload is returned), the timeout fires (ErrAckTimeout), or ctx is done.
// Without AwaitAck it returns right after transmission.
//
// Fails with ErrNotConnected when no transport is open; nothing is sent.
func (m *Manager) Send(ctx context.Context, command map[string]any, opts SendOptions) (json.RawMessage, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	id := strconv.FormatInt(atomic.AddInt64(&m.nextID, 1), 10)

	out := make(map[string]any, len(command)+1)
	for k, v := range command {
		out[k] = v
	}
	out["request_id"] = id

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	if !opts.AwaitAck {
		return nil, conn.Send(data)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.AckTimeout
	}

	// Register before transmitting so a fast ack cannot race the table.
	ackCh := make(chan json.RawMessage, 1)
	m.pendingMu.Lock()
	m.pending[id] = ackCh
	m.pendingMu.Unlock()
	metrics.PendingAcks.Inc()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
		metrics.PendingAcks.Dec()
	}()

	if err := conn.Send(data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.AckTimeouts.Inc()
		return nil, ErrAckTimeout
	case payload := <-ackCh:
		return payload, nil
	}
}

// run is the connection lifecycle loop: dial, serve, back off, repeat.
func (m *Manager) run() {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.running = false
		close(m.done)
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		intent := m.intent
		stop := m.stop
		m.mu.Unlock()
		if !intent {
			return
		}

		metrics.ConnectAttempts.Inc()
		conn, err := m.dial(context.Background())
		if err != nil {
			m.logger.Warn("connection attempt failed", "url", m.cfg.URL, "error", err)
			// A failed attempt closes its cycle the same way a dying
			// transport does: error first, then close.
			m.emitError(err)
			m.dispatch(Event{Type: EventClose, Payload: closePayload(err)})
			if !m.waitBackoff(stop) {
				return
			}
			continue
		}

		m.mu.Lock()
		if !m.intent {
			// Disconnect raced the dial; tear down silently.
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.delay = m.cfg.ReconnectDelay
		m.mu.Unlock()

		metrics.Connected.Set(1)
		m.logger.Info("stream connected", "url", m.cfg.URL)

		hbStop := make(chan struct{})
		m.wg.Add(1)
		go m.heartbeatLoop(conn, hbStop)

		m.dispatch(Event{Type: EventOpen})

		closeErr := m.serve(conn, stop)

		close(hbStop)
		m.mu.Lock()
		m.conn = nil
		intent = m.intent
		m.mu.Unlock()
		conn.Close()
		metrics.Connected.Set(0)

		m.logger.Info("stream closed", "error", closeErr)
		if closeErr != nil {
			m.emitError(closeErr)
		}
		m.dispatch(Event{Type: EventClose, Payload: closePayload(closeErr)})

		if !intent {
			return
		}
		if !m.waitBackoff(stop) {
			return
		}
	}
}

// serve processes inbound frames until the transport dies or stop closes.
func (m *Manager) serve(conn Transport, stop chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case err := <-conn.Errors():
			return err
		case data := <-conn.Frames():
			m.handleFrame(data)
		}
	}
}

// waitBackoff sleeps the current backoff delay, then grows it for the next
// cycle. The delay used now is the pre-growth value. Returns false if
// Disconnect fired during the wait.
func (m *Manager) waitBackoff(stop chan struct{}) bool {
	m.mu.Lock()
	d := m.delay
	next := time.Duration(float64(m.delay) * m.cfg.BackoffFactor)
	if next > m.cfg.MaxReconnectDelay {
		next = m.cfg.MaxReconnectDelay
	}
	m.delay = next
	m.mu.Unlock()

	m.logger.Debug("reconnecting after backoff", "delay", d)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

// heartbeatLoop transmits a ping probe on a fixed interval while the
// transport is open. Best effort: send failures are swallowed.
func (m *Manager) heartbeatLoop(conn Transport, stop chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !conn.IsConnected() {
				continue
			}
			probe, _ := json.Marshal(struct {
				Type string `json:"type"`
				TS   int64  `json:"ts"`
			}{Type: "ping", TS: time.Now().UnixMilli()})

			if err := conn.Send(probe); err != nil {
				m.logger.Debug("heartbeat send failed", "error", err)
				continue
			}
			metrics.HeartbeatsSent.Inc()
		}
	}
}

// handleFrame parses one inbound frame and routes it: acks resolve their
// pending send, everything else is dispatched to subscribers.
func (m *Manager) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.ParseErrors.Inc()
		m.emitError(fmt.Errorf("malformed frame: %w", err))
		return
	}
	if f.Type == "" {
		metrics.ParseErrors.Inc()
		m.emitError(errors.New("frame missing type"))
		return
	}

	if f.Type == "ack" && f.RequestID != "" {
		m.resolveAck(f.RequestID, f.Payload)
		return
	}

	metrics.FramesRouted.WithLabelValues(f.Type).Inc()
	m.dispatch(Event{Type: f.Type, Payload: f.Payload, Raw: data})
}

// resolveAck completes the pending send for the given request id. Acks with
// no live entry (already timed out, or never ours) are dropped.
func (m *Manager) resolveAck(id string, payload json.RawMessage) {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	if !ok {
		m.logger.Debug("ack for unknown request, dropping", "request_id", id)
		return
	}

	metrics.AcksResolved.Inc()
	select {
	case ch <- payload:
	default:
	}
}

// dispatch invokes type-specific subscribers, then wildcard subscribers.
// Membership is snapshotted first, so a handler that subscribes or
// unsubscribes mid-dispatch does not affect the current pass. A panicking
// handler is isolated; the rest still run.
func (m *Manager) dispatch(ev Event) {
	m.handlersMu.RLock()
	typed := make([]Handler, 0, len(m.handlers[ev.Type]))
	if ev.Type != Wildcard {
		for _, h := range m.handlers[ev.Type] {
			typed = append(typed, h)
		}
	}
	wild := make([]Handler, 0, len(m.handlers[Wildcard]))
	for _, h := range m.handlers[Wildcard] {
		wild = append(wild, h)
	}
	m.handlersMu.RUnlock()

	for _, h := range typed {
		m.invoke(h, ev)
	}
	for _, h := range wild {
		m.invoke(h, ev)
	}
}

func (m *Manager) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// emitError emits a local "error" event. Transport and protocol errors are
// never fatal; collaborators observe them here.
func (m *Manager) emitError(err error) {
	payload, _ := json.Marshal(errorDetail{Message: err.Error()})
	m.dispatch(Event{Type: EventError, Payload: payload})
}

// closePayload renders transport close details for the local "close" event.
func closePayload(err error) json.RawMessage {
	detail := closeDetail{Code: websocket.CloseNormalClosure}
	var ce *websocket.CloseError
	switch {
	case err == nil:
	case errors.As(err, &ce):
		detail.Code = ce.Code
		detail.Reason = ce.Text
	default:
		detail.Code = websocket.CloseAbnormalClosure
		detail.Reason = err.Error()
	}
	payload, _ := json.Marshal(detail)
	return payload
}
