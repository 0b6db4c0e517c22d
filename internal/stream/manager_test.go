package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTransport is an in-process Transport for deterministic manager tests.
type fakeTransport struct {
	frames chan []byte
	errs   chan error

	mu        sync.Mutex
	sent      [][]byte
	checks    int
	connected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:    make(chan []byte, 64),
		errs:      make(chan error, 1),
		connected: true,
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Frames() <-chan []byte { return f.frames }
func (f *fakeTransport) Errors() <-chan error  { return f.errs }

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.connected
}

// connChecks counts IsConnected polls; a live heartbeat loop polls every
// tick, so a flat count means no loop is still bound to this transport.
func (f *fakeTransport) connChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// failConn simulates the transport dying server-side.
func (f *fakeTransport) failConn(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.errs <- err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	cfg := DefaultConfig("ws://test")
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.MaxReconnectDelay = 20 * time.Millisecond
	cfg.BackoffFactor = 2
	cfg.HeartbeatInterval = time.Hour // Off unless a test wants it
	cfg.AckTimeout = 100 * time.Millisecond
	return cfg
}

// newTestManager returns a manager whose dial hands out fake transports,
// delivered on the returned channel in dial order.
func newTestManager(cfg Config) (*Manager, chan *fakeTransport) {
	m := NewManager(cfg, quietLogger())
	conns := make(chan *fakeTransport, 8)
	m.dial = func(ctx context.Context) (Transport, error) {
		ft := newFakeTransport()
		conns <- ft
		return ft, nil
	}
	return m, conns
}

func waitEvent(t *testing.T, ch <-chan Event, what string) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Event{}
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestDispatch_TypeAndWildcard(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var tradeCount, wildCount atomic.Int64
	var wildEv Event
	var mu sync.Mutex

	m.On("trade", func(ev Event) { tradeCount.Add(1) })
	m.On(Wildcard, func(ev Event) {
		wildCount.Add(1)
		mu.Lock()
		wildEv = ev
		mu.Unlock()
	})

	raw := []byte(`{"type":"trade","payload":{"id":1,"pnl":2.5}}`)
	m.handleFrame(raw)

	if got := tradeCount.Load(); got != 1 {
		t.Errorf("trade handler invoked %d times, want 1", got)
	}
	if got := wildCount.Load(); got != 1 {
		t.Errorf("wildcard handler invoked %d times, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if wildEv.Type != "trade" {
		t.Errorf("wildcard event type = %q, want trade", wildEv.Type)
	}
	if string(wildEv.Payload) != `{"id":1,"pnl":2.5}` {
		t.Errorf("wildcard payload = %s", wildEv.Payload)
	}
	if string(wildEv.Raw) != string(raw) {
		t.Errorf("wildcard raw frame = %s", wildEv.Raw)
	}
}

func TestDispatch_UnknownTypeReachesWildcard(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var count atomic.Int64
	m.On(Wildcard, func(ev Event) {
		if ev.Type == "weird_new_type" {
			count.Add(1)
		}
	})

	m.handleFrame([]byte(`{"type":"weird_new_type","payload":{"x":1}}`))

	if got := count.Load(); got != 1 {
		t.Errorf("wildcard invoked %d times for unknown type, want 1", got)
	}
}

func TestOn_DuplicateRegistrationDoesNotDuplicateDispatch(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var count atomic.Int64
	h := func(ev Event) { count.Add(1) }

	m.On("signal", h)
	m.On("signal", h)

	m.handleFrame([]byte(`{"type":"signal","payload":{}}`))

	if got := count.Load(); got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
}

func TestOff_RemovesOnlyThatHandler(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var c1, c2 atomic.Int64
	h1 := func(ev Event) { c1.Add(1) }
	h2 := func(ev Event) { c2.Add(1) }

	m.On("signal", h1)
	m.On("signal", h2)
	m.Off("signal", h1)

	m.handleFrame([]byte(`{"type":"signal","payload":{}}`))

	if got := c1.Load(); got != 0 {
		t.Errorf("removed handler invoked %d times, want 0", got)
	}
	if got := c2.Load(); got != 1 {
		t.Errorf("remaining handler invoked %d times, want 1", got)
	}
}

func TestDispatch_HandlerPanicIsolated(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var count atomic.Int64
	m.On("signal", func(ev Event) { panic("bad subscriber") })
	m.On(Wildcard, func(ev Event) { count.Add(1) })

	m.handleFrame([]byte(`{"type":"signal","payload":{}}`))

	if got := count.Load(); got != 1 {
		t.Errorf("wildcard invoked %d times despite panic, want 1", got)
	}
}

func TestDispatch_SnapshotDuringDispatch(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	var late atomic.Int64
	lateHandler := func(ev Event) { late.Add(1) }

	m.On("signal", func(ev Event) {
		m.On("signal", lateHandler)
	})

	m.handleFrame([]byte(`{"type":"signal","payload":{}}`))
	if got := late.Load(); got != 0 {
		t.Errorf("handler added mid-dispatch ran %d times in the same pass, want 0", got)
	}

	m.handleFrame([]byte(`{"type":"signal","payload":{}}`))
	if got := late.Load(); got != 1 {
		t.Errorf("handler added mid-dispatch ran %d times on next frame, want 1", got)
	}
}

func TestHandleFrame_MalformedEmitsErrorEvent(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	errs := make(chan Event, 4)
	m.On(EventError, func(ev Event) { errs <- ev })

	m.handleFrame([]byte(`{not json`))
	waitEvent(t, errs, "error event for malformed frame")

	m.handleFrame([]byte(`{"payload":{"x":1}}`))
	waitEvent(t, errs, "error event for missing type")

	// The router survives: a good frame still dispatches.
	var count atomic.Int64
	m.On("trade", func(ev Event) { count.Add(1) })
	m.handleFrame([]byte(`{"type":"trade","payload":{}}`))
	if got := count.Load(); got != 1 {
		t.Errorf("dispatch after parse failure invoked %d times, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Request/ack correlation
// ---------------------------------------------------------------------------

func TestSend_NotConnected(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())

	_, err := m.Send(context.Background(), map[string]any{"type": "command"}, SendOptions{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send error = %v, want ErrNotConnected", err)
	}
}

func TestSend_InjectsMonotonicRequestID(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	ft := newFakeTransport()
	m.conn = ft

	cmd := map[string]any{"type": "command", "request_id": "spoofed"}
	if _, err := m.Send(context.Background(), cmd, SendOptions{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := m.Send(context.Background(), map[string]any{"type": "command"}, SendOptions{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := ft.sentFrames()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}

	for i, want := range []string{"1", "2"} {
		var f Frame
		if err := json.Unmarshal(sent[i], &f); err != nil {
			t.Fatalf("unmarshal sent frame: %v", err)
		}
		if f.RequestID != want {
			t.Errorf("frame %d request_id = %q, want %q", i, f.RequestID, want)
		}
	}

	// The caller's own request_id field is overwritten, not kept.
	var f Frame
	if err := json.Unmarshal(sent[0], &f); err != nil {
		t.Fatalf("unmarshal sent frame: %v", err)
	}
	if f.RequestID == "spoofed" {
		t.Errorf("caller-set request_id survived: %s", sent[0])
	}
}

func TestSend_AckResolves(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	ft := newFakeTransport()
	m.conn = ft

	done := make(chan struct{})
	var payload json.RawMessage
	var sendErr error

	go func() {
		defer close(done)
		payload, sendErr = m.Send(context.Background(),
			map[string]any{"type": "command", "payload": map[string]any{"action": "ping"}},
			SendOptions{AwaitAck: true, Timeout: 100 * time.Millisecond},
		)
	}()

	// Inject the matching ack shortly after the send goes out.
	time.Sleep(10 * time.Millisecond)
	m.handleFrame([]byte(`{"type":"ack","request_id":"1","payload":{"ok":true}}`))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not return")
	}

	if sendErr != nil {
		t.Fatalf("Send error = %v, want nil", sendErr)
	}
	if string(payload) != `{"ok":true}` {
		t.Errorf("ack payload = %s, want {\"ok\":true}", payload)
	}

	// The entry is gone; no timeout fires later and a duplicate ack is
	// dropped silently.
	m.handleFrame([]byte(`{"type":"ack","request_id":"1","payload":{"ok":false}}`))

	m.pendingMu.Lock()
	n := len(m.pending)
	m.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries, want 0", n)
	}
}

func TestSend_AckTimeout(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	ft := newFakeTransport()
	m.conn = ft

	start := time.Now()
	_, err := m.Send(context.Background(),
		map[string]any{"type": "command"},
		SendOptions{AwaitAck: true, Timeout: 30 * time.Millisecond},
	)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Send error = %v, want ErrAckTimeout", err)
	}
	if elapsed < 25*time.Millisecond {
		t.Errorf("timed out after %v, want >= ~30ms", elapsed)
	}

	m.pendingMu.Lock()
	n := len(m.pending)
	m.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries after timeout, want 0", n)
	}

	// A late ack for the timed-out id is dropped without panic.
	m.handleFrame([]byte(`{"type":"ack","request_id":"1","payload":{"ok":true}}`))
}

func TestSend_FireAndForget(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	ft := newFakeTransport()
	m.conn = ft

	start := time.Now()
	payload, err := m.Send(context.Background(), map[string]any{"type": "command"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if payload != nil {
		t.Errorf("fire-and-forget payload = %s, want nil", payload)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("fire-and-forget send should return immediately")
	}

	m.pendingMu.Lock()
	n := len(m.pending)
	m.pendingMu.Unlock()
	if n != 0 {
		t.Errorf("pending table has %d entries, want 0", n)
	}
}

func TestAckFrames_NotBroadcast(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	ft := newFakeTransport()
	m.conn = ft

	var wildCount atomic.Int64
	m.On(Wildcard, func(ev Event) { wildCount.Add(1) })

	go m.Send(context.Background(),
		map[string]any{"type": "command"},
		SendOptions{AwaitAck: true, Timeout: 100 * time.Millisecond},
	)
	time.Sleep(10 * time.Millisecond)

	m.handleFrame([]byte(`{"type":"ack","request_id":"1","payload":{"ok":true}}`))

	if got := wildCount.Load(); got != 0 {
		t.Errorf("ack frame reached wildcard subscribers %d times, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestBackoff_GrowthAndCap(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectDelay = time.Millisecond
	cfg.BackoffFactor = 2
	cfg.MaxReconnectDelay = 5 * time.Millisecond

	m := NewManager(cfg, quietLogger())
	m.delay = cfg.ReconnectDelay
	stop := make(chan struct{})

	// Scheduled delays are the pre-growth values: 1ms, 2ms, 4ms, 5ms (capped).
	want := []time.Duration{
		2 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
		5 * time.Millisecond,
	}
	for i, next := range want {
		if !m.waitBackoff(stop) {
			t.Fatal("waitBackoff interrupted unexpectedly")
		}
		m.mu.Lock()
		got := m.delay
		m.mu.Unlock()
		if got != next {
			t.Errorf("after wait %d: next delay = %v, want %v", i+1, got, next)
		}
	}
}

func TestBackoff_InterruptedByDisconnect(t *testing.T) {
	cfg := fastConfig()
	cfg.ReconnectDelay = time.Hour

	m := NewManager(cfg, quietLogger())
	m.delay = cfg.ReconnectDelay
	stop := make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- m.waitBackoff(stop) }()

	close(stop)

	select {
	case ok := <-result:
		if ok {
			t.Error("waitBackoff = true after stop, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("waitBackoff did not return after stop")
	}
}

func TestBackoff_ResetOnSuccessfulOpen(t *testing.T) {
	cfg := fastConfig()
	m, conns := newTestManager(cfg)

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	waitEvent(t, opens, "first open")
	first := <-conns

	// Kill the connection twice so the backoff grows...
	first.failConn(fmt.Errorf("boom"))
	waitEvent(t, opens, "second open")

	// ...and verify a successful open resets it to the base delay.
	m.mu.Lock()
	got := m.delay
	m.mu.Unlock()
	if got != cfg.ReconnectDelay {
		t.Errorf("delay after successful open = %v, want %v", got, cfg.ReconnectDelay)
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestLifecycle_OpenCloseReconnect(t *testing.T) {
	m, conns := newTestManager(fastConfig())

	opens := make(chan Event, 4)
	closes := make(chan Event, 4)
	errs := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })
	m.On(EventClose, func(ev Event) { closes <- ev })
	m.On(EventError, func(ev Event) { errs <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	waitEvent(t, opens, "open")
	first := <-conns

	if !m.IsConnected() {
		t.Error("IsConnected = false while open")
	}

	first.failConn(fmt.Errorf("connection reset"))

	// The transport failure surfaces as an error event before the close.
	errEv := waitEvent(t, errs, "error for transport failure")
	var ed errorDetail
	if err := json.Unmarshal(errEv.Payload, &ed); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if ed.Message != "connection reset" {
		t.Errorf("error message = %q, want connection reset", ed.Message)
	}

	ev := waitEvent(t, closes, "close")
	var detail closeDetail
	if err := json.Unmarshal(ev.Payload, &detail); err != nil {
		t.Fatalf("close payload: %v", err)
	}
	if detail.Code != websocket.CloseAbnormalClosure {
		t.Errorf("close code = %d, want %d", detail.Code, websocket.CloseAbnormalClosure)
	}

	waitEvent(t, opens, "reconnect open")
	second := <-conns
	if second == first {
		t.Error("expected a fresh transport on reconnect")
	}
}

func TestLifecycle_ConnectIdempotent(t *testing.T) {
	m, conns := newTestManager(fastConfig())

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	m.Connect()
	m.Connect()

	waitEvent(t, opens, "open")
	<-conns

	select {
	case <-conns:
		t.Error("repeated Connect opened a second transport")
	case <-time.After(50 * time.Millisecond):
	}

	m.Disconnect()
	m.Wait()
}

func TestLifecycle_DisconnectStopsReconnecting(t *testing.T) {
	cfg := fastConfig()

	var dials atomic.Int64
	m := NewManager(cfg, quietLogger())
	m.dial = func(ctx context.Context) (Transport, error) {
		dials.Add(1)
		return nil, fmt.Errorf("refused")
	}

	m.Connect()

	// Let a few failed attempts happen.
	time.Sleep(30 * time.Millisecond)
	m.Disconnect()
	m.Wait()

	n := dials.Load()
	if n == 0 {
		t.Fatal("expected at least one dial attempt")
	}

	// A scheduled reconnect is fully suppressed: no further dials, ever.
	time.Sleep(5 * cfg.MaxReconnectDelay)
	if got := dials.Load(); got != n {
		t.Errorf("dials after Disconnect = %d, want %d", got, n)
	}
}

func TestLifecycle_DisconnectEmitsClose(t *testing.T) {
	m, conns := newTestManager(fastConfig())

	opens := make(chan Event, 4)
	closes := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })
	m.On(EventClose, func(ev Event) { closes <- ev })

	m.Connect()
	waitEvent(t, opens, "open")
	<-conns

	m.Disconnect()
	waitEvent(t, closes, "close after Disconnect")
	m.Wait()

	if m.IsConnected() {
		t.Error("IsConnected = true after Disconnect")
	}
}

func TestLifecycle_ConnectAfterDisconnect(t *testing.T) {
	m, conns := newTestManager(fastConfig())

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	waitEvent(t, opens, "first open")
	<-conns

	// Reconnect immediately, racing the previous lifecycle's unwind; the
	// new request must open a fresh cycle, not be swallowed.
	m.Disconnect()
	m.Connect()

	waitEvent(t, opens, "open after disconnect")
	second := <-conns
	if !second.IsConnected() {
		t.Error("fresh transport not connected after Disconnect/Connect")
	}
	if !m.IsConnected() {
		t.Error("IsConnected = false after Disconnect/Connect cycle")
	}

	m.Disconnect()
	m.Wait()
}

func TestLifecycle_FailedDialEmitsErrorAndClose(t *testing.T) {
	m := NewManager(fastConfig(), quietLogger())
	m.dial = func(ctx context.Context) (Transport, error) {
		return nil, fmt.Errorf("refused")
	}

	errs := make(chan Event, 4)
	closes := make(chan Event, 4)
	m.On(EventError, func(ev Event) { errs <- ev })
	m.On(EventClose, func(ev Event) { closes <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	ev := waitEvent(t, errs, "error event for failed attempt")
	var ed errorDetail
	if err := json.Unmarshal(ev.Payload, &ed); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if ed.Message != "refused" {
		t.Errorf("error message = %q, want refused", ed.Message)
	}

	ev = waitEvent(t, closes, "close event for failed attempt")
	var cd closeDetail
	if err := json.Unmarshal(ev.Payload, &cd); err != nil {
		t.Fatalf("close payload: %v", err)
	}
	if cd.Code != websocket.CloseAbnormalClosure {
		t.Errorf("close code = %d, want %d", cd.Code, websocket.CloseAbnormalClosure)
	}
}

func TestLifecycle_PendingAckOutlivesDisconnect(t *testing.T) {
	// Disconnect does not fail pending acknowledged sends; they run out
	// their own timeout.
	m, conns := newTestManager(fastConfig())

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	waitEvent(t, opens, "open")
	<-conns

	result := make(chan error, 1)
	go func() {
		_, err := m.Send(context.Background(),
			map[string]any{"type": "command"},
			SendOptions{AwaitAck: true, Timeout: 60 * time.Millisecond},
		)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Disconnect()

	select {
	case err := <-result:
		if !errors.Is(err, ErrAckTimeout) {
			t.Errorf("pending send after Disconnect error = %v, want ErrAckTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending send never resolved")
	}

	m.Wait()
}

func countPings(ft *fakeTransport) int {
	n := 0
	for _, data := range ft.sentFrames() {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Type == "ping" {
			n++
		}
	}
	return n
}

func waitForPing(t *testing.T, ft *fakeTransport) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if countPings(ft) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no ping probe observed")
}

func TestHeartbeat_SendsPingProbes(t *testing.T) {
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	m, conns := newTestManager(cfg)

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	waitEvent(t, opens, "open")
	ft := <-conns

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, data := range ft.sentFrames() {
			var probe struct {
				Type string `json:"type"`
				TS   int64  `json:"ts"`
			}
			if err := json.Unmarshal(data, &probe); err != nil {
				continue
			}
			if probe.Type == "ping" {
				if probe.TS <= 0 {
					t.Errorf("ping ts = %d, want > 0", probe.TS)
				}
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no ping probe observed")
}

func TestHeartbeat_RestartsFreshOnReconnect(t *testing.T) {
	cfg := fastConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	m, conns := newTestManager(cfg)

	opens := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	waitEvent(t, opens, "first open")
	first := <-conns
	waitForPing(t, first)

	first.failConn(fmt.Errorf("gone"))
	waitEvent(t, opens, "reconnect open")
	second := <-conns

	// The dead transport's heartbeat is torn down: its poll count must go
	// flat once the old loop unwinds.
	deadline := time.Now().Add(time.Second)
	for {
		before := first.connChecks()
		time.Sleep(5 * cfg.HeartbeatInterval)
		if first.connChecks() == before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("old transport still polled after close")
		}
	}

	// Probes resume on the fresh transport at the configured cadence. A
	// ticker cannot fire faster than its interval, so more pings than the
	// window admits means a second leaked loop is also sending.
	window := 12 * cfg.HeartbeatInterval
	start := countPings(second)
	time.Sleep(window)
	got := countPings(second) - start
	if got < 2 {
		t.Errorf("saw %d pings on new transport in %v, want >= 2", got, window)
	}
	if max := int(window/cfg.HeartbeatInterval) + 3; got > max {
		t.Errorf("saw %d pings in %v, want <= %d", got, window, max)
	}
}

// ---------------------------------------------------------------------------
// Integration against a real WebSocket server
// ---------------------------------------------------------------------------

func TestManager_Integration(t *testing.T) {
	var connCount atomic.Int64

	server := mockWSServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"trade","payload":{"symbol":"EURUSD","profit":2.5}}`))
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := fastConfig()
	cfg.URL = wsURL(server)
	m := NewManager(cfg, quietLogger())

	opens := make(chan Event, 4)
	trades := make(chan Event, 4)
	m.On(EventOpen, func(ev Event) { opens <- ev })
	m.On("trade", func(ev Event) { trades <- ev })

	m.Connect()
	defer func() {
		m.Disconnect()
		m.Wait()
	}()

	waitEvent(t, opens, "first open")
	waitEvent(t, trades, "first trade")
	waitEvent(t, opens, "reconnect open")
	waitEvent(t, trades, "trade after reconnect")

	if got := connCount.Load(); got < 2 {
		t.Errorf("server saw %d connections, want >= 2", got)
	}
}
