package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/livefeed/internal/clock"
	"fleet-monitor/livefeed/internal/domain"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const telemetryFrame = `{"type":"telemetry_update","data":{"vehicle_id":"V1","latitude":28.6,"longitude":77.2,"speed":42,"engine_status":"on","timestamp":"2026-01-01T00:00:00Z"},"anomalies":[]}`

// fakeConn is an in-memory Conn. Frames pushed on inbound are returned
// by ReadMessage; writes are recorded and signalled on written. Sends on
// live stand in for control frames.
type fakeConn struct {
	inbound chan []byte
	written chan string
	live    chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		written: make(chan string, 16),
		live:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Liveness() <-chan struct{} {
	return c.live
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.written <- string(data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out queued results in order and blocks when the
// queue is empty.
type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	dials   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	select {
	case r := <-d.results:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type harness struct {
	manager  *Manager
	dialer   *fakeDialer
	clock    *clock.FakeClock
	messages chan domain.InboundMessage

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:   newFakeDialer(),
		clock:    clock.Fake(epoch),
		messages: make(chan domain.InboundMessage, 16),
	}
	backoff := DefaultBackoff()
	backoff.Rand = func() float64 { return 0.5 }
	h.manager = NewManager(h.dialer, func(msg domain.InboundMessage) {
		h.messages <- msg
	}, Config{
		HeartbeatInterval: 30 * time.Second,
		Backoff:           backoff,
		Clock:             h.clock,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnStateChange: func(s ConnectionStatus) {
			h.mu.Lock()
			h.states = append(h.states, s.State)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { h.manager.Close() })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.manager.Status().State == want
	}, 2*time.Second, time.Millisecond, "state never became %s", want)
}

func (h *harness) stateHistory() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func TestManagerConnectsAndDeliversMessages(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}

	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(telemetryFrame)
	select {
	case msg := <-h.messages:
		assert.Equal(t, domain.MessageTypeTelemetryUpdate, msg.Type)
		require.NotNil(t, msg.Data)
		assert.Equal(t, "V1", msg.Data.VehicleID)
		assert.Equal(t, 42.0, msg.Data.Speed)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	status := h.manager.Status()
	assert.Equal(t, 0, status.RetryCount)
	assert.NotEmpty(t, status.SessionID)
	assert.Equal(t, epoch, status.ConnectedSince)
}

func TestManagerDropsMalformedMessagesAndStaysConnected(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(`{"type":`)
	conn.inbound <- []byte(`{"type":"telemetry_update"}`)
	conn.inbound <- []byte("pong")
	conn.inbound <- []byte(telemetryFrame)

	select {
	case msg := <-h.messages:
		assert.Equal(t, "V1", msg.Data.VehicleID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed ones not delivered")
	}
	assert.Empty(t, h.messages)
	assert.Equal(t, StateConnected, h.manager.Status().State)
	assert.Equal(t, 1, h.dialer.dialCount())
	assert.False(t, conn.isClosed())
}

func TestManagerSendsHeartbeat(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	h.clock.WaitForTimers(1)
	h.clock.Advance(30 * time.Second)

	select {
	case got := <-conn.written:
		assert.Equal(t, HeartbeatPayload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat not sent")
	}
}

func TestManagerHeartbeatTimeoutForcesOneReconnect(t *testing.T) {
	h := newHarness(t)
	first, second := newFakeConn(), newFakeConn()
	h.dialer.results <- dialResult{conn: first}
	h.dialer.results <- dialResult{conn: second}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)
	firstSession := h.manager.Status().SessionID

	h.clock.WaitForTimers(1)
	h.clock.Advance(30 * time.Second)
	<-first.written
	// Ticker plus the armed liveness deadline.
	h.clock.WaitForTimers(2)
	h.clock.Advance(30 * time.Second)

	h.waitState(t, StateReconnecting)
	assert.True(t, first.isClosed())
	status := h.manager.Status()
	assert.Equal(t, 1, status.RetryCount)
	assert.Contains(t, status.LastError, ErrHeartbeatTimeout.Error())

	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
	h.waitState(t, StateConnected)

	status = h.manager.Status()
	assert.Equal(t, 0, status.RetryCount)
	assert.NotEqual(t, firstSession, status.SessionID)
	assert.Equal(t, 2, h.dialer.dialCount())
}

func TestManagerInboundTrafficDisarmsHeartbeatDeadline(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	h.clock.WaitForTimers(1)
	h.clock.Advance(30 * time.Second)
	<-conn.written
	h.clock.WaitForTimers(2)

	conn.inbound <- []byte(telemetryFrame)
	<-h.messages
	require.Eventually(t, func() bool { return h.clock.PendingCount() == 1 },
		2*time.Second, time.Millisecond, "deadline was not disarmed")

	h.clock.Advance(30 * time.Second)
	select {
	case got := <-conn.written:
		assert.Equal(t, HeartbeatPayload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("second heartbeat not sent")
	}
	assert.Equal(t, StateConnected, h.manager.Status().State)
	assert.False(t, conn.isClosed())
}

func TestManagerControlFramesDisarmHeartbeatDeadline(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	h.clock.WaitForTimers(1)
	h.clock.Advance(30 * time.Second)
	<-conn.written
	h.clock.WaitForTimers(2)

	conn.live <- struct{}{}
	require.Eventually(t, func() bool { return h.clock.PendingCount() == 1 },
		2*time.Second, time.Millisecond, "deadline was not disarmed")

	h.clock.Advance(30 * time.Second)
	select {
	case got := <-conn.written:
		assert.Equal(t, HeartbeatPayload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("second heartbeat not sent")
	}
	assert.Equal(t, StateConnected, h.manager.Status().State)
	assert.False(t, conn.isClosed())
	assert.Empty(t, h.messages)
}

func TestNewManagerNormalizesBackoff(t *testing.T) {
	m := NewManager(newFakeDialer(), func(domain.InboundMessage) {}, Config{
		Backoff: Backoff{Base: time.Second, Factor: 0.5, Cap: 30 * time.Second, Jitter: 3},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer m.Close()

	assert.Equal(t, 1.0, m.cfg.Backoff.Factor)
	assert.Equal(t, MaxJitter, m.cfg.Backoff.Jitter)
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Positive(t, m.cfg.Backoff.Delay(attempt), "attempt %d", attempt)
	}
}

func TestManagerBackoffGrowsUntilConnected(t *testing.T) {
	h := newHarness(t)
	refused := errors.New("connection refused")
	for i := 0; i < 6; i++ {
		h.dialer.results <- dialResult{err: refused}
	}
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}

	require.NoError(t, h.manager.Start(context.Background()))

	want := []time.Duration{1, 2, 4, 8, 16, 30}
	for i, seconds := range want {
		attempt := i + 1
		require.Eventually(t, func() bool {
			s := h.manager.Status()
			return s.State == StateReconnecting && s.RetryCount == attempt
		}, 2*time.Second, time.Millisecond, "attempt %d", attempt)

		delay := h.manager.Status().NextRetryAt.Sub(h.clock.Now())
		assert.Equal(t, seconds*time.Second, delay, "attempt %d", attempt)

		h.clock.WaitForTimers(1)
		h.clock.Advance(delay)
	}

	h.waitState(t, StateConnected)
	assert.Equal(t, 0, h.manager.Status().RetryCount)
	assert.Equal(t, 7, h.dialer.dialCount())
}

func TestManagerCloseIsIdempotentAndStopsRetries(t *testing.T) {
	h := newHarness(t)
	h.dialer.results <- dialResult{err: errors.New("refused")}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateReconnecting)
	h.clock.WaitForTimers(1)

	require.NoError(t, h.manager.Close())
	require.NoError(t, h.manager.Close())

	assert.Equal(t, StateClosed, h.manager.Status().State)
	assert.Equal(t, 0, h.clock.PendingCount(), "retry timer still pending after close")

	dials := h.dialer.dialCount()
	h.clock.Advance(time.Hour)
	assert.Equal(t, dials, h.dialer.dialCount())
	assert.ErrorIs(t, h.manager.Start(context.Background()), ErrClosed)

	history := h.stateHistory()
	assert.Equal(t, StateClosed, history[len(history)-1])
	closedCount := 0
	for _, s := range history {
		if s == StateClosed {
			closedCount++
		}
	}
	assert.Equal(t, 1, closedCount)
}

func TestManagerCloseWhileConnected(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.results <- dialResult{conn: conn}
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)

	require.NoError(t, h.manager.Close())
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.clock.PendingCount())

	assert.Equal(t, []State{StateConnecting, StateConnected, StateClosed}, h.stateHistory())
}

func TestManagerCloseDuringDial(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Start(context.Background()))
	require.Eventually(t, func() bool { return h.dialer.dialCount() == 1 },
		2*time.Second, time.Millisecond)

	require.NoError(t, h.manager.Close())
	assert.Equal(t, StateClosed, h.manager.Status().State)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestManagerCloseBeforeStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Close())
	assert.Equal(t, StateClosed, h.manager.Status().State)
	assert.Equal(t, 0, h.dialer.dialCount())
}

func TestManagerStartTwiceKeepsOneConnection(t *testing.T) {
	h := newHarness(t)
	h.dialer.results <- dialResult{conn: newFakeConn()}
	require.NoError(t, h.manager.Start(context.Background()))
	require.NoError(t, h.manager.Start(context.Background()))
	h.waitState(t, StateConnected)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestManagerOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	pings := make(chan string, 8)
	connections := make(chan struct{}, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connections <- struct{}{}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(telemetryFrame)); err != nil {
			conn.Close()
			return
		}
		_, data, err := conn.ReadMessage()
		if err == nil {
			pings <- string(data)
		}
		// Drop the connection so the client has to reconnect.
		conn.Close()
	}))
	defer server.Close()

	messages := make(chan domain.InboundMessage, 8)
	dialer := &WebsocketDialer{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		HandshakeTimeout: time.Second,
	}
	manager := NewManager(dialer, func(msg domain.InboundMessage) {
		messages <- msg
	}, Config{
		HeartbeatInterval: 20 * time.Millisecond,
		Backoff:           Backoff{Base: 10 * time.Millisecond, Factor: 2, Cap: 50 * time.Millisecond},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer manager.Close()

	require.NoError(t, manager.Start(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case <-connections:
		case <-time.After(5 * time.Second):
			t.Fatalf("connection %d not established", i+1)
		}
		select {
		case msg := <-messages:
			assert.Equal(t, "V1", msg.Data.VehicleID)
		case <-time.After(5 * time.Second):
			t.Fatalf("message on connection %d not delivered", i+1)
		}
		select {
		case got := <-pings:
			assert.Equal(t, HeartbeatPayload, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("heartbeat on connection %d not received", i+1)
		}
	}

	require.NoError(t, manager.Close())
	assert.Equal(t, StateClosed, manager.Status().State)
}

func TestManagerStaysConnectedOnProtocolPings(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var connections atomic.Int32
	done := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		connections.Add(1)

		// Drain the client's text heartbeats without answering them.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()
	defer close(done)

	dialer := &WebsocketDialer{
		URL:              "ws" + strings.TrimPrefix(server.URL, "http"),
		HandshakeTimeout: time.Second,
	}
	manager := NewManager(dialer, func(domain.InboundMessage) {}, Config{
		HeartbeatInterval: 50 * time.Millisecond,
		Backoff:           Backoff{Base: 10 * time.Millisecond, Factor: 2, Cap: 50 * time.Millisecond},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer manager.Close()

	require.NoError(t, manager.Start(context.Background()))
	require.Eventually(t, func() bool { return connections.Load() == 1 },
		5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return manager.Status().State == StateConnected },
		5*time.Second, time.Millisecond)

	assert.Never(t, func() bool { return connections.Load() > 1 },
		600*time.Millisecond, 10*time.Millisecond, "connection was torn down despite pings")
	assert.Equal(t, StateConnected, manager.Status().State)
}
