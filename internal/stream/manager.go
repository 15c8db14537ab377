package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/livefeed/internal/clock"
	"fleet-monitor/livefeed/internal/domain"
	"fleet-monitor/livefeed/internal/metrics"
)

var (
	ErrClosed           = errors.New("connection manager closed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

const DefaultHeartbeatInterval = 30 * time.Second

type Config struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long after a heartbeat the manager waits
	// for any inbound frame before forcing a reconnect. Defaults to
	// HeartbeatInterval.
	HeartbeatTimeout time.Duration
	// DialTimeout bounds a single connect attempt. Zero means no bound
	// beyond the dialer's own.
	DialTimeout time.Duration
	Backoff     Backoff

	Clock  clock.Clock
	Logger *slog.Logger

	// OnStateChange is called after every state change, from the
	// goroutine that made it. It must not call Close.
	OnStateChange func(ConnectionStatus)
}

// Handler receives each decoded inbound message. It runs on the
// manager's connection goroutine, one message at a time, and must not
// call Close.
type Handler func(msg domain.InboundMessage)

// Manager owns one feed connection and its recovery protocol:
// connect, heartbeat, reconnect with backoff, and teardown. At most one
// connection is open at any time.
type Manager struct {
	dialer  Dialer
	handler Handler
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	status  ConnectionStatus
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
}

func NewManager(dialer Dialer, handler Handler, cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = cfg.HeartbeatInterval
	}
	if cfg.Backoff.Base <= 0 && cfg.Backoff.Factor == 0 && cfg.Backoff.Cap <= 0 {
		random := cfg.Backoff.Rand
		cfg.Backoff = DefaultBackoff()
		cfg.Backoff.Rand = random
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if normalized := cfg.Backoff.Normalize(); normalized.Base != cfg.Backoff.Base ||
		normalized.Cap != cfg.Backoff.Cap ||
		normalized.Factor != cfg.Backoff.Factor ||
		normalized.Jitter != cfg.Backoff.Jitter {
		cfg.Logger.Warn("reconnect backoff adjusted",
			"base", normalized.Base,
			"factor", normalized.Factor,
			"cap", normalized.Cap,
			"jitter", normalized.Jitter,
		)
		cfg.Backoff = normalized
	}

	return &Manager{
		dialer:  dialer,
		handler: handler,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		status:  ConnectionStatus{State: StateDisconnected},
	}
}

// Start launches the connection loop in the background and returns
// immediately. Calling Start again is a no-op; calling it after Close
// returns ErrClosed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
	return nil
}

// Close cancels pending dials, heartbeat and retry timers, closes the
// transport and moves to StateClosed. It waits for the connection
// goroutine to exit, so no handler call happens after Close returns.
// Safe to call more than once.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		cancel, done := m.cancel, m.done
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		m.transition(StateClosed, func(s *ConnectionStatus) {
			s.NextRetryAt = time.Time{}
		})
		m.logger.Info("telemetry feed closed")
	})
	return nil
}

func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	m.transition(StateConnecting, nil)
	for {
		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ConnectFailures.Add(1)
			if !m.waitRetry(ctx, err) {
				return
			}
			continue
		}

		err = m.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrHeartbeatTimeout) {
			metrics.HeartbeatTimeouts.Add(1)
		}
		metrics.Reconnects.Add(1)
		m.logger.Warn("telemetry feed connection lost",
			"session_id", m.Status().SessionID,
			"error", err,
		)
		if !m.waitRetry(ctx, err) {
			return
		}
	}
}

// connect makes one dial attempt and, on success, resets the retry
// counter.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	dialCtx := ctx
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := m.dialer.Dial(dialCtx)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, ctx.Err()
	}

	sessionID := uuid.NewString()
	m.transition(StateConnected, func(s *ConnectionStatus) {
		s.RetryCount = 0
		s.NextRetryAt = time.Time{}
		s.ConnectedSince = m.clock.Now()
		s.SessionID = sessionID
		s.LastError = ""
	})
	m.logger.Info("telemetry feed connected", "session_id", sessionID)
	return conn, nil
}

// waitRetry records the failed attempt and waits out the backoff delay.
// Returns false if the context was cancelled while waiting.
func (m *Manager) waitRetry(ctx context.Context, cause error) bool {
	var delay time.Duration
	var attempt int
	m.transition(StateReconnecting, func(s *ConnectionStatus) {
		s.RetryCount++
		attempt = s.RetryCount
		delay = m.cfg.Backoff.Delay(attempt)
		s.NextRetryAt = m.clock.Now().Add(delay)
		s.ConnectedSince = time.Time{}
		s.LastError = cause.Error()
	})
	m.logger.Warn("telemetry feed unavailable, will retry",
		"retry_count", attempt,
		"backoff", delay,
		"error", cause,
	)

	timer := m.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// serve pumps one open connection until it fails, the heartbeat times
// out, or ctx is cancelled.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- data:
			case <-stop:
				return
			}
		}
	}()

	var liveness <-chan struct{}
	if source, ok := conn.(LivenessSource); ok {
		liveness = source.Liveness()
	}

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	// deadline is armed by a heartbeat and disarmed by any inbound frame,
	// control frames included.
	var deadline *clock.Timer
	var deadlineC <-chan time.Time
	disarm := func() {
		if deadline != nil {
			deadline.Stop()
			deadline, deadlineC = nil, nil
		}
	}
	defer disarm()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case raw := <-inbound:
			disarm()
			m.handleInbound(raw)

		case <-liveness:
			disarm()

		case <-ticker.C:
			if err := m.sendHeartbeat(conn); err != nil {
				return err
			}
			if deadline == nil {
				deadline = m.clock.NewTimer(m.cfg.HeartbeatTimeout)
				deadlineC = deadline.C
			}

		case <-deadlineC:
			return ErrHeartbeatTimeout
		}
	}
}

func (m *Manager) sendHeartbeat(conn Conn) error {
	if err := conn.WriteMessage([]byte(HeartbeatPayload)); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	return nil
}

// handleInbound decodes one frame and hands it to the handler. Bad
// frames are dropped; the connection stays up.
func (m *Manager) handleInbound(raw []byte) {
	metrics.MessagesReceived.Add(1)

	msg, err := Decode(raw)
	if err != nil {
		metrics.ParseFailures.Add(1)
		m.logger.Warn("dropping malformed feed message",
			"bytes", len(raw),
			"error", err,
		)
		return
	}
	if msg == nil || m.handler == nil {
		return
	}
	m.handler(*msg)
}

// transition moves to the next state, applying update to the status
// under the lock, and notifies the listener outside it. Illegal moves
// are logged and ignored.
func (m *Manager) transition(to State, update func(*ConnectionStatus)) {
	m.mu.Lock()
	from := m.status.State
	if !CanTransition(from, to) {
		m.mu.Unlock()
		m.logger.Error("illegal connection state transition", "from", from, "to", to)
		return
	}
	m.status.State = to
	if update != nil {
		update(&m.status)
	}
	status := m.status
	m.mu.Unlock()

	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(status)
	}
}
