// Package coordinator wires the telemetry connection into the fleet
// state store and the anomaly log, and exposes read-only snapshots and
// subscriptions to consumers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleet-monitor/livefeed/internal/anomaly"
	"fleet-monitor/livefeed/internal/bootstrap"
	"fleet-monitor/livefeed/internal/clock"
	"fleet-monitor/livefeed/internal/domain"
	"fleet-monitor/livefeed/internal/fleet"
	"fleet-monitor/livefeed/internal/metrics"
	"fleet-monitor/livefeed/internal/stream"
)

var (
	ErrBootstrap = errors.New("fleet bootstrap failed")
	ErrStopped   = errors.New("stream coordinator stopped")
)

// BootstrapError is returned by Start when the roster could not be
// fetched. Streaming is running regardless; the store starts empty.
type BootstrapError struct {
	Err error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("%v: %v", ErrBootstrap, e.Err)
}

func (e *BootstrapError) Unwrap() []error {
	return []error{ErrBootstrap, e.Err}
}

const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultBootstrapTimeout = 10 * time.Second
)

type Config struct {
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
	AnomalyCapacity    int
	BootstrapTimeout   time.Duration
	SubscriberBuffer   int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Coordinator is the single writer of fleet state. All mutation comes
// from the connection goroutine (HandleMessage) and the sweep goroutine;
// consumers only ever see copies.
type Coordinator struct {
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	source    bootstrap.Source
	store     *fleet.Store
	anomalies *anomaly.Log
	conn      *stream.Manager
	subs      *Dispatcher

	mu       sync.Mutex
	started  bool
	stopping atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a coordinator that dials the feed through dialer. The
// OnStateChange hook of streamCfg is owned by the coordinator.
func New(cfg Config, source bootstrap.Source, dialer stream.Dialer, streamCfg stream.Config) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if source == nil {
		source = bootstrap.Empty{}
	}

	c := &Coordinator{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		source:    source,
		store:     fleet.NewStore(cfg.StalenessThreshold),
		anomalies: anomaly.NewLog(cfg.AnomalyCapacity),
		subs:      NewDispatcher(cfg.SubscriberBuffer),
	}

	if streamCfg.Clock == nil {
		streamCfg.Clock = cfg.Clock
	}
	if streamCfg.Logger == nil {
		streamCfg.Logger = cfg.Logger
	}
	streamCfg.OnStateChange = c.onConnectionState
	c.conn = stream.NewManager(dialer, c.HandleMessage, streamCfg)
	return c
}

// Start seeds the store from the bootstrap source, bounded by the
// bootstrap timeout, then opens the feed and starts the staleness sweep.
// A bootstrap failure is returned as *BootstrapError after streaming has
// started. Calling Start again is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping.Load() {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	status, bootErr := c.fetchFleet(runCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping.Load() {
		return ErrStopped
	}
	if status != nil {
		c.seed(status)
	}
	if err := c.conn.Start(runCtx); err != nil {
		return fmt.Errorf("start telemetry connection: %w", err)
	}
	c.wg.Add(1)
	go c.sweepLoop(runCtx)

	c.logger.Info("stream coordinator started",
		"staleness_threshold", c.store.StalenessThreshold(),
		"sweep_interval", c.cfg.SweepInterval,
		"anomaly_capacity", c.anomalies.Capacity(),
	)
	return bootErr
}

// Stop closes the connection, cancels the sweep and releases every
// subscriber. No state changes after Stop returns. Safe to call more
// than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping.Store(true)
		cancel := c.cancel
		c.mu.Unlock()

		c.conn.Close()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		c.subs.Close()
		c.logger.Info("stream coordinator stopped")
	})
}

// fetchFleet asks the bootstrap source for the roster, bounded by the
// bootstrap timeout. It does not touch the store.
func (c *Coordinator) fetchFleet(ctx context.Context) (*domain.FleetStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BootstrapTimeout)
	defer cancel()

	status, err := c.source.FetchFleet(ctx)
	if err != nil {
		metrics.BootstrapFailures.Add(1)
		c.logger.Warn("fleet bootstrap failed, streaming against an empty fleet", "error", err)
		return nil, &BootstrapError{Err: err}
	}
	return status, nil
}

// seed applies a fetched roster. Callers hold c.mu and have checked
// that the coordinator is not stopping.
func (c *Coordinator) seed(status *domain.FleetStatus) {
	c.store.Seed(status.Vehicles)
	// RecentAnomalies is newest-first; append oldest first so the log
	// keeps the same order.
	for i := len(status.RecentAnomalies) - 1; i >= 0; i-- {
		c.anomalies.Append(status.RecentAnomalies[i])
	}
	c.logger.Info("fleet seeded",
		"vehicles", len(status.Vehicles),
		"anomalies", len(status.RecentAnomalies),
	)
	c.publish(UpdateBootstrap, c.conn.Status())
}

// HandleMessage applies one inbound feed message: the telemetry event
// first, then each attached anomaly.
func (c *Coordinator) HandleMessage(msg domain.InboundMessage) {
	if c.stopping.Load() {
		return
	}
	if msg.Type != domain.MessageTypeTelemetryUpdate || msg.Data == nil {
		c.logger.Debug("ignoring feed message", "type", msg.Type)
		return
	}

	event := *msg.Data
	if c.store.Apply(event) {
		metrics.EventsApplied.Add(1)
	} else {
		metrics.StaleEventsDrops.Add(1)
		c.logger.Debug("dropping stale telemetry",
			"vehicle_id", event.VehicleID,
			"timestamp", event.Timestamp,
		)
	}

	for _, a := range msg.Anomalies {
		if a.VehicleID == "" {
			a.VehicleID = event.VehicleID
		}
		if a.VehiclePlate == "" {
			a.VehiclePlate = c.store.PlateNumber(a.VehicleID)
		}
		if a.DetectedAt.IsZero() {
			a.DetectedAt = event.Timestamp
		}
		a.Type = domain.NormalizeAnomalyType(a.Type)
		c.anomalies.Append(a)
		metrics.AnomaliesRecorded.Add(1)
	}

	c.publish(UpdateTelemetry, c.conn.Status())
}

// SweepNow runs one staleness sweep at the clock's current time.
func (c *Coordinator) SweepNow() []string {
	changed := c.store.SweepStaleness(c.clock.Now())
	if len(changed) > 0 {
		metrics.VehiclesOffline.Add(int64(len(changed)))
		c.logger.Info("vehicles marked offline", "count", len(changed), "vehicle_ids", changed)
		c.publish(UpdateSweep, c.conn.Status())
	}
	return changed
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepNow()
		}
	}
}

func (c *Coordinator) onConnectionState(status stream.ConnectionStatus) {
	c.logger.Info("telemetry connection state",
		"state", status.State,
		"retry_count", status.RetryCount,
	)
	c.publish(UpdateConnection, status)
}

func (c *Coordinator) publish(kind UpdateKind, status stream.ConnectionStatus) {
	if c.subs.Len() == 0 {
		return
	}
	c.subs.Dispatch(c.buildUpdate(kind, status))
}

func (c *Coordinator) buildUpdate(kind UpdateKind, status stream.ConnectionStatus) Update {
	return Update{
		Kind:       kind,
		At:         c.clock.Now(),
		Snapshot:   c.store.Snapshot(),
		Anomalies:  c.anomalies.List(),
		Connection: status,
	}
}

// Subscribe registers fn for every later update. fn first receives the
// current state as an UpdateInitial, captured after registration so no
// change falls between it and the first dispatched update. The returned
// function unsubscribes and may be called more than once.
func (c *Coordinator) Subscribe(fn func(Update)) (func(), error) {
	id, ok := c.subs.Add(fn, func() Update {
		return c.buildUpdate(UpdateInitial, c.conn.Status())
	})
	if !ok {
		return nil, ErrStopped
	}
	return func() { c.subs.Remove(id) }, nil
}

func (c *Coordinator) Snapshot() domain.Snapshot {
	return c.store.Snapshot()
}

func (c *Coordinator) Vehicle(vehicleID string) (domain.VehicleState, bool) {
	return c.store.Get(vehicleID)
}

func (c *Coordinator) Anomalies() []domain.AnomalyEvent {
	return c.anomalies.List()
}

func (c *Coordinator) Connection() stream.ConnectionStatus {
	return c.conn.Status()
}
