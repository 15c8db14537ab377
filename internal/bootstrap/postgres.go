package bootstrap

import (
	"context"
	"fmt"
	"time"

	"fleet-monitor/livefeed/internal/clock"
	"fleet-monitor/livefeed/internal/domain"
)

// TelemetryReader is satisfied by store.TimescaleStore.
type TelemetryReader interface {
	LatestPositions(ctx context.Context, since time.Time) ([]domain.VehicleState, error)
	RecentAlerts(ctx context.Context, limit int) ([]domain.AnomalyEvent, error)
}

// PostgresSource seeds from the telemetry history: the newest position
// of every vehicle seen within the lookback window, plus the most recent
// alerts to prefill the anomaly log.
type PostgresSource struct {
	reader       TelemetryReader
	lookback     time.Duration
	anomalyLimit int
	clock        clock.Clock
}

func NewPostgresSource(reader TelemetryReader, lookback time.Duration, anomalyLimit int, clk clock.Clock) *PostgresSource {
	return &PostgresSource{
		reader:       reader,
		lookback:     lookback,
		anomalyLimit: anomalyLimit,
		clock:        clk,
	}
}

func (s *PostgresSource) FetchFleet(ctx context.Context) (*domain.FleetStatus, error) {
	since := s.clock.Now().Add(-s.lookback)
	vehicles, err := s.reader.LatestPositions(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("read latest positions: %w", err)
	}

	status := &domain.FleetStatus{
		Vehicles: vehicles,
		Summary:  Summarize(vehicles),
	}
	if s.anomalyLimit > 0 {
		alerts, err := s.reader.RecentAlerts(ctx, s.anomalyLimit)
		if err != nil {
			return nil, fmt.Errorf("read recent alerts: %w", err)
		}
		status.RecentAnomalies = alerts
	}
	return status, nil
}
