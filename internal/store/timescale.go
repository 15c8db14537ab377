package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/livefeed/internal/config"
	"fleet-monitor/livefeed/internal/domain"
)

// TimescaleStore reads the telemetry history written by the ingestion
// service. The dashboard never writes to it.
type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const latestPositionsQuery = `
	SELECT DISTINCT ON (vehicle_id)
		vehicle_id, latitude, longitude, speed_kmh, fuel_pct, engine_on, timestamp
	FROM vehicle_telemetry
	WHERE timestamp > $1
	ORDER BY vehicle_id, timestamp DESC
`

// LatestPositions returns the newest telemetry row of every vehicle seen
// since the given time.
func (s *TimescaleStore) LatestPositions(ctx context.Context, since time.Time) ([]domain.VehicleState, error) {
	rows, err := s.pool.Query(ctx, latestPositionsQuery, since)
	if err != nil {
		return nil, fmt.Errorf("latest positions query failed: %w", err)
	}

	vehicles, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.VehicleState, error) {
		var r positionRow
		if err := row.Scan(&r.VehicleID, &r.Latitude, &r.Longitude, &r.SpeedKmh, &r.FuelPct, &r.EngineOn, &r.Timestamp); err != nil {
			return domain.VehicleState{}, err
		}
		return r.toVehicleState(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("latest positions scan failed: %w", err)
	}
	return vehicles, nil
}

const recentAlertsQuery = `
	SELECT vehicle_id, alert_type, severity, COALESCE(triggered_value, 0), created_at
	FROM vehicle_alerts
	ORDER BY created_at DESC
	LIMIT $1
`

// RecentAlerts returns up to limit alerts, newest first, mapped onto the
// dashboard's anomaly vocabulary.
func (s *TimescaleStore) RecentAlerts(ctx context.Context, limit int) ([]domain.AnomalyEvent, error) {
	rows, err := s.pool.Query(ctx, recentAlertsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("recent alerts query failed: %w", err)
	}

	alerts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AnomalyEvent, error) {
		var (
			vehicleID, alertType, severity string
			value                          float64
			createdAt                      time.Time
		)
		if err := row.Scan(&vehicleID, &alertType, &severity, &value, &createdAt); err != nil {
			return domain.AnomalyEvent{}, err
		}
		return alertToAnomaly(vehicleID, alertType, severity, value, createdAt), nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent alerts scan failed: %w", err)
	}
	return alerts, nil
}

type positionRow struct {
	VehicleID string
	Latitude  float64
	Longitude float64
	SpeedKmh  float64
	FuelPct   float64
	EngineOn  bool
	Timestamp time.Time
}

func (r positionRow) toVehicleState() domain.VehicleState {
	fuel := r.FuelPct
	return domain.VehicleState{
		VehicleID: r.VehicleID,
		Status:    domain.StatusForSpeed(r.SpeedKmh),
		LastLocation: &domain.Location{
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
			Speed:     r.SpeedKmh,
			Timestamp: r.Timestamp,
		},
		LastUpdateAt: r.Timestamp,
		FuelLevel:    &fuel,
		EngineStatus: engineStatus(r.EngineOn),
	}
}

func engineStatus(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Thresholds the ingestion service's alert rules fire at.
var alertThresholds = map[string]float64{
	"SPEEDING":        100,
	"LOW_FUEL":        10,
	"ENGINE_OVERHEAT": 100,
}

var alertMessages = map[string]string{
	"SPEEDING":        "speed above limit",
	"LOW_FUEL":        "fuel level low",
	"ENGINE_OVERHEAT": "engine overheating",
}

func alertToAnomaly(vehicleID, alertType, severity string, value float64, createdAt time.Time) domain.AnomalyEvent {
	alertType = strings.ToUpper(alertType)
	message := alertMessages[alertType]
	if message == "" {
		message = strings.ToLower(strings.ReplaceAll(alertType, "_", " "))
	}
	return domain.AnomalyEvent{
		VehicleID:  vehicleID,
		Type:       mapAlertType(alertType),
		Severity:   mapAlertSeverity(severity),
		Message:    message,
		Value:      value,
		Threshold:  alertThresholds[alertType],
		DetectedAt: createdAt,
	}
}

func mapAlertType(alertType string) domain.AnomalyType {
	switch strings.ToUpper(alertType) {
	case "SPEEDING":
		return domain.AnomalySpeeding
	case "LOW_FUEL":
		return domain.AnomalyLowFuel
	default:
		return domain.NormalizeAnomalyType(domain.AnomalyType(strings.ToLower(alertType)))
	}
}

func mapAlertSeverity(severity string) domain.AnomalySeverity {
	switch strings.ToUpper(severity) {
	case "CRITICAL":
		return domain.SeverityCritical
	case "HIGH":
		return domain.SeverityHigh
	case "WARNING", "MEDIUM":
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
