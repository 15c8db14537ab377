package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"fleet-monitor/livefeed/internal/domain"
)

// VehicleStateReader is satisfied by store.RedisStore.
type VehicleStateReader interface {
	VehicleStates(ctx context.Context) ([]domain.VehicleState, int, error)
}

// RedisSource seeds from the live vehicle hashes the ingestion service
// keeps in Redis. Used when the dispatch API is unavailable.
type RedisSource struct {
	reader VehicleStateReader
	logger *slog.Logger
}

func NewRedisSource(reader VehicleStateReader, logger *slog.Logger) *RedisSource {
	return &RedisSource{reader: reader, logger: logger}
}

func (s *RedisSource) FetchFleet(ctx context.Context) (*domain.FleetStatus, error) {
	vehicles, skipped, err := s.reader.VehicleStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read vehicle states from redis: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped undecodable vehicle state hashes", "skipped", skipped)
	}
	return &domain.FleetStatus{
		Vehicles: vehicles,
		Summary:  Summarize(vehicles),
	}, nil
}
