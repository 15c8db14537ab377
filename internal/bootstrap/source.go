// Package bootstrap fetches the initial fleet roster that seeds the
// live state store before streaming starts.
package bootstrap

import (
	"context"

	"fleet-monitor/livefeed/internal/domain"
)

// Source returns the fleet as known right now. It is called once at
// startup under a bounded context.
type Source interface {
	FetchFleet(ctx context.Context) (*domain.FleetStatus, error)
}

// Empty is a Source that returns no vehicles.
type Empty struct{}

func (Empty) FetchFleet(context.Context) (*domain.FleetStatus, error) {
	return &domain.FleetStatus{}, nil
}

// Summarize counts vehicles by status.
func Summarize(vehicles []domain.VehicleState) domain.Summary {
	s := domain.Summary{Total: len(vehicles)}
	for _, v := range vehicles {
		switch v.Status {
		case domain.StatusMoving:
			s.Moving++
		case domain.StatusOffline:
			s.Offline++
		default:
			s.Idle++
		}
	}
	return s
}
