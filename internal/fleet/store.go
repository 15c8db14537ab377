package fleet

import (
	"sort"
	"sync"
	"time"

	"fleet-monitor/livefeed/internal/domain"
)

// DefaultStalenessThreshold is how long a vehicle may stay silent before
// the sweep marks it offline.
const DefaultStalenessThreshold = 5 * time.Minute

type entry struct {
	state domain.VehicleState
	// streamed is set once a telemetry event has been applied; seed data
	// may no longer overwrite the fields telemetry owns.
	streamed bool
}

// Store is the authoritative in-memory view of the fleet. Apply, Seed
// and SweepStaleness are the only writers; readers always receive deep
// copies, so a reader never observes a half-applied event.
type Store struct {
	mu         sync.RWMutex
	vehicles   map[string]*entry
	staleAfter time.Duration
}

func NewStore(staleAfter time.Duration) *Store {
	if staleAfter <= 0 {
		staleAfter = DefaultStalenessThreshold
	}
	return &Store{
		vehicles:   make(map[string]*entry),
		staleAfter: staleAfter,
	}
}

func (s *Store) StalenessThreshold() time.Duration { return s.staleAfter }

// Seed bulk-loads vehicles from the bootstrap roster. For a vehicle that
// streaming already updated only the roster-owned fields (plate, type,
// active dispatch) are filled in, and only when still empty.
func (s *Store) Seed(vehicles []domain.VehicleState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range vehicles {
		if v.VehicleID == "" {
			continue
		}
		existing, ok := s.vehicles[v.VehicleID]
		if !ok || !existing.streamed {
			seeded := v.Clone()
			if seeded.Status == "" {
				seeded.Status = domain.StatusIdle
			}
			s.vehicles[v.VehicleID] = &entry{state: seeded}
			continue
		}

		state := &existing.state
		if state.PlateNumber == "" {
			state.PlateNumber = v.PlateNumber
		}
		if state.VehicleType == "" {
			state.VehicleType = v.VehicleType
		}
		if state.ActiveDispatch == nil && v.ActiveDispatch != nil {
			ref := *v.ActiveDispatch
			state.ActiveDispatch = &ref
		}
	}
}

// Apply merges one telemetry event. Events older than the vehicle's
// last_update_at are dropped and Apply returns false. Unknown vehicles
// are created on first event.
func (s *Store) Apply(event domain.TelemetryEvent) bool {
	if event.VehicleID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.vehicles[event.VehicleID]
	if !ok {
		e = &entry{state: domain.VehicleState{VehicleID: event.VehicleID}}
		s.vehicles[event.VehicleID] = e
	}

	state := &e.state
	if event.Timestamp.Before(state.LastUpdateAt) {
		return false
	}

	state.LastLocation = &domain.Location{
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
		Speed:     event.Speed,
		Timestamp: event.Timestamp,
	}
	state.Status = domain.StatusForSpeed(event.Speed)
	state.LastUpdateAt = event.Timestamp
	if event.Temperature != nil {
		v := *event.Temperature
		state.Temperature = &v
	}
	if event.FuelLevel != nil {
		v := *event.FuelLevel
		state.FuelLevel = &v
	}
	if event.EngineStatus != "" {
		state.EngineStatus = event.EngineStatus
	}
	e.streamed = true
	return true
}

// SweepStaleness marks every vehicle silent for longer than the
// staleness threshold as offline and returns the IDs it changed.
func (s *Store) SweepStaleness(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for id, e := range s.vehicles {
		if e.state.Status == domain.StatusOffline {
			continue
		}
		if now.Sub(e.state.LastUpdateAt) > s.staleAfter {
			e.state.Status = domain.StatusOffline
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// Get returns a copy of one vehicle.
func (s *Store) Get(vehicleID string) (domain.VehicleState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.vehicles[vehicleID]
	if !ok {
		return domain.VehicleState{}, false
	}
	return e.state.Clone(), true
}

// PlateNumber returns the known plate of a vehicle, or "".
func (s *Store) PlateNumber(vehicleID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.vehicles[vehicleID]; ok {
		return e.state.PlateNumber
	}
	return ""
}

// Snapshot returns a copy of every vehicle, ordered by vehicle ID, with
// summary counts taken under the same lock.
func (s *Store) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.Snapshot{
		Vehicles: make([]domain.VehicleState, 0, len(s.vehicles)),
	}
	for _, e := range s.vehicles {
		snap.Vehicles = append(snap.Vehicles, e.state.Clone())
		switch e.state.Status {
		case domain.StatusMoving:
			snap.Summary.Moving++
		case domain.StatusOffline:
			snap.Summary.Offline++
		default:
			snap.Summary.Idle++
		}
	}
	snap.Summary.Total = len(snap.Vehicles)
	sort.Slice(snap.Vehicles, func(i, j int) bool {
		return snap.Vehicles[i].VehicleID < snap.Vehicles[j].VehicleID
	})
	return snap
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vehicles)
}
