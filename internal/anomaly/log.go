package anomaly

import (
	"sync"

	"fleet-monitor/livefeed/internal/domain"
)

// DefaultCapacity is how many anomalies the dashboard keeps on screen.
const DefaultCapacity = 20

// Log is a fixed-size ring of the most recent anomaly events. Appends
// past capacity overwrite the oldest entry. Identical events are kept
// as separate entries.
//
// All methods are safe for concurrent use.
type Log struct {
	mu       sync.RWMutex
	entries  []domain.AnomalyEvent
	capacity int
	// next is the slot the following Append writes to.
	next int
	size int
}

// NewLog creates a log holding at most capacity events. A non-positive
// capacity falls back to DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries:  make([]domain.AnomalyEvent, capacity),
		capacity: capacity,
	}
}

func (l *Log) Append(event domain.AnomalyEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = event
	l.next = (l.next + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	}
}

// List returns a copy of the retained events, newest first.
func (l *Log) List() []domain.AnomalyEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.AnomalyEvent, l.size)
	for i := 0; i < l.size; i++ {
		index := (l.next - 1 - i + l.capacity) % l.capacity
		out[i] = l.entries[index]
	}
	return out
}

// ListForVehicle returns the retained events of one vehicle, newest first.
func (l *Log) ListForVehicle(vehicleID string) []domain.AnomalyEvent {
	var out []domain.AnomalyEvent
	for _, event := range l.List() {
		if event.VehicleID == vehicleID {
			out = append(out, event)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

func (l *Log) Capacity() int { return l.capacity }
