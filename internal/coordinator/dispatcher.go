package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/livefeed/internal/domain"
	"fleet-monitor/livefeed/internal/metrics"
	"fleet-monitor/livefeed/internal/stream"
)

type UpdateKind string

const (
	UpdateInitial    UpdateKind = "initial"
	UpdateBootstrap  UpdateKind = "bootstrap"
	UpdateTelemetry  UpdateKind = "telemetry"
	UpdateSweep      UpdateKind = "sweep"
	UpdateConnection UpdateKind = "connection"
)

// Update is what subscribers receive. Every field is a copy owned by the
// receiver.
type Update struct {
	Kind       UpdateKind              `json:"kind"`
	At         time.Time               `json:"at"`
	Snapshot   domain.Snapshot         `json:"snapshot"`
	Anomalies  []domain.AnomalyEvent   `json:"anomalies"`
	Connection stream.ConnectionStatus `json:"connection"`
}

type subscription struct {
	id string
	ch chan Update
}

// Dispatcher fans updates out to subscribers. Each subscriber has its
// own buffered channel drained by its own goroutine; a full buffer drops
// the update instead of blocking the writer.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	buffer int
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		subs:   make(map[string]*subscription),
		buffer: buffer,
	}
}

// Add registers fn and returns its ID. fn runs on a dedicated goroutine,
// one update at a time, in dispatch order. first, if non-nil, is called
// under the registration lock and its result is queued ahead of any later
// update, so a Dispatch racing with Add is either reflected in it or
// delivered after it. first must not call back into the Dispatcher.
func (d *Dispatcher) Add(fn func(Update), first func() Update) (string, bool) {
	sub := &subscription{
		id: uuid.NewString(),
		ch: make(chan Update, d.buffer),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", false
	}
	if first != nil {
		sub.ch <- first()
	}
	d.subs[sub.id] = sub

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for update := range sub.ch {
			fn(update)
		}
	}()
	return sub.id, true
}

// Remove unregisters a subscriber. Updates already queued are still
// delivered. Safe to call more than once.
func (d *Dispatcher) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sub, ok := d.subs[id]; ok {
		delete(d.subs, id)
		close(sub.ch)
	}
}

func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) Dispatch(update Update) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, sub := range d.subs {
		select {
		case sub.ch <- update:
		default:
			metrics.SubscriberDrops.Add(1)
		}
	}
}

// Close removes every subscriber, waits for their goroutines to drain,
// and rejects later Adds.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, sub := range d.subs {
		delete(d.subs, id)
		close(sub.ch)
	}
	d.mu.Unlock()

	d.wg.Wait()
}
