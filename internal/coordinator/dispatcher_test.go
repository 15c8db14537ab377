package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/livefeed/internal/metrics"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Close()

	var mu sync.Mutex
	var got []UpdateKind
	_, ok := d.Add(func(u Update) {
		mu.Lock()
		got = append(got, u.Kind)
		mu.Unlock()
	}, func() Update { return Update{Kind: UpdateInitial} })
	require.True(t, ok)

	d.Dispatch(Update{Kind: UpdateTelemetry})
	d.Dispatch(Update{Kind: UpdateSweep})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, []UpdateKind{UpdateInitial, UpdateTelemetry, UpdateSweep}, got)
}

func TestDispatcherDropsForFullSubscriber(t *testing.T) {
	d := NewDispatcher(2)
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	_, ok := d.Add(func(Update) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-block
	}, nil)
	require.True(t, ok)

	d.Dispatch(Update{Kind: UpdateTelemetry})
	<-entered

	before := metrics.SubscriberDrops.Load()
	for i := 0; i < 5; i++ {
		d.Dispatch(Update{Kind: UpdateTelemetry})
	}
	// One is being handled, two fit the buffer.
	assert.Equal(t, before+3, metrics.SubscriberDrops.Load())

	close(block)
	d.Close()
}

func TestDispatcherRemove(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()

	calls := make(chan Update, 4)
	id, ok := d.Add(func(u Update) { calls <- u }, nil)
	require.True(t, ok)
	assert.Equal(t, 1, d.Len())

	d.Remove(id)
	d.Remove(id)
	assert.Equal(t, 0, d.Len())

	d.Dispatch(Update{Kind: UpdateTelemetry})
	assert.Empty(t, calls)
}

func TestDispatcherCloseRejectsAdd(t *testing.T) {
	d := NewDispatcher(0)
	d.Close()

	_, ok := d.Add(func(Update) {}, nil)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Len())
}

func TestDispatcherBuildsFirstUpdateAfterRegistration(t *testing.T) {
	d := NewDispatcher(4)
	defer d.Close()

	other := make(chan Update, 4)
	_, ok := d.Add(func(u Update) { other <- u }, nil)
	require.True(t, ok)

	var calls int
	got := make(chan Update, 4)
	_, ok = d.Add(func(u Update) { got <- u }, func() Update {
		calls++
		return Update{Kind: UpdateInitial}
	})
	require.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, d.Len())

	d.Dispatch(Update{Kind: UpdateTelemetry})
	assert.Equal(t, UpdateInitial, (<-got).Kind)
	assert.Equal(t, UpdateTelemetry, (<-got).Kind)
	assert.Equal(t, UpdateTelemetry, (<-other).Kind)
}

func TestDispatcherClosedSkipsFirstUpdate(t *testing.T) {
	d := NewDispatcher(1)
	d.Close()

	called := false
	_, ok := d.Add(func(Update) {}, func() Update {
		called = true
		return Update{}
	})
	assert.False(t, ok)
	assert.False(t, called)
}
