package sync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stembrain/trailer/internal/telemetry"
)

// ActivityTracker counts in-flight fetches for progress indicators
type ActivityTracker struct {
	count   atomic.Int64
	metrics *telemetry.SyncMetrics

	mu   sync.Mutex
	subs []chan int64
}

// NewActivityTracker creates a tracker; metrics may be nil
func NewActivityTracker(metrics *telemetry.SyncMetrics) *ActivityTracker {
	return &ActivityTracker{metrics: metrics}
}

// Begin records the start of a fetch
func (a *ActivityTracker) Begin(ctx context.Context) {
	a.count.Add(1)
	a.metrics.AddInFlight(ctx, 1)
	a.publish()
}

// End records the end of a fetch
func (a *ActivityTracker) End(ctx context.Context) {
	a.count.Add(-1)
	a.metrics.AddInFlight(ctx, -1)
	a.publish()
}

// Count returns the number of fetches in flight
func (a *ActivityTracker) Count() int {
	return int(a.count.Load())
}

// Subscribe returns a channel carrying the latest count after every change.
// Slow subscribers only ever see the most recent value.
func (a *ActivityTracker) Subscribe() <-chan int64 {
	ch := make(chan int64, 1)
	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()
	return ch
}

func (a *ActivityTracker) publish() {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.count.Load()
	for _, ch := range a.subs {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
