// Package timeseries computes rolling record rates over fixed time windows.
//
// Add is lock-free and called for every record batch. Sample is called
// once per second by a ticker and appends the cumulative counters to a
// ring buffer; Rates derives per-window averages from it.
package timeseries

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ringSize holds five minutes of one-second samples.
const ringSize = 300

// Windows reported by Rates, shortest first.
var Windows = []time.Duration{10 * time.Second, time.Minute, 5 * time.Minute}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type point struct {
	at     time.Time
	events int64
	bytes  int64
}

// RateTracker tracks cumulative event and byte counts.
type RateTracker struct {
	events atomic.Int64
	bytes  atomic.Int64

	mu    sync.RWMutex
	ring  []point
	next  int // overwrite position once the ring is full
	clock Clock
}

// WindowRate is the average rate over one window.
type WindowRate struct {
	Window       time.Duration
	EventsPerSec float64
	BytesPerSec  float64
}

// Label renders the window as "10s" or "5m".
func (w WindowRate) Label() string {
	if w.Window >= time.Minute && w.Window%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(w.Window/time.Minute))
	}
	return fmt.Sprintf("%ds", int(w.Window/time.Second))
}

// Rates is a point-in-time view of a RateTracker.
type Rates struct {
	Events  int64
	Bytes   int64
	Windows []WindowRate
}

// NewRateTracker creates a tracker on the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with a custom clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		ring:  make([]point, 0, ringSize),
		clock: clock,
	}
	t.ring = append(t.ring, point{at: now})
	return t
}

// Add counts a batch of records. Negative values are ignored.
func (t *RateTracker) Add(events, bytes int) {
	if events > 0 {
		t.events.Add(int64(events))
	}
	if bytes > 0 {
		t.bytes.Add(int64(bytes))
	}
}

// Sample records the current totals.
func (t *RateTracker) Sample() {
	p := point{at: t.clock.Now(), events: t.events.Load(), bytes: t.bytes.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ring) < ringSize {
		t.ring = append(t.ring, p)
		return
	}
	t.ring[t.next] = p
	t.next = (t.next + 1) % ringSize
}

// Rates computes the average rate over each of Windows. A window longer
// than the recorded history is averaged over the history available.
func (t *RateTracker) Rates() Rates {
	now := t.clock.Now()
	cur := point{at: now, events: t.events.Load(), bytes: t.bytes.Load()}

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{
		Events:  cur.events,
		Bytes:   cur.bytes,
		Windows: make([]WindowRate, len(Windows)),
	}
	for i, w := range Windows {
		r.Windows[i] = t.windowRate(cur, w)
	}
	return r
}

// windowRate must be called with mu held.
func (t *RateTracker) windowRate(cur point, window time.Duration) WindowRate {
	wr := WindowRate{Window: window}

	// Newest sample at or before the window start
	cutoff := cur.at.Add(-window)
	var base *point
	for i := range t.ring {
		p := &t.ring[i]
		if p.at.After(cutoff) {
			continue
		}
		if base == nil || p.at.After(base.at) {
			base = p
		}
	}
	if base == nil {
		base = t.oldest()
	}

	secs := cur.at.Sub(base.at).Seconds()
	if secs <= 0 {
		return wr
	}
	wr.EventsPerSec = float64(cur.events-base.events) / secs
	wr.BytesPerSec = float64(cur.bytes-base.bytes) / secs
	return wr
}

func (t *RateTracker) oldest() *point {
	if len(t.ring) < ringSize {
		return &t.ring[0]
	}
	return &t.ring[t.next]
}

// Reset clears all data and restarts tracking.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.events.Store(0)
	t.bytes.Store(0)
	t.ring = append(t.ring[:0], point{at: now})
	t.next = 0
}

// Samples returns the number of samples held.
func (t *RateTracker) Samples() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}
