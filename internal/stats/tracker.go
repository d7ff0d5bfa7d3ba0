// Package stats tracks what happened across the runs of one supervised
// command: starts, exits, errors, records emitted and run durations.
//
// Counters are atomics so that the hot record path never takes a lock.
// Exit codes, error kinds and the duration digest sit behind a mutex;
// they are only touched once per run.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression trades accuracy for memory in the duration digest.
const digestCompression = 100

// Tracker accumulates run statistics. Safe for concurrent use.
type Tracker struct {
	startTime time.Time

	starts   atomic.Int64
	restarts atomic.Int64
	events   atomic.Int64
	bytes    atomic.Int64
	lastPID  atomic.Int64

	mu        sync.Mutex
	exits     int64
	signaled  int64
	exitCodes map[int]int
	errors    map[string]int64
	durations *tdigest.TDigest
	lastExit  *int
}

// NewTracker creates a tracker whose clock starts now.
func NewTracker() *Tracker {
	return &Tracker{
		startTime: time.Now(),
		exitCodes: make(map[int]int),
		errors:    make(map[string]int64),
		durations: tdigest.NewWithCompression(digestCompression),
	}
}

// RecordStart counts a child process start.
func (t *Tracker) RecordStart(pid int) {
	t.starts.Add(1)
	t.lastPID.Store(int64(pid))
}

// RecordRestart counts a respawn.
func (t *Tracker) RecordRestart() {
	t.restarts.Add(1)
}

// RecordEvents counts records written and their encoded size.
func (t *Tracker) RecordEvents(count, bytes int) {
	t.events.Add(int64(count))
	t.bytes.Add(int64(bytes))
}

// RecordExit counts a finished child. A nil status means it was killed by
// a signal.
func (t *Tracker) RecordExit(status *int, uptime time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.exits++
	if status == nil {
		t.signaled++
		t.lastExit = nil
	} else {
		t.exitCodes[*status]++
		code := *status
		t.lastExit = &code
	}
	t.durations.Add(uptime.Seconds(), 1)
}

// RecordError counts an error by kind (failed, timeout, signal).
func (t *Tracker) RecordError(kind string) {
	t.mu.Lock()
	t.errors[kind]++
	t.mu.Unlock()
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	Elapsed time.Duration

	Starts   int64
	Restarts int64
	Exits    int64
	Signaled int64
	LastPID  int
	LastExit *int

	ExitCodes map[int]int
	Errors    map[string]int64

	Events     int64
	Bytes      int64
	EventsRate float64 // per second over Elapsed
	BytesRate  float64

	DurationP50 time.Duration
	DurationP95 time.Duration
	DurationP99 time.Duration
}

// TotalErrors sums the error counts of every kind.
func (s Snapshot) TotalErrors() int64 {
	var n int64
	for _, c := range s.Errors {
		n += c
	}
	return n
}

// ErrorKinds returns the error kinds in sorted order.
func (s Snapshot) ErrorKinds() []string {
	kinds := make([]string, 0, len(s.Errors))
	for k := range s.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Snapshot returns the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	snap := Snapshot{
		Elapsed:  time.Since(t.startTime),
		Starts:   t.starts.Load(),
		Restarts: t.restarts.Load(),
		LastPID:  int(t.lastPID.Load()),
		Events:   t.events.Load(),
		Bytes:    t.bytes.Load(),
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.EventsRate = float64(snap.Events) / secs
		snap.BytesRate = float64(snap.Bytes) / secs
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap.Exits = t.exits
	snap.Signaled = t.signaled
	if t.lastExit != nil {
		code := *t.lastExit
		snap.LastExit = &code
	}
	snap.ExitCodes = make(map[int]int, len(t.exitCodes))
	for k, v := range t.exitCodes {
		snap.ExitCodes[k] = v
	}
	snap.Errors = make(map[string]int64, len(t.errors))
	for k, v := range t.errors {
		snap.Errors[k] = v
	}
	if t.exits > 0 {
		snap.DurationP50 = seconds(t.durations.Quantile(0.50))
		snap.DurationP95 = seconds(t.durations.Quantile(0.95))
		snap.DurationP99 = seconds(t.durations.Quantile(0.99))
	}
	return snap
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
