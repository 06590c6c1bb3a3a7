package pipeline

import (
	"sync"
	"time"
)

const (
	// FrequencyWindow is the trailing window for repeated-operation detection.
	FrequencyWindow = 10 * time.Second
	// FrequencyThreshold is how many repeats within the window are tolerated.
	FrequencyThreshold = 20

	sweepThreshold = 1024
)

// FrequencyTracker counts how often each session repeats an operation.
type FrequencyTracker struct {
	mu     sync.Mutex
	window time.Duration
	events map[string][]time.Time
}

// NewFrequencyTracker creates a tracker over the given trailing window.
func NewFrequencyTracker(window time.Duration) *FrequencyTracker {
	if window <= 0 {
		window = FrequencyWindow
	}
	return &FrequencyTracker{window: window, events: make(map[string][]time.Time)}
}

// Observe records an invocation and returns how many invocations of the
// same operation by the same session fall within the window, including this one.
func (f *FrequencyTracker) Observe(sessionID, operation string, now time.Time) int {
	key := sessionID + "\x00" + operation
	cutoff := now.Add(-f.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.events) > sweepThreshold {
		f.sweepLocked(cutoff)
	}
	ts := trimBefore(f.events[key], cutoff)
	ts = append(ts, now)
	f.events[key] = ts
	return len(ts)
}

// Prune drops keys with no events inside the window.
func (f *FrequencyTracker) Prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked(now.Add(-f.window))
}

func (f *FrequencyTracker) sweepLocked(cutoff time.Time) {
	for k, ts := range f.events {
		ts = trimBefore(ts, cutoff)
		if len(ts) == 0 {
			delete(f.events, k)
			continue
		}
		f.events[k] = ts
	}
}

func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
