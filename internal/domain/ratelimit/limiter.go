package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
)

// window is the mutable per-category state.
type window struct {
	timestamps []time.Time
	limit      int
	penalty    *Penalty
}

// SlidingWindowLimiter enforces per-category limits over a trailing Window.
// Once a category reaches its limit it is placed in a penalty state rather
// than silently dropping requests. All methods are safe for concurrent use;
// each decision runs under a single lock so check-then-record is atomic.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	base    map[Category]int
	windows map[Category]*window
}

// NewSlidingWindowLimiter creates a limiter with the given base limits.
// Categories missing from limits use DefaultLimits. A nil clock uses the
// system clock.
func NewSlidingWindowLimiter(limits map[Category]int, clk clock.Clock) *SlidingWindowLimiter {
	if clk == nil {
		clk = clock.System{}
	}
	l := &SlidingWindowLimiter{
		clock:   clk,
		base:    make(map[Category]int, len(Categories)),
		windows: make(map[Category]*window, len(Categories)),
	}
	for _, c := range Categories {
		limit := DefaultLimits[c]
		if v, ok := limits[c]; ok && v > 0 {
			limit = v
		}
		l.base[c] = limit
		l.windows[c] = &window{limit: limit}
	}
	return l
}

// CheckAndRecord reports whether a request in category may proceed, recording
// it when it does.
func (l *SlidingWindowLimiter) CheckAndRecord(category Category) bool {
	return l.Allow(category).Allowed
}

// Allow is CheckAndRecord with the full decision attached.
//
//  1. An active penalty rejects without recording.
//  2. Timestamps older than Window are pruned.
//  3. If count >= limit, a penalty of PenaltyDuration(count-limit+1) is set.
//  4. Otherwise the request is recorded.
func (l *SlidingWindowLimiter) Allow(category Category) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.windowLocked(category)
	category = l.resolve(category)

	if p := w.penalty; p != nil {
		if now.Before(p.BlockedUntil) {
			cp := *p
			return Result{Category: category, RetryAfter: p.BlockedUntil.Sub(now), Penalty: &cp}
		}
		w.penalty = nil
	}

	w.prune(now)

	if count := len(w.timestamps); count >= w.limit {
		excess := count - w.limit + 1
		p := &Penalty{
			BlockedUntil: now.Add(PenaltyDuration(excess)),
			Reason:       fmt.Sprintf("rate limit exceeded: %d/%d requests in %s", count, w.limit, Window),
			ExcessCount:  excess,
		}
		w.penalty = p
		cp := *p
		return Result{Category: category, RetryAfter: p.BlockedUntil.Sub(now), Penalty: &cp}
	}

	w.timestamps = append(w.timestamps, now)
	return Result{Allowed: true, Category: category}
}

// ForceBlock places category into a penalty state for d regardless of its
// own counter. An existing longer block is kept.
func (l *SlidingWindowLimiter) ForceBlock(category Category, d time.Duration, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w := l.windowLocked(category)
	until := now.Add(d)
	if w.penalty != nil && w.penalty.BlockedUntil.After(until) {
		return
	}
	excess := 0
	if w.penalty != nil {
		excess = w.penalty.ExcessCount
	}
	w.penalty = &Penalty{BlockedUntil: until, Reason: reason, ExcessCount: excess, Forced: true}
}

// Penalty returns the active penalty for category, or nil.
func (l *SlidingWindowLimiter) Penalty(category Category) *Penalty {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(category)
	if w.penalty == nil || !l.clock.Now().Before(w.penalty.BlockedUntil) {
		return nil
	}
	cp := *w.penalty
	return &cp
}

// AdjustForLoad scales every base limit by 1.0, 0.7 (load > 0.6) or
// 0.5 (load > 0.8), never below 1.
func (l *SlidingWindowLimiter) AdjustForLoad(load float64) {
	factor := 1.0
	switch {
	case load > 0.8:
		factor = 0.5
	case load > 0.6:
		factor = 0.7
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for c, base := range l.base {
		limit := int(float64(base) * factor)
		if limit < 1 {
			limit = 1
		}
		l.windows[c].limit = limit
	}
}

// Limit returns the current limit for category.
func (l *SlidingWindowLimiter) Limit(category Category) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.windowLocked(category).limit
}

// DetectBurstPatterns flags categories with more than BurstThreshold requests
// in the trailing BurstWindow, and the system when the aggregate count over
// Window exceeds SystemThreshold. The report is advisory only.
func (l *SlidingWindowLimiter) DetectBurstPatterns() BurstReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	report := BurstReport{Categories: make(map[Category]int), CheckedAt: now}
	burstCutoff := now.Add(-BurstWindow)

	for _, c := range Categories {
		w := l.windows[c]
		w.prune(now)
		report.SystemCount += len(w.timestamps)

		recent := 0
		for _, ts := range w.timestamps {
			if !ts.Before(burstCutoff) {
				recent++
			}
		}
		if recent > BurstThreshold {
			report.Categories[c] = recent
		}
	}
	report.SystemFlagged = report.SystemCount > SystemThreshold
	return report
}

// Status returns a snapshot of every category.
func (l *SlidingWindowLimiter) Status() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	out := make([]Status, 0, len(Categories))
	for _, c := range Categories {
		w := l.windows[c]
		w.prune(now)
		st := Status{
			Category:  c,
			Count:     len(w.timestamps),
			Limit:     w.limit,
			Remaining: w.limit - len(w.timestamps),
		}
		if st.Remaining < 0 {
			st.Remaining = 0
		}
		if w.penalty != nil && now.Before(w.penalty.BlockedUntil) {
			st.Blocked = true
			st.BlockedUntil = w.penalty.BlockedUntil
			st.Reason = w.penalty.Reason
		}
		out = append(out, st)
	}
	return out
}

// Prune drops aged timestamps and lifted penalties for every category.
func (l *SlidingWindowLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for _, w := range l.windows {
		w.prune(now)
		if w.penalty != nil && now.After(w.penalty.BlockedUntil) {
			w.penalty = nil
		}
	}
}

// Reset clears the counter and penalty of category.
func (l *SlidingWindowLimiter) Reset(category Category) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windowLocked(category)
	w.timestamps = nil
	w.penalty = nil
}

func (l *SlidingWindowLimiter) resolve(c Category) Category {
	if _, ok := l.windows[c]; ok {
		return c
	}
	return CategoryDefault
}

func (l *SlidingWindowLimiter) windowLocked(c Category) *window {
	return l.windows[l.resolve(c)]
}

// prune removes timestamps strictly older than Window.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}
