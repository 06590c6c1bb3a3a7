// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"

	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
)

// StatsService tracks pipeline outcomes using lock-free atomic totals and
// mutex-protected per-category and per-code breakdowns.
type StatsService struct {
	allowed     atomic.Int64
	denied      atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64

	mu             sync.Mutex
	categoryCounts map[string]int64
	denyCounts     map[string]int64
	errorCounts    map[string]int64
}

var _ pipeline.StatsRecorder = (*StatsService)(nil)

// NewStatsService creates a new StatsService with all counters initialized to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		categoryCounts: make(map[string]int64),
		denyCounts:     make(map[string]int64),
		errorCounts:    make(map[string]int64),
	}
}

// RecordAllow counts an operation that passed every check.
func (s *StatsService) RecordAllow(category string) {
	s.allowed.Add(1)
	s.bump(&s.categoryCounts, category)
}

// RecordDeny counts a rejection by its code.
func (s *StatsService) RecordDeny(code string) {
	s.denied.Add(1)
	if code == string(pipeline.CodeRateLimitExceeded) {
		s.rateLimited.Add(1)
	}
	s.bump(&s.denyCounts, code)
}

// RecordError counts an operation the backend failed.
func (s *StatsService) RecordError(category string) {
	s.errors.Add(1)
	s.bump(&s.errorCounts, category)
}

// bump takes a pointer so a concurrent Reset swapping the map is observed.
func (s *StatsService) bump(m *map[string]int64, key string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	(*m)[key]++
	s.mu.Unlock()
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed        int64            `json:"allowed" yaml:"allowed"`
	Denied         int64            `json:"denied" yaml:"denied"`
	RateLimited    int64            `json:"rate_limited" yaml:"rate_limited"`
	Errors         int64            `json:"errors" yaml:"errors"`
	CategoryCounts map[string]int64 `json:"category_counts" yaml:"category_counts"`
	DenyCounts     map[string]int64 `json:"deny_counts" yaml:"deny_counts"`
	ErrorCounts    map[string]int64 `json:"error_counts" yaml:"error_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	cc := cloneCounts(s.categoryCounts)
	dc := cloneCounts(s.denyCounts)
	ec := cloneCounts(s.errorCounts)
	s.mu.Unlock()

	return Stats{
		Allowed:        s.allowed.Load(),
		Denied:         s.denied.Load(),
		RateLimited:    s.rateLimited.Load(),
		Errors:         s.errors.Load(),
		CategoryCounts: cc,
		DenyCounts:     dc,
		ErrorCounts:    ec,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.rateLimited.Store(0)
	s.errors.Store(0)

	s.mu.Lock()
	s.categoryCounts = make(map[string]int64)
	s.denyCounts = make(map[string]int64)
	s.errorCounts = make(map[string]int64)
	s.mu.Unlock()
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
