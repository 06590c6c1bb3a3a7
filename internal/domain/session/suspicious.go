package session

import (
	"sort"
	"sync"
	"time"
)

// Flag describes why a session identifier was marked suspicious.
type Flag struct {
	SessionID string    `json:"session_id"`
	FlaggedAt time.Time `json:"flagged_at"`
	Reason    string    `json:"reason"`
}

// SuspiciousSet holds session identifiers whose operations must be rejected
// until the session is re-issued.
type SuspiciousSet struct {
	mu    sync.RWMutex
	flags map[string]Flag
}

// NewSuspiciousSet creates an empty set.
func NewSuspiciousSet() *SuspiciousSet {
	return &SuspiciousSet{flags: make(map[string]Flag)}
}

// Add flags id. Re-flagging keeps the original timestamp and reason.
func (s *SuspiciousSet) Add(id, reason string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flags[id]; ok {
		return
	}
	s.flags[id] = Flag{SessionID: id, FlaggedAt: at, Reason: reason}
}

// Contains reports whether id is flagged.
func (s *SuspiciousSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.flags[id]
	return ok
}

// Remove unflags id.
func (s *SuspiciousSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, id)
}

// List returns all flags ordered by FlaggedAt.
func (s *SuspiciousSet) List() []Flag {
	s.mu.RLock()
	out := make([]Flag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, f)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FlaggedAt.Before(out[j].FlaggedAt) })
	return out
}

// Len returns the number of flagged sessions.
func (s *SuspiciousSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}
