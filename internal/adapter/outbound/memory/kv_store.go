// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"errors"
	"sync"

	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// ErrQuotaExceeded is returned when a write would exceed the configured quota.
var ErrQuotaExceeded = errors.New("memory store quota exceeded")

// KVStore is a session-scoped string store. It lives as long as the process,
// the way browser session storage lives as long as the tab.
type KVStore struct {
	mu       sync.RWMutex
	values   map[string]string
	size     int
	maxBytes int
}

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithMaxBytes limits the total size of keys plus values. Zero is unlimited.
func WithMaxBytes(n int) KVOption {
	return func(s *KVStore) { s.maxBytes = n }
}

// NewKVStore creates an empty KVStore.
func NewKVStore(opts ...KVOption) *KVStore {
	s := &KVStore{values: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
func (s *KVStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *KVStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.size + len(key) + len(value)
	if old, ok := s.values[key]; ok {
		size -= len(key) + len(old)
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return ErrQuotaExceeded
	}
	s.values[key] = value
	s.size = size
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KVStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; ok {
		s.size -= len(key) + len(old)
		delete(s.values, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Compile-time interface verification.
var (
	_ csrf.Store = (*KVStore)(nil)
	_ session.KV = (*KVStore)(nil)
)
