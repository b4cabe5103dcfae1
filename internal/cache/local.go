package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// LocalStore implements Store in process memory.
// This is suitable for single-instance deployments.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// LocalOption configures a LocalStore.
type LocalOption func(*LocalStore)

// WithClock replaces the wall clock used for expiry decisions.
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalStore) {
		s.now = now
	}
}

// NewLocalStore creates an empty in-memory store.
func NewLocalStore(opts ...LocalOption) *LocalStore {
	s := &LocalStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lookup returns the live entry for key, dropping it if expired.
// Caller must hold s.mu.
func (s *LocalStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Get returns a copy of the stored value.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a copy of value.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: buf, expiresAt: s.now().Add(ttl)}
	return nil
}

// IncrementWithTTL increments the decimal counter at key.
// The expiry is fixed when the counter is created and never extended.
func (s *LocalStore) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		s.entries[key] = entry{value: formatCount(1), expiresAt: s.now().Add(ttl)}
		return 1, nil
	}

	n := parseCount(e.value) + 1
	e.value = formatCount(n)
	s.entries[key] = e
	return n, nil
}

// Len returns the number of entries currently held, expired ones included.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *LocalStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
// An interval of zero or less disables the janitor.
func (s *LocalStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					slog.Debug("local cache sweep", "removed", n)
				}
			}
		}
	}()
}

// Close drops all entries.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
	return nil
}
