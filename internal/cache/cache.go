// Package cache provides the key/value store shared by the rate limiter,
// the idempotency cache and the credential cache.
// Supports both local (in-memory) and Redis backends for multi-instance deployments.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Store defines the interface for TTL-bounded key/value storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value stored under key.
	// Returns found=false, err=nil if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// IncrementWithTTL increments the counter at key and returns the new count.
	// The ttl is applied only when the call creates the counter.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// GetJSON reads key and decodes it into dst.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	data, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to parse cached value %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal cached value %q: %w", key, err)
	}
	return s.Set(ctx, key, data, ttl)
}

// ttlSeconds rounds ttl up to whole seconds, never below one.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64((ttl + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func formatCount(n int64) []byte {
	return strconv.AppendInt(nil, n, 10)
}

// parseCount treats a non-numeric value as zero, matching Redis INCR on a fresh key.
func parseCount(b []byte) int64 {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
