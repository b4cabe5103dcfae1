// Package ratelimit implements a fixed-window request counter per client identity.
//
// Windows are tumbling, not sliding: a client may send up to 2*max requests
// across a window boundary.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"deliverygw/internal/cache"
	"deliverygw/internal/observability"
)

const (
	keyPrefix = "rl:"

	// authPrefixLen is how many characters of the Authorization header identify a client.
	authPrefixLen = 16
)

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int64
	Remaining int64
	// Window is the full window length, an upper bound on the time until the counter resets
	Window    time.Duration
}

// ClientIdentity derives the rate-limit identity from request headers.
func ClientIdentity(authorization, forwardedFor string) string {
	if authorization != "" {
		return "auth:" + runePrefix(authorization, authPrefixLen)
	}
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	return "ip:unknown"
}

// runePrefix returns the first n runes of s, never splitting a multi-byte rune.
func runePrefix(s string, n int) string {
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i]
		}
		seen++
	}
	return s
}

// CheckAndCount counts this request against identity's current window.
// Store errors are returned unchanged; callers must not treat them as allowed.
func CheckAndCount(ctx context.Context, store cache.Store, identity string, window time.Duration, max int64) (Decision, error) {
	count, err := store.IncrementWithTTL(ctx, keyPrefix+identity, window)
	if err != nil {
		return Decision{}, err
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= max,
		Count:     count,
		Limit:     max,
		Remaining: remaining,
		Window:    window,
	}, nil
}

// Limiter binds a store to a fixed window and limit.
type Limiter struct {
	store   cache.Store
	window  time.Duration
	max     int64
	metrics *observability.Metrics
}

// NewLimiter creates a Limiter allowing max requests per window.
func NewLimiter(store cache.Store, window time.Duration, max int64, metrics *observability.Metrics) *Limiter {
	return &Limiter{store: store, window: window, max: max, metrics: metrics}
}

// Allow counts one request for identity.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	d, err := CheckAndCount(ctx, l.store, identity, l.window, l.max)
	if err != nil {
		return d, err
	}
	l.metrics.RateLimitDecision(d.Allowed)
	return d, nil
}
