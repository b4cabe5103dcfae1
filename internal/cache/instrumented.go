package cache

import (
	"context"
	"time"

	"deliverygw/internal/observability"
)

// Instrumented wraps a Store and reports every call to metrics.
type Instrumented struct {
	next    Store
	backend string
	metrics *observability.Metrics
}

// NewInstrumented decorates next. backend labels the recorded series.
func NewInstrumented(next Store, backend string, metrics *observability.Metrics) *Instrumented {
	return &Instrumented{next: next, backend: backend, metrics: metrics}
}

// Get implements Store.
func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, found, err := s.next.Get(ctx, key)
	s.metrics.ObserveCacheOp(s.backend, "get", err, time.Since(start))
	return v, found, err
}

// Set implements Store.
func (s *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.next.Set(ctx, key, value, ttl)
	s.metrics.ObserveCacheOp(s.backend, "set", err, time.Since(start))
	return err
}

// IncrementWithTTL implements Store.
func (s *Instrumented) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	start := time.Now()
	n, err := s.next.IncrementWithTTL(ctx, key, ttl)
	s.metrics.ObserveCacheOp(s.backend, "incr", err, time.Since(start))
	return n, err
}

// Ping forwards to the wrapped store when it supports health checks.
func (s *Instrumented) Ping(ctx context.Context) error {
	if p, ok := s.next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close implements Store.
func (s *Instrumented) Close() error {
	return s.next.Close()
}
