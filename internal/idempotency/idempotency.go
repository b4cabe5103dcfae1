// Package idempotency stores completed upstream responses so that a retried
// client request carrying the same key is answered without a second upstream call.
//
// Deduplication is best effort: two concurrent first requests with one key can
// both reach the upstream, and the later Store wins.
package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"deliverygw/internal/cache"
	"deliverygw/internal/observability"
)

// TTL is how long a completed response stays replayable.
const TTL = 300 * time.Second

// Record is an immutable completed response.
type Record struct {
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	StoredAt    time.Time `json:"stored_at"`
}

// Cache reads and writes records under idem:<scope>:<key>.
type Cache struct {
	store   cache.Store
	scope   string
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewCache creates a Cache for one route scope, e.g. "deliveries".
func NewCache(store cache.Store, scope string, logger *slog.Logger, metrics *observability.Metrics) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: store, scope: scope, logger: logger, metrics: metrics}
}

func (c *Cache) key(k string) string {
	return "idem:" + c.scope + ":" + k
}

// Lookup returns the stored record for key, if any.
// An undecodable record is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (*Record, bool, error) {
	data, found, err := c.store.Get(ctx, c.key(key))
	if err != nil {
		return nil, false, err
	}
	var rec Record
	if found {
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.WarnContext(ctx, "discarding unreadable idempotency record", "key", key, "error", err)
			found = false
		}
	}
	c.metrics.IdempotencyLookup(found)
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Store saves a completed response for key with the fixed TTL.
func (c *Cache) Store(ctx context.Context, key string, status int, body []byte, fingerprint string) error {
	rec := Record{
		Status:      status,
		Body:        body,
		Fingerprint: fingerprint,
		StoredAt:    time.Now().UTC(),
	}
	return cache.SetJSON(ctx, c.store, c.key(key), rec, TTL)
}

// KeyFromHeader returns the client-supplied key, or a fresh random one when
// the client sent none.
func KeyFromHeader(v string) string {
	if k := strings.TrimSpace(v); k != "" {
		return k
	}
	return uuid.NewString()
}

// Fingerprint hashes a request payload so reuse of a key with a different body can be detected.
func Fingerprint(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}
