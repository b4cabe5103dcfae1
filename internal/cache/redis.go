package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"deliverygw/internal/core"
)

const backendRedis = "redis"

// incrementScript performs INCR and sets the expiry only when the key was created.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "rediss://:password@host:6379/0")
	URL string

	// Token is used as the password when the URL carries none.
	Token string
}

// Pinger is implemented by stores that can report backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisStore implements Store using Redis for distributed storage.
// This is suitable for multi-instance deployments behind a load balancer.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password == "" && cfg.Token != "" {
		opts.Password = cfg.Token
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("redis cache connected", "addr", opts.Addr, "db", opts.DB)

	return &RedisStore{client: client}, nil
}

// Get retrieves the value for key from Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, core.NewStoreUnavailableError(backendRedis, "get", err)
	}
	return data, true, nil
}

// Set stores value with SET key value EX ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiry := time.Duration(ttlSeconds(ttl)) * time.Second
	if err := s.client.Set(ctx, key, value, expiry).Err(); err != nil {
		return core.NewStoreUnavailableError(backendRedis, "set", err)
	}
	return nil
}

// IncrementWithTTL runs INCR and, for a new key, EXPIRE in a single script.
func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{key}, ttlSeconds(ttl)).Int64()
	if err != nil {
		return 0, core.NewStoreUnavailableError(backendRedis, "incr", err)
	}
	return n, nil
}

// Ping checks that Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return core.NewStoreUnavailableError(backendRedis, "ping", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
