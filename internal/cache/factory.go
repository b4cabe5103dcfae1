package cache

import (
	"context"
	"log/slog"

	"deliverygw/config"
	"deliverygw/internal/observability"
)

// New selects the backend once at startup. The local janitor, when enabled,
// runs until ctx is cancelled.
func New(ctx context.Context, cfg config.CacheConfig, metrics *observability.Metrics) (Store, error) {
	if cfg.UseRedis() {
		store, err := NewRedisStore(ctx, RedisConfig{
			URL:   cfg.Redis.URL,
			Token: cfg.Redis.Token,
		})
		if err != nil {
			return nil, err
		}
		return NewInstrumented(store, backendRedis, metrics), nil
	}

	store := NewLocalStore()
	store.StartJanitor(ctx, cfg.JanitorDuration())
	slog.Info("local cache initialized", "janitor_interval", cfg.JanitorDuration())
	return NewInstrumented(store, "local", metrics), nil
}
