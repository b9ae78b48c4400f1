package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/database"
	"github.com/slotkeeper/slotkeeper/internal/ratelimit"
	"github.com/slotkeeper/slotkeeper/pkg/logger"
)

// errStoreNotConfigured is returned when the selected backend lacks
// connection details and no fallback is allowed.
var errStoreNotConfigured = errors.New("rate limit store not configured")

// openStore connects the backend selected by RATE_LIMIT_STORE. With
// fallback set, a backend without connection details is replaced by memory;
// the limiter is not enforced in that case because RateLimitEnabled reports
// false. Without it the call fails.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger, fallback bool) (ratelimit.Store, error) {
	if !cfg.StoreConfigured() {
		if !fallback {
			return nil, fmt.Errorf("%w: %s needs connection settings", errStoreNotConfigured, cfg.Rate.Store)
		}
		log.Warn("rate limit store not configured, using memory", "store", cfg.Rate.Store)
		return ratelimit.NewMemoryStore(), nil
	}

	switch cfg.Rate.Store {
	case config.StorePostgres:
		pool, err := database.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := prometheus.Register(database.NewStatsCollector(pool)); err != nil {
			log.Warn("pool metrics not registered", "error", err)
		}
		return ratelimit.NewPostgresStore(pool), nil

	case config.StoreRedis:
		store, err := ratelimit.NewRedisStore(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return store, nil

	case config.StoreSQLite:
		store, err := ratelimit.NewSQLiteStore(cfg.Rate.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil

	case config.StoreMemory:
		return ratelimit.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Rate.Store)
	}
}

// limiterOptions maps configuration onto limiter options.
func limiterOptions(cfg *config.Config, log *logger.Logger, observer func(ratelimit.Decision)) ratelimit.Options {
	failure := ratelimit.FailOpen
	if cfg.Rate.FailClosed {
		failure = ratelimit.FailClosed
	}
	return ratelimit.Options{
		Enabled:       cfg.RateLimitEnabled(),
		FailurePolicy: failure,
		Timeout:       cfg.Rate.CheckTimeout,
		Observer:      observer,
		Logger:        log,
	}
}

// openLimiter opens the configured store and wraps it in a limiter.
func openLimiter(ctx context.Context, e *env, observer func(ratelimit.Decision), fallback bool) (*ratelimit.Limiter, error) {
	store, err := openStore(ctx, e.cfg, e.log, fallback)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(store, limiterOptions(e.cfg, e.log, observer))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return limiter, nil
}
