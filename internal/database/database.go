// Package database connects to the PostgreSQL instance holding the shared
// rate_limits table and manages its schema.
package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotkeeper/slotkeeper/internal/config"
)

const (
	defaultMaxConns = 10
	maxPoolConns    = 1000

	// applicationName tags our sessions in pg_stat_activity.
	applicationName = "slotkeeper"
)

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// NewPool opens a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = poolSize(cfg.MaxOpenConns, defaultMaxConns)
	poolConfig.MinConns = min(poolSize(cfg.MaxIdleConns, 0), poolConfig.MaxConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// poolSize clamps a configured connection count to (0, maxPoolConns],
// returning fallback when it is out of range.
func poolSize(n, fallback int) int32 {
	if n <= 0 || n > maxPoolConns {
		return int32(fallback)
	}
	return int32(n)
}

// BuildDSN constructs a PostgreSQL connection URL. Credentials are escaped,
// so passwords may contain URL metacharacters.
func BuildDSN(cfg *config.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// HealthCheck pings the database.
func (p *Pool) HealthCheck(ctx context.Context) error {
	return p.Ping(ctx)
}
