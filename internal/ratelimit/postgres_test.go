package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slotkeeper/slotkeeper/internal/config"
	"github.com/slotkeeper/slotkeeper/internal/database"
)

func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_POSTGRES") != "true" {
		t.Skip("Skipping: TEST_POSTGRES not set. Run with docker-compose up -d")
	}
}

func testDBConfig() *config.DatabaseConfig {
	cfg := &config.DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "slotkeeper",
		Password:        "slotkeeper_dev_password",
		DBName:          "slotkeeper",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		ConnMaxLifetime: 5 * time.Minute,
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	return cfg
}

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	cfg := testDBConfig()

	m, err := database.NewMigrator(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, "TRUNCATE rate_limits")
	require.NoError(t, err)

	s := NewPostgresStore(pool)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	skipIfNoPostgres(t)

	runStoreTests(t, func(t *testing.T) Store {
		return newTestPostgresStore(t)
	})
}
