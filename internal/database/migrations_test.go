package database

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_Paired(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	assert.True(t, names["000001_create_rate_limits.up.sql"])
	assert.True(t, names["000001_create_rate_limits.down.sql"])
}

func TestMigrationFiles_CreateRateLimits(t *testing.T) {
	data, err := fs.ReadFile(migrationFiles, "sql/000001_create_rate_limits.up.sql")
	require.NoError(t, err)

	sql := string(data)
	assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS rate_limits")
	assert.Contains(t, sql, "PRIMARY KEY (identifier, endpoint)")
	assert.Contains(t, sql, "idx_rate_limits_reset_at")
}

func TestMigrator_UpDown(t *testing.T) {
	skipIfNoPostgres(t)

	m, err := NewMigrator(testDBConfig())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Up())

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	require.NoError(t, m.Up())
}

func TestNewMigrator_Unreachable(t *testing.T) {
	cfg := testDBConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1

	_, err := NewMigrator(cfg)
	assert.Error(t, err)
}
