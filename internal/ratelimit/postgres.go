package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/slotkeeper/slotkeeper/internal/database"
	"github.com/slotkeeper/slotkeeper/internal/models"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// hitQuery creates the record or advances it in one statement. The WHERE on
// the conflict branch skips the update when the window is still active and
// the count has reached the limit, in which case no row is returned.
const hitQuery = `
	INSERT INTO rate_limits AS rl (identifier, endpoint, count, reset_at, updated_at)
	VALUES ($1, $2, 1, $3, $4)
	ON CONFLICT (identifier, endpoint) DO UPDATE SET
		count      = CASE WHEN rl.reset_at < $4 THEN 1 ELSE rl.count + 1 END,
		reset_at   = CASE WHEN rl.reset_at < $4 THEN EXCLUDED.reset_at ELSE rl.reset_at END,
		updated_at = $4
	WHERE rl.reset_at < $4 OR rl.count < $5
	RETURNING count, reset_at, updated_at
`

// hitAttempts bounds retries when a rejected record disappears before it can
// be read back.
const hitAttempts = 2

// PostgresStore implements Store on the rate_limits table.
type PostgresStore struct {
	pool *database.Pool
}

// NewPostgresStore creates a store over an open pool. The schema is managed
// by database.Migrator.
func NewPostgresStore(pool *database.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Hit applies one request with a single upsert.
func (s *PostgresStore) Hit(ctx context.Context, identifier, endpoint string, limit int, window time.Duration, now time.Time) (models.RateLimitRecord, bool, error) {
	for attempt := 0; attempt < hitAttempts; attempt++ {
		record := models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint}
		err := s.pool.QueryRow(ctx, hitQuery,
			identifier, endpoint, now.Add(window), now, limit,
		).Scan(&record.Count, &record.ResetAt, &record.UpdatedAt)
		if err == nil {
			record.ResetAt = record.ResetAt.UTC()
			record.UpdatedAt = record.UpdatedAt.UTC()
			return record, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/postgres: hit: %w", err)
		}

		// Rejected: report the stored window.
		existing, err := s.Get(ctx, identifier, endpoint)
		if errors.Is(err, models.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return models.RateLimitRecord{}, false, err
		}
		return *existing, false, nil
	}
	return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/postgres: hit: record for %s vanished during check", models.RecordKey(identifier, endpoint))
}

// Get returns the record for a pair.
func (s *PostgresStore) Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error) {
	query := `
		SELECT identifier, endpoint, count, reset_at, updated_at
		FROM rate_limits
		WHERE identifier = $1 AND endpoint = $2
	`

	record, err := scanPostgresRecord(s.pool.QueryRow(ctx, query, identifier, endpoint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("ratelimit/postgres: get: %w", err)
	}
	return &record, nil
}

// List returns matching records ordered by endpoint then identifier.
func (s *PostgresStore) List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Endpoint != "" {
		where = append(where, "endpoint = "+arg(q.Endpoint))
	}
	if q.Identifier != "" {
		where = append(where, "identifier = "+arg(q.Identifier))
	}
	if q.ExpiredOnly {
		where = append(where, "reset_at < "+arg(q.Now))
	}

	query := `SELECT identifier, endpoint, count, reset_at, updated_at FROM rate_limits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY endpoint, identifier"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ratelimit/postgres: list: %w", err)
	}
	defer rows.Close()

	records := []models.RateLimitRecord{}
	for rows.Next() {
		record, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ratelimit/postgres: scan: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ratelimit/postgres: list: %w", err)
	}
	return records, nil
}

// Reset removes the record for a pair.
func (s *PostgresStore) Reset(ctx context.Context, identifier, endpoint string) error {
	result, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limits WHERE identifier = $1 AND endpoint = $2`,
		identifier, endpoint,
	)
	if err != nil {
		return fmt.Errorf("ratelimit/postgres: reset: %w", err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// DeleteExpired removes records whose window ended before now.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE reset_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ratelimit/postgres: delete expired: %w", err)
	}
	return result.RowsAffected(), nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Backend returns "postgres".
func (s *PostgresStore) Backend() string {
	return "postgres"
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresRecord(row pgx.Row) (models.RateLimitRecord, error) {
	var record models.RateLimitRecord
	if err := row.Scan(
		&record.Identifier,
		&record.Endpoint,
		&record.Count,
		&record.ResetAt,
		&record.UpdatedAt,
	); err != nil {
		return models.RateLimitRecord{}, err
	}
	record.ResetAt = record.ResetAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}
