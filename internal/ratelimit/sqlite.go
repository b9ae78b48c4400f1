package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slotkeeper/slotkeeper/internal/models"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS rate_limits (
		identifier TEXT    NOT NULL,
		endpoint   TEXT    NOT NULL,
		count      INTEGER NOT NULL DEFAULT 0,
		reset_at   INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (identifier, endpoint)
	);
	CREATE INDEX IF NOT EXISTS idx_rate_limits_reset_at ON rate_limits (reset_at);
`

// SQLiteStore is a persistent Store backed by SQLite. Timestamps are stored
// as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn and initialises
// the schema. Use ":memory:" for an in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ratelimit/sqlite: open: %w", err)
	}

	// One connection serialises writers; it also keeps a ":memory:" database
	// alive and shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ratelimit/sqlite: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Hit applies one request inside a transaction.
func (s *SQLiteStore) Hit(ctx context.Context, identifier, endpoint string, limit int, window time.Duration, now time.Time) (models.RateLimitRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	record := models.RateLimitRecord{Identifier: identifier, Endpoint: endpoint}
	var resetAt, updatedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT count, reset_at, updated_at FROM rate_limits WHERE identifier = ? AND endpoint = ?`,
		identifier, endpoint,
	).Scan(&record.Count, &resetAt, &updatedAt)

	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/sqlite: select: %w", err)
	} else {
		record.ResetAt = time.UnixMilli(resetAt).UTC()
		record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	}

	if !applyHit(&record, exists, limit, window, now) {
		return record, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limits (identifier, endpoint, count, reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identifier, endpoint) DO UPDATE SET
			count = excluded.count,
			reset_at = excluded.reset_at,
			updated_at = excluded.updated_at
	`, identifier, endpoint, record.Count, record.ResetAt.UnixMilli(), record.UpdatedAt.UnixMilli())
	if err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/sqlite: upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.RateLimitRecord{}, false, fmt.Errorf("ratelimit/sqlite: commit: %w", err)
	}
	return record, true, nil
}

// Get returns the record for a pair.
func (s *SQLiteStore) Get(ctx context.Context, identifier, endpoint string) (*models.RateLimitRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT identifier, endpoint, count, reset_at, updated_at FROM rate_limits WHERE identifier = ? AND endpoint = ?`,
		identifier, endpoint,
	)

	record, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ratelimit/sqlite: get: %w", err)
	}
	return &record, nil
}

// List returns matching records ordered by endpoint then identifier.
func (s *SQLiteStore) List(ctx context.Context, q models.RateLimitQuery) ([]models.RateLimitRecord, error) {
	var (
		where []string
		args  []any
	)
	if q.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if q.Identifier != "" {
		where = append(where, "identifier = ?")
		args = append(args, q.Identifier)
	}
	if q.ExpiredOnly {
		where = append(where, "reset_at < ?")
		args = append(args, q.Now.UnixMilli())
	}

	query := `SELECT identifier, endpoint, count, reset_at, updated_at FROM rate_limits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY endpoint, identifier"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ratelimit/sqlite: list: %w", err)
	}
	defer rows.Close()

	records := []models.RateLimitRecord{}
	for rows.Next() {
		record, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ratelimit/sqlite: scan: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ratelimit/sqlite: list: %w", err)
	}
	return records, nil
}

// Reset removes the record for a pair.
func (s *SQLiteStore) Reset(ctx context.Context, identifier, endpoint string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE identifier = ? AND endpoint = ?`,
		identifier, endpoint,
	)
	if err != nil {
		return fmt.Errorf("ratelimit/sqlite: reset: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ratelimit/sqlite: reset: %w", err)
	}
	if affected == 0 {
		return models.ErrRecordNotFound
	}
	return nil
}

// DeleteExpired removes records whose window ended before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE reset_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ratelimit/sqlite: delete expired: %w", err)
	}
	return result.RowsAffected()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backend returns "sqlite".
func (s *SQLiteStore) Backend() string {
	return "sqlite"
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (models.RateLimitRecord, error) {
	var (
		record             models.RateLimitRecord
		resetAt, updatedAt int64
	)
	if err := row.Scan(&record.Identifier, &record.Endpoint, &record.Count, &resetAt, &updatedAt); err != nil {
		return models.RateLimitRecord{}, err
	}
	record.ResetAt = time.UnixMilli(resetAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return record, nil
}
