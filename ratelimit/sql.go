package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lorma-edu/aiguard/internal/sqldb"
)

const sqliteRateLimitDDL = `
CREATE TABLE IF NOT EXISTS rate_limits (
	id INTEGER PRIMARY KEY,
	identifier TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	reset_at INTEGER NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 1,
	request_limit INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(identifier, endpoint, window_start)
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_key_reset ON rate_limits(identifier, endpoint, reset_at);
CREATE INDEX IF NOT EXISTS idx_rate_limits_reset_at ON rate_limits(reset_at);`

const postgresRateLimitDDL = `
CREATE TABLE IF NOT EXISTS rate_limits (
	id BIGSERIAL PRIMARY KEY,
	identifier TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	window_start BIGINT NOT NULL,
	reset_at BIGINT NOT NULL,
	request_count BIGINT NOT NULL DEFAULT 1,
	request_limit BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	UNIQUE(identifier, endpoint, window_start)
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_key_reset ON rate_limits(identifier, endpoint, reset_at);
CREATE INDEX IF NOT EXISTS idx_rate_limits_reset_at ON rate_limits(reset_at);`

const windowColumns = `id, identifier, endpoint, window_start, reset_at, request_count, request_limit, created_at`

// SQLStore keeps one rate_limits row per window in SQLite or Postgres.
//
// Increment runs in a transaction. Postgres takes a transaction-scoped
// advisory lock on the (identifier, endpoint) pair first. SQLite transactions
// begin IMMEDIATE, taking the write lock before the live window is read, so
// they serialise even against other handles on the same file.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sqldb.OpenSQLite(dsn, "aiguard-ratelimit.db")
	if err != nil {
		return nil, fmt.Errorf("open sqlite rate limit store: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore opens (and migrates) a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqldb.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres rate limit store: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if err := db.Migrate(sqliteRateLimitDDL, postgresRateLimitDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate rate limit store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWindow(row rowScanner) (int64, Window, error) {
	var (
		id                          int64
		w                           Window
		start, reset, createdMicros int64
	)
	if err := row.Scan(&id, &w.Identifier, &w.Endpoint, &start, &reset, &w.Count, &w.Limit, &createdMicros); err != nil {
		return 0, Window{}, err
	}
	w.WindowStart = sqldb.FromMicros(start)
	w.ResetAt = sqldb.FromMicros(reset)
	w.CreatedAt = sqldb.FromMicros(createdMicros)
	return id, w, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) liveWindow(ctx context.Context, q queryer, identifier, endpoint string, now time.Time) (int64, Window, error) {
	return scanWindow(q.QueryRowContext(ctx, s.db.Bind(`
SELECT `+windowColumns+`
FROM rate_limits
WHERE identifier = ? AND endpoint = ? AND reset_at > ?
ORDER BY window_start DESC
LIMIT 1`), identifier, endpoint, sqldb.Micros(now)))
}

// Increment implements Store.
func (s *SQLStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, limit int64, window time.Duration) (Window, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Window{}, false, fmt.Errorf("begin admit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.db.Dialect == sqldb.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, identifier+"|"+endpoint); err != nil {
			return Window{}, false, fmt.Errorf("lock rate limit key: %w", err)
		}
	}

	id, w, err := s.liveWindow(ctx, tx, identifier, endpoint, now)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		w = Window{
			Identifier:  identifier,
			Endpoint:    endpoint,
			WindowStart: now,
			ResetAt:     now.Add(window),
			Count:       1,
			Limit:       limit,
			CreatedAt:   now,
		}
		_, err = tx.ExecContext(ctx, s.db.Bind(`
INSERT INTO rate_limits(identifier, endpoint, window_start, reset_at, request_count, request_limit, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`),
			w.Identifier, w.Endpoint,
			sqldb.Micros(w.WindowStart), sqldb.Micros(w.ResetAt),
			w.Count, w.Limit, sqldb.Micros(w.CreatedAt))
		if err != nil {
			return Window{}, false, fmt.Errorf("open rate limit window: %w", err)
		}
	case err != nil:
		return Window{}, false, fmt.Errorf("read rate limit window: %w", err)
	default:
		var count int64
		err = tx.QueryRowContext(ctx, s.db.Bind(`
UPDATE rate_limits SET request_count = request_count + 1
WHERE id = ? AND request_count < ?
RETURNING request_count`), id, limit).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return w, false, nil
		}
		if err != nil {
			return Window{}, false, fmt.Errorf("increment rate limit window: %w", err)
		}
		w.Count = count
	}

	if err := tx.Commit(); err != nil {
		return Window{}, false, fmt.Errorf("commit admit: %w", err)
	}
	return w, true, nil
}

// Current implements Store.
func (s *SQLStore) Current(ctx context.Context, identifier, endpoint string, now time.Time) (*Window, error) {
	_, w, err := s.liveWindow(ctx, s.db, identifier, endpoint, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoWindow
	}
	if err != nil {
		return nil, fmt.Errorf("read rate limit window: %w", err)
	}
	return &w, nil
}

// History implements Store.
func (s *SQLStore) History(ctx context.Context, identifier, endpoint string, limit int) ([]Window, error) {
	query := `SELECT ` + windowColumns + ` FROM rate_limits WHERE identifier = ? AND endpoint = ? ORDER BY window_start DESC`
	args := []any{identifier, endpoint}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		_, w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rate limit window: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate limit windows: %w", err)
	}
	return out, nil
}

// Prune implements Store.
func (s *SQLStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Bind(`DELETE FROM rate_limits WHERE reset_at < ?`), sqldb.Micros(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rate limit windows: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
