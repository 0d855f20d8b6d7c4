package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lorma-edu/aiguard/internal/sqldb"
)

const sqliteCacheDDL = `
CREATE TABLE IF NOT EXISTS ai_cache (
	id INTEGER PRIMARY KEY,
	cache_key TEXT NOT NULL UNIQUE,
	prompt_hash TEXT NOT NULL,
	response_data BLOB NOT NULL,
	model_name TEXT NOT NULL,
	tokens_used INTEGER NULL,
	cost_usd REAL NULL,
	hit_count INTEGER NOT NULL DEFAULT 1,
	last_accessed INTEGER NOT NULL,
	expires_at INTEGER NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_cache_expires_at ON ai_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ai_cache_prompt_hash ON ai_cache(prompt_hash);`

const postgresCacheDDL = `
CREATE TABLE IF NOT EXISTS ai_cache (
	id BIGSERIAL PRIMARY KEY,
	cache_key TEXT NOT NULL UNIQUE,
	prompt_hash TEXT NOT NULL,
	response_data BYTEA NOT NULL,
	model_name TEXT NOT NULL,
	tokens_used BIGINT NULL,
	cost_usd DOUBLE PRECISION NULL,
	hit_count BIGINT NOT NULL DEFAULT 1,
	last_accessed BIGINT NOT NULL,
	expires_at BIGINT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_cache_expires_at ON ai_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_ai_cache_prompt_hash ON ai_cache(prompt_hash);`

const entryColumns = `cache_key, prompt_hash, response_data, model_name, tokens_used, cost_usd, hit_count, last_accessed, expires_at, created_at`

// SQLStore persists entries in the ai_cache table of a SQLite or Postgres
// database. Timestamps are stored as Unix microseconds.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store. dsn can be a
// file path or a SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	db, err := sqldb.OpenSQLite(dsn, "aiguard-cache.db")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache store: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore opens (and migrates) a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqldb.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache store: %w", err)
	}
	return newSQLStore(db)
}

func newSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if err := db.Migrate(sqliteCacheDDL, postgresCacheDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache store: %w", err)
	}
	return &SQLStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e            Entry
		response     []byte
		tokens       sql.NullInt64
		cost         sql.NullFloat64
		lastAccessed int64
		expiresAt    sql.NullInt64
		createdAt    int64
	)
	if err := row.Scan(&e.Key, &e.PromptHash, &response, &e.Model, &tokens, &cost,
		&e.HitCount, &lastAccessed, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	e.Response = response
	if tokens.Valid {
		v := tokens.Int64
		e.TokensUsed = &v
	}
	if cost.Valid {
		v := cost.Float64
		e.CostUSD = &v
	}
	e.LastAccessed = sqldb.FromMicros(lastAccessed)
	e.ExpiresAt = sqldb.NullMicros(expiresAt)
	e.CreatedAt = sqldb.FromMicros(createdAt)
	return &e, nil
}

// Lookup implements Store with a single conditional UPDATE ... RETURNING, so
// the liveness check and the increment happen in one statement.
func (s *SQLStore) Lookup(ctx context.Context, key string, now time.Time) (*Entry, error) {
	q := s.db.Bind(fmt.Sprintf(`
UPDATE ai_cache
SET hit_count = hit_count + 1, last_accessed = %s(last_accessed, ?)
WHERE cache_key = ? AND (expires_at IS NULL OR expires_at > ?)
RETURNING %s`, s.db.Greatest(), entryColumns))

	us := sqldb.Micros(now)
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, us, key, us))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	return e, nil
}

// Peek implements Store.
func (s *SQLStore) Peek(ctx context.Context, key string) (*Entry, error) {
	q := s.db.Bind(`SELECT ` + entryColumns + ` FROM ai_cache WHERE cache_key = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("peek cache entry: %w", err)
	}
	return e, nil
}

// Upsert implements Store. A conflicting key is overwritten in full,
// including hit_count and created_at.
func (s *SQLStore) Upsert(ctx context.Context, e *Entry) error {
	q := s.db.Bind(`
INSERT INTO ai_cache(` + entryColumns + `)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET
	prompt_hash = excluded.prompt_hash,
	response_data = excluded.response_data,
	model_name = excluded.model_name,
	tokens_used = excluded.tokens_used,
	cost_usd = excluded.cost_usd,
	hit_count = excluded.hit_count,
	last_accessed = excluded.last_accessed,
	expires_at = excluded.expires_at,
	created_at = excluded.created_at`)

	var expiresAt any
	if e.ExpiresAt != nil {
		expiresAt = sqldb.Micros(*e.ExpiresAt)
	}
	var tokens, cost any
	if e.TokensUsed != nil {
		tokens = *e.TokensUsed
	}
	if e.CostUSD != nil {
		cost = *e.CostUSD
	}

	_, err := s.db.ExecContext(ctx, q,
		e.Key,
		e.PromptHash,
		[]byte(e.Response),
		e.Model,
		tokens,
		cost,
		e.HitCount,
		sqldb.Micros(e.LastAccessed),
		expiresAt,
		sqldb.Micros(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Bind(`DELETE FROM ai_cache WHERE cache_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired implements Store.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Bind(`DELETE FROM ai_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`),
		sqldb.Micros(now))
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	return n, nil
}

// DeleteAll implements Store.
func (s *SQLStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_cache`)
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return n, nil
}

// Aggregate implements Store.
func (s *SQLStore) Aggregate(ctx context.Context, now time.Time) (Aggregate, error) {
	q := s.db.Bind(`
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(hit_count), 0),
	COALESCE(SUM(hit_count - 1), 0),
	COALESCE(SUM((hit_count - 1) * COALESCE(tokens_used, 0)), 0),
	COALESCE(SUM((hit_count - 1) * COALESCE(cost_usd, 0)), 0)
FROM ai_cache`)

	var agg Aggregate
	err := s.db.QueryRowContext(ctx, q, sqldb.Micros(now)).Scan(
		&agg.Entries,
		&agg.Expired,
		&agg.Lookups,
		&agg.Hits,
		&agg.TokensSaved,
		&agg.CostSavingsUSD,
	)
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate cache entries: %w", err)
	}
	return agg, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
