// Package requestlog persists one row per guarded request outcome so that
// operators can audit cache hits, rejections and upstream failures.
package requestlog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lorma-edu/aiguard/internal/sqldb"
)

// Outcomes recorded by the guard.
const (
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	// OutcomeShared is a miss served by another request's upstream call.
	OutcomeShared   = "shared"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Entry is one request outcome.
type Entry struct {
	TraceID      string    `json:"trace_id,omitempty"`
	Identifier   string    `json:"identifier"`
	Endpoint     string    `json:"endpoint"`
	Outcome      string    `json:"outcome"`
	Model        string    `json:"model,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	CacheKey     string    `json:"cache_key,omitempty"`
	TokensUsed   int64     `json:"tokens_used"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	FailedOpen   bool      `json:"failed_open,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists persisted entries.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// Maintainer deletes persisted entries.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List.
type Query struct {
	Limit      int
	Offset     int
	Outcome    string
	Identifier string
	Endpoint   string
	Since      *time.Time
}

// ListResult is one page of entries plus the total matching count.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects rows for Delete.
type MaintenanceQuery struct {
	Before  *time.Time
	Outcome string
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db *sqldb.DB
}

const sqliteRequestLogDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	identifier TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	outcome TEXT NOT NULL,
	model TEXT,
	provider TEXT,
	cache_key TEXT,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	failed_open INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);`

const postgresRequestLogDDL = `
CREATE TABLE IF NOT EXISTS request_logs (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	identifier TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	outcome TEXT NOT NULL,
	model TEXT,
	provider TEXT,
	cache_key TEXT,
	tokens_used BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	failed_open BOOLEAN NOT NULL DEFAULT FALSE,
	error_message TEXT,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at);`

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	db, err := sqldb.OpenSQLite(dsn, "aiguard-requests.db")
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	return newSQLWriter(db)
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	db, err := sqldb.OpenPostgres(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	return newSQLWriter(db)
}

func newSQLWriter(db *sqldb.DB) (*SQLWriter, error) {
	if err := db.Migrate(sqliteRequestLogDDL, postgresRequestLogDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize request log schema: %w", err)
	}
	return &SQLWriter{db: db}, nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := w.db.Bind(`INSERT INTO request_logs(trace_id, identifier, endpoint, outcome, model, provider, cache_key, tokens_used, cost_usd, latency_ms, failed_open, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Identifier,
		entry.Endpoint,
		entry.Outcome,
		entry.Model,
		entry.Provider,
		entry.CacheKey,
		entry.TokensUsed,
		entry.CostUSD,
		entry.LatencyMS,
		entry.FailedOpen,
		entry.ErrorMessage,
		sqldb.Micros(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

func (q Query) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if q.Identifier != "" {
		clauses = append(clauses, "identifier = ?")
		args = append(args, q.Identifier)
	}
	if q.Endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, sqldb.Micros(*q.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	where, args := q.where()

	var result ListResult
	if err := w.db.QueryRowContext(ctx, w.db.Bind(`SELECT COUNT(*) FROM request_logs`+where), args...).Scan(&result.Total); err != nil {
		return ListResult{}, fmt.Errorf("count request logs: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.db.Bind(`
SELECT trace_id, identifier, endpoint, outcome, model, provider, cache_key, tokens_used, cost_usd, latency_ms, failed_open, error_message, created_at
FROM request_logs`+where+`
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         Entry
			createdAt int64
		)
		if err := rows.Scan(&e.TraceID, &e.Identifier, &e.Endpoint, &e.Outcome, &e.Model, &e.Provider,
			&e.CacheKey, &e.TokensUsed, &e.CostUSD, &e.LatencyMS, &e.FailedOpen, &e.ErrorMessage, &createdAt); err != nil {
			return ListResult{}, fmt.Errorf("scan request log: %w", err)
		}
		e.CreatedAt = sqldb.FromMicros(createdAt)
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate request logs: %w", err)
	}
	return result, nil
}

// Delete removes entries matching q and returns how many were removed. An
// empty query is rejected so a typo cannot wipe the table.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	var (
		clauses []string
		args    []any
	)
	if q.Before != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, sqldb.Micros(*q.Before))
	}
	if q.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if len(clauses) == 0 {
		return 0, fmt.Errorf("delete request logs: at least one filter is required")
	}
	res, err := w.db.ExecContext(ctx, w.db.Bind(`DELETE FROM request_logs WHERE `+strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return n, nil
}

func (w *SQLWriter) Close() error {
	if w == nil {
		return nil
	}
	return w.db.Close()
}
