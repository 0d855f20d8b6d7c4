// Package sqldb opens the SQLite and Postgres handles shared by the SQL-backed
// stores and rewrites `?` placeholders for the Postgres driver.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend behind a DB.
type Dialect string

// Supported dialects.
const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DB is a *sql.DB that remembers which dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// OpenSQLite opens a SQLite database. dsn can be a file path or a SQLite DSN;
// fallback is used when dsn is blank.
//
// Transactions begin IMMEDIATE so a read-then-write never needs a lock
// upgrade, and every connection waits on busy_timeout for other handles on
// the same file (another store, the request log or a CLI process). File
// databases run in WAL mode. The pool is capped at one connection.
func OpenSQLite(dsn, fallback string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = fallback
	}
	db, err := sql.Open("sqlite", SQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &DB{DB: db, Dialect: SQLite}
	if err := d.ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// SQLiteDSN adds the driver parameters OpenSQLite relies on to dsn, leaving
// any the caller already set.
func SQLiteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	inMemory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.HasPrefix(dsn, "file::memory:")
	if !inMemory && !strings.Contains(dsn, "journal_mode") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// OpenPostgres opens a Postgres database.
func OpenPostgres(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	d := &DB{DB: db, Dialect: Postgres}
	if err := d.ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", d.Dialect, err)
	}
	return nil
}

// Migrate runs the DDL matching the dialect.
func (d *DB) Migrate(sqliteDDL, postgresDDL string) error {
	ddl := sqliteDDL
	if d.Dialect == Postgres {
		ddl = postgresDDL
	}
	if _, err := d.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s schema: %w", d.Dialect, err)
	}
	return nil
}

// Bind rewrites `?` placeholders to `$n` for Postgres. Queries must not carry
// literal question marks.
func (d *DB) Bind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Greatest returns the dialect's two-argument maximum function name.
func (d *DB) Greatest() string {
	if d.Dialect == Postgres {
		return "GREATEST"
	}
	return "MAX"
}

// Micros converts t to the integer microsecond timestamps stored in every table.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// FromMicros converts a stored timestamp back to UTC.
func FromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// NullMicros converts a nullable stored timestamp.
func NullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMicros(v.Int64)
	return &t
}

// Close closes the handle; it is safe on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
