// Package cache provides a key-addressable store for AI responses with
// TTL-based logical expiry and hit accounting.
//
// Entries are addressed by a fingerprint of (prompt, model, params); see
// [Fingerprint]. An entry is live while its ExpiresAt is nil or in the
// future. Expired entries are never returned by [Cache.Get] even when they are
// still physically stored; [Cache.SweepExpired] removes them.
//
// All durable state lives behind a [Store]. The package ships a lock-striped
// in-memory store, SQLite and Postgres stores, and a Redis store. Every store
// applies the hit increment atomically per key.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// ErrMiss is returned by Get when the key is absent or its entry expired.
	ErrMiss = errors.New("cache miss")
	// ErrInvalidKey is returned for empty or malformed key material.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("cache storage failure")
)

// StorageError reports that the backing store could not be read or written.
// It is never used for a legitimate miss.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying store or context error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Entry is a cached AI response plus its accounting fields.
type Entry struct {
	Key          string          `json:"cache_key"`
	PromptHash   string          `json:"prompt_hash"`
	Response     json.RawMessage `json:"response_data"`
	Model        string          `json:"model_name"`
	TokensUsed   *int64          `json:"tokens_used,omitempty"`
	CostUSD      *float64        `json:"cost_usd,omitempty"`
	HitCount     int64           `json:"hit_count"`
	LastAccessed time.Time       `json:"last_accessed"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// IsLive reports whether the entry is visible at now.
func (e *Entry) IsLive(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers never share store memory.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Response != nil {
		cp.Response = append(json.RawMessage(nil), e.Response...)
	}
	if e.TokensUsed != nil {
		v := *e.TokensUsed
		cp.TokensUsed = &v
	}
	if e.CostUSD != nil {
		v := *e.CostUSD
		cp.CostUSD = &v
	}
	if e.ExpiresAt != nil {
		v := *e.ExpiresAt
		cp.ExpiresAt = &v
	}
	return &cp
}

// Aggregate is the raw per-store rollup behind Stats.
type Aggregate struct {
	Entries        int64
	Expired        int64
	Lookups        int64
	Hits           int64
	TokensSaved    int64
	CostSavingsUSD float64
}

// Store is the persistence contract for the cache. Implementations must make
// Lookup's hit increment atomic per key.
type Store interface {
	// Lookup returns the live entry for key after incrementing its hit count
	// and setting LastAccessed to now. It returns ErrMiss when the key is
	// absent or expired at now.
	Lookup(ctx context.Context, key string, now time.Time) (*Entry, error)
	// Peek returns the stored entry without accounting, expired or not.
	Peek(ctx context.Context, key string) (*Entry, error)
	// Upsert creates or replaces the entry for e.Key.
	Upsert(ctx context.Context, e *Entry) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// DeleteExpired removes entries with a non-nil ExpiresAt at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteAll removes every entry.
	DeleteAll(ctx context.Context) (int64, error)
	// Aggregate rolls up accounting fields across all stored entries.
	Aggregate(ctx context.Context, now time.Time) (Aggregate, error)
	Close() error
}

// NoExpiry passed as PutParams.TTL stores an entry that never expires, even
// when the cache has a default TTL.
const NoExpiry time.Duration = -1

// PutParams is the payload for Put.
type PutParams struct {
	Key        string
	PromptHash string
	Response   json.RawMessage
	Model      string
	TokensUsed *int64
	CostUSD    *float64
	// TTL > 0 sets ExpiresAt = now + TTL. Zero falls back to the cache's
	// default TTL (none unless WithDefaultTTL was used). NoExpiry forces nil.
	TTL time.Duration
}

// Stats summarises cache effectiveness.
//
// Every stored entry starts with HitCount 1 for the lookup that missed and
// populated it, so Lookups = Σ hitCount and Hits = Σ (hitCount - 1).
type Stats struct {
	Entries        int64   `json:"entries"`
	Expired        int64   `json:"expired"`
	Lookups        int64   `json:"lookups"`
	Hits           int64   `json:"hits"`
	HitRate        float64 `json:"hit_rate"`
	TokensSaved    int64   `json:"tokens_saved"`
	CostSavingsUSD float64 `json:"cost_savings_usd"`
	// Misses and StorageErrors are counted by this process only.
	Misses        int64 `json:"misses"`
	StorageErrors int64 `json:"storage_errors"`
}

// Cache is the ResponseCache front end over a Store.
type Cache struct {
	store      Store
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger

	misses        atomic.Int64
	storageErrors atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL applies ttl to puts that do not specify one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.defaultTTL = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for storage failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// clock returns now in UTC truncated to the microsecond precision every store
// persists.
func (c *Cache) clock() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}

func (c *Cache) storageErr(ctx context.Context, op string, err error) error {
	c.storageErrors.Add(1)
	c.logger.WarnContext(ctx, "cache storage failure", "op", op, "error", err)
	return &StorageError{Op: op, Err: err}
}

// Get returns the live entry for key and records the hit. It returns ErrMiss
// for an absent or expired key and a *StorageError when the lookup failed.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return nil, c.storageErr(ctx, "get", err)
	}
	e, err := c.store.Lookup(ctx, key, c.clock())
	if errors.Is(err, ErrMiss) {
		c.misses.Add(1)
		return nil, ErrMiss
	}
	if err != nil {
		return nil, c.storageErr(ctx, "get", err)
	}
	return e, nil
}

// Peek returns the stored entry for key without touching hit accounting.
// Expired entries that have not been swept are returned as stored.
func (c *Cache) Peek(ctx context.Context, key string) (*Entry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrInvalidKey
	}
	e, err := c.store.Peek(ctx, key)
	if errors.Is(err, ErrMiss) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, c.storageErr(ctx, "peek", err)
	}
	return e, nil
}

// Put creates or replaces the entry for p.Key. The stored entry starts with
// HitCount 1 and CreatedAt = LastAccessed = now.
func (c *Cache) Put(ctx context.Context, p PutParams) (*Entry, error) {
	if strings.TrimSpace(p.Key) == "" {
		return nil, ErrInvalidKey
	}
	if err := ctx.Err(); err != nil {
		return nil, c.storageErr(ctx, "put", err)
	}

	now := c.clock()
	e := &Entry{
		Key:          p.Key,
		PromptHash:   p.PromptHash,
		Response:     p.Response,
		Model:        p.Model,
		TokensUsed:   p.TokensUsed,
		CostUSD:      p.CostUSD,
		HitCount:     1,
		LastAccessed: now,
		CreatedAt:    now,
	}
	if e.Response == nil {
		e.Response = json.RawMessage("null")
	}

	ttl := p.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	if err := c.store.Upsert(ctx, e); err != nil {
		return nil, c.storageErr(ctx, "put", err)
	}
	return e.Clone(), nil
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidKey
	}
	ok, err := c.store.Delete(ctx, key)
	if err != nil {
		return false, c.storageErr(ctx, "delete", err)
	}
	return ok, nil
}

// SweepExpired physically removes entries that expired at or before now and
// returns how many were removed. It is safe to run alongside Get and Put.
func (c *Cache) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, now.UTC())
	if err != nil {
		return 0, c.storageErr(ctx, "sweep", err)
	}
	if n > 0 {
		c.logger.DebugContext(ctx, "swept expired cache entries", "removed", n)
	}
	return n, nil
}

// Purge removes every entry.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteAll(ctx)
	if err != nil {
		return 0, c.storageErr(ctx, "purge", err)
	}
	return n, nil
}

// Stats aggregates accounting fields over every stored entry. It does not
// mutate anything.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	agg, err := c.store.Aggregate(ctx, c.clock())
	if err != nil {
		return Stats{}, c.storageErr(ctx, "stats", err)
	}
	s := Stats{
		Entries:        agg.Entries,
		Expired:        agg.Expired,
		Lookups:        agg.Lookups,
		Hits:           agg.Hits,
		TokensSaved:    agg.TokensSaved,
		CostSavingsUSD: agg.CostSavingsUSD,
		Misses:         c.misses.Load(),
		StorageErrors:  c.storageErrors.Load(),
	}
	if s.Lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Lookups)
	}
	return s, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
