// Package ratelimit admits or rejects requests per (identifier, endpoint)
// against a fixed-window quota.
//
// A window opens on the first admitted request at time now and lasts until
// ResetAt = now + window. Within a live window the first limit requests are
// admitted and the rest are rejected with the window's ResetAt. The first
// request at or after ResetAt opens a new window; old windows are never
// modified and remain available through [Limiter.History].
//
// Fixed windows allow up to 2×limit requests across a boundary. That burst is
// accepted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNoWindow is returned by CurrentUsage when no window is live.
	ErrNoWindow = errors.New("no live rate limit window")
	// ErrInvalidPolicy is returned for limit < 1 or a non-positive window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	// ErrInvalidKey is returned for a blank identifier or endpoint.
	ErrInvalidKey = errors.New("invalid rate limit key")
	// ErrStorage matches every *StorageError via errors.Is.
	ErrStorage = errors.New("rate limit storage failure")
)

// StorageError reports that the window store could not be read or written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ratelimit %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Window is one fixed window for an (identifier, endpoint) pair.
type Window struct {
	Identifier  string    `json:"identifier"`
	Endpoint    string    `json:"endpoint"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
	Count       int64     `json:"request_count"`
	// Limit is the quota in force when the window opened.
	Limit     int64     `json:"request_limit"`
	CreatedAt time.Time `json:"created_at"`
}

// IsLive reports whether the window still counts requests at now.
func (w Window) IsLive(now time.Time) bool {
	return w.ResetAt.After(now)
}

// Decision is the outcome of Admit.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Count      int64         `json:"count"`
	Limit      int64         `json:"limit"`
	Remaining  int64         `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	// FailedOpen is set when the request was admitted only because the store
	// failed and the limiter is configured to fail open.
	FailedOpen bool `json:"failed_open,omitempty"`
}

// Usage describes the live window for a key.
type Usage struct {
	Count       int64     `json:"count"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// Store persists windows. Increment must be atomic per (identifier, endpoint).
type Store interface {
	// Increment counts one request against the live window, opening a new
	// window at now when none is live. It returns the window as it stands
	// after the attempt and whether the request was admitted.
	Increment(ctx context.Context, identifier, endpoint string, now time.Time, limit int64, window time.Duration) (Window, bool, error)
	// Current returns the live window at now, or ErrNoWindow.
	Current(ctx context.Context, identifier, endpoint string, now time.Time) (*Window, error)
	// History returns up to limit windows, newest first.
	History(ctx context.Context, identifier, endpoint string, limit int) ([]Window, error)
	// Prune deletes windows whose ResetAt is before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Options configures a Limiter.
type Options struct {
	// FailOpen admits requests when the store fails. The default is to fail
	// closed.
	FailOpen bool
	Logger   *slog.Logger
}

// Limiter is the RateLimiter front end over a Store.
type Limiter struct {
	store    Store
	failOpen bool
	logger   *slog.Logger
}

// New creates a Limiter over store. Unless opts.FailOpen is set the limiter
// fails closed: a store error rejects the request.
func New(store Store, opts Options) *Limiter {
	l := &Limiter{store: store, failOpen: opts.FailOpen, logger: opts.Logger}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// FailOpen reports the configured failure policy.
func (l *Limiter) FailOpen() bool { return l.failOpen }

func checkKey(identifier, endpoint string) error {
	if strings.TrimSpace(identifier) == "" || strings.TrimSpace(endpoint) == "" {
		return ErrInvalidKey
	}
	return nil
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Admit counts one request for (identifier, endpoint) at now against limit
// requests per window.
//
// A rejection is a Decision with Allowed false and a nil error. When the store
// fails Admit returns a *StorageError together with a Decision whose Allowed
// field reflects the failure policy.
func (l *Limiter) Admit(ctx context.Context, identifier, endpoint string, now time.Time, limit int64, window time.Duration) (Decision, error) {
	if err := checkKey(identifier, endpoint); err != nil {
		return Decision{}, err
	}
	if err := (Policy{Limit: limit, Window: window}).Validate(); err != nil {
		return Decision{}, err
	}
	now = normalizeTime(now)
	window = window.Truncate(time.Microsecond)

	if err := ctx.Err(); err != nil {
		return l.failed(ctx, identifier, endpoint, limit, err)
	}
	w, admitted, err := l.store.Increment(ctx, identifier, endpoint, now, limit, window)
	if err != nil {
		return l.failed(ctx, identifier, endpoint, limit, err)
	}

	d := Decision{
		Allowed:   admitted,
		Count:     w.Count,
		Limit:     limit,
		Remaining: max(limit-w.Count, 0),
		ResetAt:   w.ResetAt,
	}
	if !admitted {
		d.RetryAfter = w.ResetAt.Sub(now)
	}
	return d, nil
}

// AdmitPolicy is Admit with the quota taken from p.
func (l *Limiter) AdmitPolicy(ctx context.Context, identifier, endpoint string, now time.Time, p Policy) (Decision, error) {
	return l.Admit(ctx, identifier, endpoint, now, p.Limit, p.Window)
}

func (l *Limiter) failed(ctx context.Context, identifier, endpoint string, limit int64, err error) (Decision, error) {
	l.logger.WarnContext(ctx, "rate limit storage failure",
		"identifier", identifier,
		"endpoint", endpoint,
		"fail_open", l.failOpen,
		"error", err,
	)
	return Decision{
		Allowed:    l.failOpen,
		Limit:      limit,
		FailedOpen: l.failOpen,
	}, &StorageError{Op: "admit", Err: err}
}

// CurrentUsage reports the live window for (identifier, endpoint) at now. It
// returns ErrNoWindow when no window is live and never changes state.
func (l *Limiter) CurrentUsage(ctx context.Context, identifier, endpoint string, now time.Time) (*Usage, error) {
	if err := checkKey(identifier, endpoint); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "usage", Err: err}
	}
	w, err := l.store.Current(ctx, identifier, endpoint, normalizeTime(now))
	if errors.Is(err, ErrNoWindow) {
		return nil, ErrNoWindow
	}
	if err != nil {
		return nil, &StorageError{Op: "usage", Err: err}
	}
	return &Usage{
		Count:       w.Count,
		Limit:       w.Limit,
		Remaining:   max(w.Limit-w.Count, 0),
		WindowStart: w.WindowStart,
		ResetAt:     w.ResetAt,
	}, nil
}

// History returns up to limit past and present windows for (identifier,
// endpoint), newest first. A limit below one returns every window.
func (l *Limiter) History(ctx context.Context, identifier, endpoint string, limit int) ([]Window, error) {
	if err := checkKey(identifier, endpoint); err != nil {
		return nil, err
	}
	ws, err := l.store.History(ctx, identifier, endpoint, limit)
	if err != nil {
		return nil, &StorageError{Op: "history", Err: err}
	}
	return ws, nil
}

// PruneBefore deletes windows that reset before cutoff.
func (l *Limiter) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := l.store.Prune(ctx, normalizeTime(cutoff))
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}
	if n > 0 {
		l.logger.DebugContext(ctx, "pruned rate limit windows", "removed", n)
	}
	return n, nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
