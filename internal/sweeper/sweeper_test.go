package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCache struct {
	calls atomic.Int32
	at    time.Time
	n     int64
	err   error
}

func (f *fakeCache) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	f.calls.Add(1)
	f.at = now
	return f.n, f.err
}

type fakePruner struct {
	cutoff time.Time
	calls  int
	n      int64
}

func (f *fakePruner) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	f.cutoff = cutoff
	return f.n, nil
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &fakeCache{n: 3}
	p := &fakePruner{n: 2}

	s, err := New(c, p, Config{Retention: 24 * time.Hour}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.now = func() time.Time { return now }

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.SweptEntries != 3 || res.PrunedWindows != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !c.at.Equal(now) {
		t.Fatalf("sweep time = %v, want %v", c.at, now)
	}
	if want := now.Add(-24 * time.Hour); !p.cutoff.Equal(want) {
		t.Fatalf("prune cutoff = %v, want %v", p.cutoff, want)
	}
}

func TestRunOnce_PruningDisabled(t *testing.T) {
	p := &fakePruner{}
	s, err := New(nil, p, Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if p.calls != 0 {
		t.Fatalf("pruner called %d times with zero retention", p.calls)
	}
}

func TestRunOnce_ContinuesAfterCacheError(t *testing.T) {
	boom := errors.New("disk full")
	p := &fakePruner{n: 1}
	s, err := New(&fakeCache{err: boom}, p, Config{Retention: time.Hour}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := s.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined cache error, got %v", err)
	}
	if p.calls != 1 || res.PrunedWindows != 1 {
		t.Fatalf("pruning skipped after cache error: %+v", res)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	if _, err := New(nil, nil, Config{Schedule: "every tuesday"}, nil); err == nil {
		t.Fatal("expected invalid schedule error")
	}
	if _, err := New(nil, nil, Config{Retention: -time.Second}, nil); err == nil {
		t.Fatal("expected negative retention error")
	}
}

func TestStartStop(t *testing.T) {
	c := &fakeCache{}
	s, err := New(c, nil, Config{Schedule: "@every 1s"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for c.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	if c.calls.Load() == 0 {
		t.Fatal("scheduled job never ran")
	}
}
