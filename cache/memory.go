package cache

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"time"
)

type memoryShard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// MemoryStore is an in-process Store striped over independently locked
// shards. Operations on keys in different shards never contend.
type MemoryStore struct {
	shards []memoryShard
}

// NewMemoryStore creates a MemoryStore with the given shard count. A count
// below one defaults to four shards per CPU.
func NewMemoryStore(shards int) *MemoryStore {
	if shards < 1 {
		shards = runtime.NumCPU() * 4
	}
	s := &MemoryStore{shards: make([]memoryShard, shards)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*Entry)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(ctx context.Context, key string, now time.Time) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || !e.IsLive(now) {
		return nil, ErrMiss
	}
	e.HitCount++
	if now.After(e.LastAccessed) {
		e.LastAccessed = now
	}
	return e.Clone(), nil
}

// Peek implements Store.
func (s *MemoryStore) Peek(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	return e.Clone(), nil
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh := s.shard(e.Key)
	sh.mu.Lock()
	sh.entries[e.Key] = e.Clone()
	sh.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.entries[key]
	delete(sh.entries, key)
	return ok, nil
}

// DeleteExpired implements Store. Shards are swept one at a time.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// DeleteAll implements Store.
func (s *MemoryStore) DeleteAll(ctx context.Context) (int64, error) {
	var removed int64
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		removed += int64(len(sh.entries))
		sh.entries = make(map[string]*Entry)
		sh.mu.Unlock()
	}
	return removed, nil
}

// Aggregate implements Store.
func (s *MemoryStore) Aggregate(ctx context.Context, now time.Time) (Aggregate, error) {
	var agg Aggregate
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return Aggregate{}, err
		}
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			addToAggregate(&agg, e, now)
		}
		sh.mu.RUnlock()
	}
	return agg, nil
}

// Len returns the number of stored entries, live or expired.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func addToAggregate(agg *Aggregate, e *Entry, now time.Time) {
	agg.Entries++
	if !e.IsLive(now) {
		agg.Expired++
	}
	agg.Lookups += e.HitCount
	reuse := e.HitCount - 1
	if reuse <= 0 {
		return
	}
	agg.Hits += reuse
	if e.TokensUsed != nil {
		agg.TokensSaved += reuse * *e.TokensUsed
	}
	if e.CostUSD != nil {
		agg.CostSavingsUSD += float64(reuse) * *e.CostUSD
	}
}
