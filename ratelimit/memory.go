package ratelimit

import (
	"context"
	"hash/fnv"
	"runtime"
	"sync"
	"time"
)

type seriesKey struct {
	identifier string
	endpoint   string
}

type memoryShard struct {
	mu     sync.RWMutex
	series map[seriesKey][]Window
}

// DefaultMemoryHistory is how many windows a MemoryStore keeps per key.
const DefaultMemoryHistory = 16

// MemoryStore keeps windows in process, striped over independently locked
// shards. Each key's windows are kept oldest first; the live window, if any,
// is the last element.
//
// At most maxHistory windows are kept per key; older ones are dropped on
// rollover. Keys themselves are only removed by Prune, so a long-running
// process with many distinct callers should prune on a schedule.
type MemoryStore struct {
	shards     []memoryShard
	maxHistory int
}

// NewMemoryStore creates a MemoryStore with the given shard count. A count
// below one defaults to four shards per CPU.
func NewMemoryStore(shards int) *MemoryStore {
	if shards < 1 {
		shards = runtime.NumCPU() * 4
	}
	s := &MemoryStore{shards: make([]memoryShard, shards), maxHistory: DefaultMemoryHistory}
	for i := range s.shards {
		s.shards[i].series = make(map[seriesKey][]Window)
	}
	return s
}

// WithMaxHistory sets how many windows are kept per key. n below one keeps
// only the current window.
func (s *MemoryStore) WithMaxHistory(n int) *MemoryStore {
	s.maxHistory = max(n, 1)
	return s
}

func (s *MemoryStore) shard(k seriesKey) *memoryShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.identifier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.endpoint))
	return &s.shards[h.Sum64()%uint64(len(s.shards))]
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, limit int64, window time.Duration) (Window, bool, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, false, err
	}
	k := seriesKey{identifier, endpoint}
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ws := sh.series[k]
	if n := len(ws); n > 0 && ws[n-1].IsLive(now) {
		cur := &ws[n-1]
		if cur.Count >= limit {
			return *cur, false, nil
		}
		cur.Count++
		return *cur, true, nil
	}

	w := Window{
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: now,
		ResetAt:     now.Add(window),
		Count:       1,
		Limit:       limit,
		CreatedAt:   now,
	}
	if len(ws) >= s.maxHistory {
		drop := len(ws) - s.maxHistory + 1
		ws = ws[:copy(ws, ws[drop:])]
	}
	sh.series[k] = append(ws, w)
	return w, true, nil
}

// Current implements Store.
func (s *MemoryStore) Current(ctx context.Context, identifier, endpoint string, now time.Time) (*Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := seriesKey{identifier, endpoint}
	sh := s.shard(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ws := sh.series[k]
	if n := len(ws); n > 0 && ws[n-1].IsLive(now) {
		w := ws[n-1]
		return &w, nil
	}
	return nil, ErrNoWindow
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, identifier, endpoint string, limit int) ([]Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k := seriesKey{identifier, endpoint}
	sh := s.shard(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	ws := sh.series[k]
	n := len(ws)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Window, 0, n)
	for i := len(ws) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, ws[i])
	}
	return out, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for i := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, ws := range sh.series {
			kept := ws[:0]
			for _, w := range ws {
				if w.ResetAt.Before(cutoff) {
					removed++
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(sh.series, k)
			} else {
				sh.series[k] = kept
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
