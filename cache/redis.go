package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// lookupScript performs the liveness check, the hit increment and the read in
// one atomic step. ARGV[1] is now in Unix microseconds.
var lookupScript = redis.NewScript(`
local k = KEYS[1]
if redis.call('EXISTS', k) == 0 then
	return false
end
local now = tonumber(ARGV[1])
local exp = redis.call('HGET', k, 'expires_at')
if exp and exp ~= '' and tonumber(exp) <= now then
	return false
end
redis.call('HINCRBY', k, 'hit_count', 1)
local last = tonumber(redis.call('HGET', k, 'last_accessed') or '0')
if now > last then
	redis.call('HSET', k, 'last_accessed', ARGV[1])
end
return redis.call('HGETALL', k)
`)

// sweepScript removes entries whose expiry score is at or before ARGV[1].
// KEYS[1] is the expiry index, KEYS[2] the key set; ARGV[2] is the entry key
// prefix.
var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[2] .. id)
	redis.call('SREM', KEYS[2], id)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return #ids
`)

// purgeScript removes every entry tracked in the key set.
var purgeScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[2])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1], KEYS[2])
return #ids
`)

// RedisStore keeps each entry in a Redis hash under "<prefix>entry:<key>".
// A set ("<prefix>keys") enumerates entries and a sorted set
// ("<prefix>expiry") scored by expiry drives sweeps. Scripts touch keys
// derived from the prefix, so the store expects a single-node deployment or
// a prefix wrapped in a cluster hash tag.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. prefix defaults to "aiguard:cache:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aiguard:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryPrefix() string { return s.prefix + "entry:" }

func (s *RedisStore) entryKey(key string) string { return s.entryPrefix() + key }

func (s *RedisStore) keysKey() string { return s.prefix + "keys" }

func (s *RedisStore) expiryKey() string { return s.prefix + "expiry" }

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, key string, now time.Time) (*Entry, error) {
	res, err := lookupScript.Run(ctx, s.client, []string{s.entryKey(key)}, now.UnixMicro()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("lookup cache entry: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return decodeRedisEntry(fields)
}

// Peek implements Store.
func (s *RedisStore) Peek(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrMiss
	}
	return decodeRedisEntry(fields)
}

// Upsert implements Store. The replace runs in MULTI/EXEC so a concurrent
// Lookup never observes a half-written hash.
func (s *RedisStore) Upsert(ctx context.Context, e *Entry) error {
	k := s.entryKey(e.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, encodeRedisEntry(e))
		pipe.SAdd(ctx, s.keysKey(), e.Key)
		if e.ExpiresAt != nil {
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(e.ExpiresAt.UnixMicro()), Member: e.Key})
		} else {
			pipe.ZRem(ctx, s.expiryKey(), e.Key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.entryKey(key))
		pipe.SRem(ctx, s.keysKey(), key)
		pipe.ZRem(ctx, s.expiryKey(), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete cache entry: %w", err)
	}
	return del.Val() > 0, nil
}

// DeleteExpired implements Store.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := sweepScript.Run(ctx, s.client,
		[]string{s.expiryKey(), s.keysKey()},
		now.UnixMicro(), s.entryPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("sweep cache entries: %w", err)
	}
	return n, nil
}

// DeleteAll implements Store.
func (s *RedisStore) DeleteAll(ctx context.Context) (int64, error) {
	n, err := purgeScript.Run(ctx, s.client,
		[]string{s.expiryKey(), s.keysKey()},
		s.entryPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("purge cache entries: %w", err)
	}
	return n, nil
}

// Aggregate implements Store. Entries are read in one pipeline; the result is
// a reporting snapshot rather than a transactionally consistent one.
func (s *RedisStore) Aggregate(ctx context.Context, now time.Time) (Aggregate, error) {
	ids, err := s.client.SMembers(ctx, s.keysKey()).Result()
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate cache entries: %w", err)
	}
	if len(ids) == 0 {
		return Aggregate{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.entryKey(id))
		}
		return nil
	})
	if err != nil {
		return Aggregate{}, fmt.Errorf("aggregate cache entries: %w", err)
	}

	var agg Aggregate
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeRedisEntry(fields)
		if err != nil {
			return Aggregate{}, fmt.Errorf("aggregate cache entries: %w", err)
		}
		addToAggregate(&agg, e, now)
	}
	return agg, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRedisEntry(e *Entry) map[string]any {
	fields := map[string]any{
		"cache_key":     e.Key,
		"prompt_hash":   e.PromptHash,
		"response_data": string(e.Response),
		"model_name":    e.Model,
		"hit_count":     e.HitCount,
		"last_accessed": e.LastAccessed.UnixMicro(),
		"created_at":    e.CreatedAt.UnixMicro(),
		"tokens_used":   "",
		"cost_usd":      "",
		"expires_at":    "",
	}
	if e.TokensUsed != nil {
		fields["tokens_used"] = *e.TokensUsed
	}
	if e.CostUSD != nil {
		fields["cost_usd"] = strconv.FormatFloat(*e.CostUSD, 'g', -1, 64)
	}
	if e.ExpiresAt != nil {
		fields["expires_at"] = e.ExpiresAt.UnixMicro()
	}
	return fields
}

func decodeRedisEntry(f map[string]string) (*Entry, error) {
	e := &Entry{
		Key:        f["cache_key"],
		PromptHash: f["prompt_hash"],
		Response:   []byte(f["response_data"]),
		Model:      f["model_name"],
	}
	var err error
	if e.HitCount, err = strconv.ParseInt(f["hit_count"], 10, 64); err != nil {
		return nil, fmt.Errorf("decode hit_count: %w", err)
	}
	last, err := strconv.ParseInt(f["last_accessed"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode last_accessed: %w", err)
	}
	e.LastAccessed = time.UnixMicro(last).UTC()
	created, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	e.CreatedAt = time.UnixMicro(created).UTC()

	if v := f["tokens_used"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode tokens_used: %w", err)
		}
		e.TokensUsed = &n
	}
	if v := f["cost_usd"]; v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("decode cost_usd: %w", err)
		}
		e.CostUSD = &c
	}
	if v := f["expires_at"]; v != "" {
		us, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode expires_at: %w", err)
		}
		t := time.UnixMicro(us).UTC()
		e.ExpiresAt = &t
	}
	return e, nil
}
