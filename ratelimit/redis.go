package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript runs the whole fixed-window decision server side.
//
// KEYS[1] holds the window_start of the current window, KEYS[2] is the history
// list (newest first) and KEYS[3] the set of known series. ARGV: now and
// reset_at in microseconds, limit, the window hash prefix and the series id.
// It returns {admitted, window_start, reset_at, request_count, request_limit,
// created_at}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[3])
local cur = redis.call('GET', KEYS[1])
if cur then
	local wk = ARGV[4] .. cur
	local w = redis.call('HMGET', wk, 'reset_at', 'request_count', 'request_limit', 'created_at')
	if w[1] and tonumber(w[1]) > now then
		local count = tonumber(w[2])
		local admitted = 0
		if count < limit then
			count = redis.call('HINCRBY', wk, 'request_count', 1)
			admitted = 1
		end
		return {admitted, cur, w[1], count, w[3], w[4]}
	end
end
local wk = ARGV[4] .. ARGV[1]
redis.call('HSET', wk,
	'window_start', ARGV[1],
	'reset_at', ARGV[2],
	'request_count', 1,
	'request_limit', ARGV[3],
	'created_at', ARGV[1])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[5])
return {1, ARGV[1], ARGV[2], 1, ARGV[3], ARGV[1]}
`)

// pruneScript deletes windows with reset_at below ARGV[1] across every known
// series. ARGV[2] is the key prefix.
var pruneScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1])
local removed = 0
for _, sid in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local hist = ARGV[2] .. 'hist:' .. sid
	local wprefix = ARGV[2] .. 'win:' .. sid .. ':'
	for _, start in ipairs(redis.call('LRANGE', hist, 0, -1)) do
		local reset = redis.call('HGET', wprefix .. start, 'reset_at')
		if (not reset) or tonumber(reset) < cutoff then
			redis.call('DEL', wprefix .. start)
			redis.call('LREM', hist, 0, start)
			removed = removed + 1
		end
	end
	if redis.call('LLEN', hist) == 0 then
		redis.call('DEL', hist, ARGV[2] .. 'cur:' .. sid)
		redis.call('SREM', KEYS[1], sid)
	end
end
return removed
`)

// RedisStore keeps each window in its own hash. Per (identifier, endpoint)
// series it maintains a pointer to the current window and a history list.
// Scripts address keys derived from the prefix, so the store expects a
// single-node deployment or a prefix wrapped in a cluster hash tag.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. prefix defaults to "aiguard:rl:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aiguard:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// seriesID is length-prefixed so identifiers containing separators cannot
// collide with other pairs.
func seriesID(identifier, endpoint string) string {
	return strconv.Itoa(len(identifier)) + ":" + identifier + ":" + endpoint
}

func (s *RedisStore) curKey(sid string) string       { return s.prefix + "cur:" + sid }
func (s *RedisStore) histKey(sid string) string      { return s.prefix + "hist:" + sid }
func (s *RedisStore) windowPrefix(sid string) string { return s.prefix + "win:" + sid + ":" }
func (s *RedisStore) seriesKey() string              { return s.prefix + "series" }

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, limit int64, window time.Duration) (Window, bool, error) {
	sid := seriesID(identifier, endpoint)
	res, err := admitScript.Run(ctx, s.client,
		[]string{s.curKey(sid), s.histKey(sid), s.seriesKey()},
		now.UnixMicro(), now.Add(window).UnixMicro(), limit, s.windowPrefix(sid), sid,
	).Slice()
	if err != nil {
		return Window{}, false, fmt.Errorf("admit: %w", err)
	}
	if len(res) != 6 {
		return Window{}, false, fmt.Errorf("admit: unexpected reply length %d", len(res))
	}

	vals := make([]int64, len(res))
	for i, v := range res {
		n, err := replyInt(v)
		if err != nil {
			return Window{}, false, fmt.Errorf("admit: reply field %d: %w", i, err)
		}
		vals[i] = n
	}
	w := Window{
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: time.UnixMicro(vals[1]).UTC(),
		ResetAt:     time.UnixMicro(vals[2]).UTC(),
		Count:       vals[3],
		Limit:       vals[4],
		CreatedAt:   time.UnixMicro(vals[5]).UTC(),
	}
	return w, vals[0] == 1, nil
}

func replyInt(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func (s *RedisStore) readWindow(ctx context.Context, sid, identifier, endpoint, start string) (*Window, error) {
	fields, err := s.client.HGetAll(ctx, s.windowPrefix(sid)+start).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRedisWindow(identifier, endpoint, fields)
}

// Current implements Store.
func (s *RedisStore) Current(ctx context.Context, identifier, endpoint string, now time.Time) (*Window, error) {
	sid := seriesID(identifier, endpoint)
	start, err := s.client.Get(ctx, s.curKey(sid)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoWindow
	}
	if err != nil {
		return nil, fmt.Errorf("read current window: %w", err)
	}
	w, err := s.readWindow(ctx, sid, identifier, endpoint, start)
	if err != nil {
		return nil, fmt.Errorf("read current window: %w", err)
	}
	if w == nil || !w.IsLive(now) {
		return nil, ErrNoWindow
	}
	return w, nil
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, identifier, endpoint string, limit int) ([]Window, error) {
	sid := seriesID(identifier, endpoint)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	starts, err := s.client.LRange(ctx, s.histKey(sid), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	if len(starts) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(starts))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, start := range starts {
			cmds[i] = pipe.HGetAll(ctx, s.windowPrefix(sid)+start)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	out := make([]Window, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		w, err := decodeRedisWindow(identifier, endpoint, fields)
		if err != nil {
			return nil, fmt.Errorf("list windows: %w", err)
		}
		out = append(out, *w)
	}
	return out, nil
}

// Prune implements Store.
func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := pruneScript.Run(ctx, s.client, []string{s.seriesKey()}, cutoff.UnixMicro(), s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("prune windows: %w", err)
	}
	return n, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeRedisWindow(identifier, endpoint string, f map[string]string) (*Window, error) {
	parse := func(name string) (int64, error) {
		n, err := strconv.ParseInt(f[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode %s: %w", name, err)
		}
		return n, nil
	}
	start, err := parse("window_start")
	if err != nil {
		return nil, err
	}
	reset, err := parse("reset_at")
	if err != nil {
		return nil, err
	}
	count, err := parse("request_count")
	if err != nil {
		return nil, err
	}
	limit, err := parse("request_limit")
	if err != nil {
		return nil, err
	}
	created, err := parse("created_at")
	if err != nil {
		return nil, err
	}
	return &Window{
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: time.UnixMicro(start).UTC(),
		ResetAt:     time.UnixMicro(reset).UTC(),
		Count:       count,
		Limit:       limit,
		CreatedAt:   time.UnixMicro(created).UTC(),
	}, nil
}
