package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buyer-fit/internal/config"
	"github.com/sells-group/buyer-fit/internal/model"
)

const (
	keyPrefix    = "buyerfit:ratelimit:"
	providersKey = keyPrefix + "providers"
)

// Each provider is one hash: concurrent, busy_since (unix ms), backoff_until
// (unix ms) and gen.

var acquireScript = redis.NewScript(`
redis.call('SADD', KEYS[2], ARGV[3])
local cur = tonumber(redis.call('HGET', KEYS[1], 'concurrent') or '0')
local gen = tonumber(redis.call('HGET', KEYS[1], 'gen') or '0')
if cur >= tonumber(ARGV[1]) then
	return {0, gen}
end
if cur == 0 then
	redis.call('HSET', KEYS[1], 'busy_since', ARGV[2])
end
redis.call('HSET', KEYS[1], 'concurrent', cur + 1)
return {1, gen}
`)

var releaseScript = redis.NewScript(`
local gen = tonumber(redis.call('HGET', KEYS[1], 'gen') or '0')
if gen ~= tonumber(ARGV[1]) then
	return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'concurrent') or '0')
if cur <= 0 then
	return 0
end
cur = cur - 1
redis.call('HSET', KEYS[1], 'concurrent', cur)
if cur == 0 then
	redis.call('HSET', KEYS[1], 'busy_since', 0)
end
return 1
`)

var backoffScript = redis.NewScript(`
redis.call('SADD', KEYS[2], ARGV[2])
local cur = tonumber(redis.call('HGET', KEYS[1], 'backoff_until') or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('HSET', KEYS[1], 'backoff_until', ARGV[1])
end
return 1
`)

var resetScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'concurrent') or '0')
local since = tonumber(redis.call('HGET', KEYS[1], 'busy_since') or '0')
if cur > 0 and since < tonumber(ARGV[1]) then
	redis.call('HSET', KEYS[1], 'concurrent', 0)
	redis.call('HSET', KEYS[1], 'busy_since', 0)
	redis.call('HINCRBY', KEYS[1], 'gen', 1)
	return 1
end
return 0
`)

// RedisBackend keeps counters in Redis so every worker process shares them.
// Each mutation is a single Lua script and therefore atomic.
type RedisBackend struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb, now: time.Now}
}

// NewRedisClient opens a client from config and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrapf(err, "ratelimit: ping redis %s", cfg.Addr)
	}
	return rdb, nil
}

func providerKey(provider string) string {
	return keyPrefix + "p:" + provider
}

// Acquire takes a slot without blocking.
func (r *RedisBackend) Acquire(ctx context.Context, provider string, max int) (Slot, bool, error) {
	res, err := acquireScript.Run(ctx, r.rdb,
		[]string{providerKey(provider), providersKey},
		max, r.now().UnixMilli(), provider,
	).Int64Slice()
	if err != nil {
		return Slot{}, false, eris.Wrapf(err, "ratelimit: acquire %s", provider)
	}
	if len(res) != 2 {
		return Slot{}, false, eris.Errorf("ratelimit: acquire %s: unexpected reply %v", provider, res)
	}
	return Slot{Provider: provider, Gen: res[1]}, res[0] == 1, nil
}

// Release returns a slot. Slots from before a stale reset are ignored.
func (r *RedisBackend) Release(ctx context.Context, slot Slot) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{providerKey(slot.Provider)}, slot.Gen).Err(); err != nil {
		return eris.Wrapf(err, "ratelimit: release %s", slot.Provider)
	}
	return nil
}

// SetBackoff extends the provider's backoff window.
func (r *RedisBackend) SetBackoff(ctx context.Context, provider string, until time.Time) error {
	err := backoffScript.Run(ctx, r.rdb,
		[]string{providerKey(provider), providersKey},
		until.UnixMilli(), provider,
	).Err()
	if err != nil {
		return eris.Wrapf(err, "ratelimit: set backoff %s", provider)
	}
	return nil
}

// State reports the provider's counters.
func (r *RedisBackend) State(ctx context.Context, provider string) (model.RateLimitState, error) {
	st := model.RateLimitState{Provider: provider}
	vals, err := r.rdb.HGetAll(ctx, providerKey(provider)).Result()
	if err != nil {
		return st, eris.Wrapf(err, "ratelimit: state %s", provider)
	}
	st.ConcurrentRequests = int(parseInt(vals["concurrent"]))
	st.BusySince = fromMillis(parseInt(vals["busy_since"]))
	st.BackoffUntil = fromMillis(parseInt(vals["backoff_until"]))
	return st, nil
}

// ResetStale zeroes counters busy since before now-threshold.
func (r *RedisBackend) ResetStale(ctx context.Context, threshold time.Duration) (int, error) {
	providers, err := r.rdb.SMembers(ctx, providersKey).Result()
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: list providers")
	}
	cutoff := r.now().Add(-threshold).UnixMilli()
	n := 0
	for _, p := range providers {
		reset, err := resetScript.Run(ctx, r.rdb, []string{providerKey(p)}, cutoff).Int()
		if err != nil {
			return n, eris.Wrapf(err, "ratelimit: reset %s", p)
		}
		if reset == 1 {
			zap.L().Warn("ratelimit: resetting stale counter", zap.String("provider", p))
			n++
		}
	}
	return n, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
