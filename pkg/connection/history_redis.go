package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisHistory stores connection history in Redis so separate processes
// sharing one provider account respect each other's disconnects and quota
// errors. Timestamps are unix milliseconds.
type RedisHistory struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisHistory creates a store under key prefix. Entries expire after ttl;
// zero keeps them for an hour, which outlives every cooldown.
func NewRedisHistory(client redis.Cmdable, prefix string, ttl time.Duration) *RedisHistory {
	if prefix == "" {
		prefix = "vai-voice"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisHistory{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisHistory) disconnectKey() string { return r.prefix + ":last_disconnect" }
func (r *RedisHistory) quotaKey() string      { return r.prefix + ":last_quota_error" }

// Load implements HistoryStore.
func (r *RedisHistory) Load(ctx context.Context) (History, error) {
	vals, err := r.client.MGet(ctx, r.disconnectKey(), r.quotaKey()).Result()
	if err != nil {
		return History{}, fmt.Errorf("load connection history: %w", err)
	}
	var h History
	if len(vals) == 2 {
		h.LastDisconnect = parseMillis(vals[0])
		h.LastQuotaError = parseMillis(vals[1])
	}
	return h, nil
}

// RecordDisconnect implements HistoryStore.
func (r *RedisHistory) RecordDisconnect(ctx context.Context, at time.Time) error {
	return r.setNewer(ctx, r.disconnectKey(), at)
}

// RecordQuotaError implements HistoryStore.
func (r *RedisHistory) RecordQuotaError(ctx context.Context, at time.Time) error {
	return r.setNewer(ctx, r.quotaKey(), at)
}

// ClearQuotaError implements HistoryStore.
func (r *RedisHistory) ClearQuotaError(ctx context.Context) error {
	if err := r.client.Del(ctx, r.quotaKey()).Err(); err != nil {
		return fmt.Errorf("clear quota error: %w", err)
	}
	return nil
}

// setNewerScript writes ARGV[1] only if it is newer than the stored value.
var setNewerScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local val = tonumber(ARGV[1])
if val > cur then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

func (r *RedisHistory) setNewer(ctx context.Context, key string, at time.Time) error {
	err := setNewerScript.Run(ctx, r.client, []string{key}, at.UnixMilli(), r.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func parseMillis(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
