package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"traffic-prism/internal/client"
	"traffic-prism/internal/util"
)

const (
	sessionEntryPrefix     = "session_entry:"
	sessionTombstonePrefix = "session_tombstone:"
	sessionIndexKey        = "session_index"
)

// KEYS: entry, tombstone, index. ARGV: hostname, last_seen ms, id, entry ttl ms.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
local prev = redis.call('HGET', KEYS[1], 'last_seen')
if (not prev) or tonumber(prev) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
if ARGV[1] ~= '' then
  redis.call('HSETNX', KEYS[1], 'hostname', ARGV[1])
end
redis.call('HSETNX', KEYS[1], 'state', 'tracked')
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// KEYS: entry, tombstone, index. ARGV: id, tombstone ttl ms.
var removeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
else
  redis.call('SET', KEYS[2], '1')
end
return 1
`)

// KEYS: entry, index. ARGV: id, cutoff ms.
var expireScript = redis.NewScript(`
local seen = redis.call('HGET', KEYS[1], 'last_seen')
if seen and tonumber(seen) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS: entry. ARGV: state.
var setStateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1])
return 1
`)

// Redis is a registry shared by every instance through one Redis server,
// so termination on one instance is visible to all of them.
type Redis struct {
	client       *client.RedisClient
	prefix       string
	entryTTL     time.Duration
	tombstoneTTL time.Duration
}

// NewRedis creates a Redis-backed registry. entryTTL bounds how long an
// entry survives if no instance is left to sweep it.
func NewRedis(c *client.RedisClient, prefix string, entryTTL, tombstoneTTL time.Duration) *Redis {
	return &Redis{
		client:       c,
		prefix:       prefix,
		entryTTL:     entryTTL,
		tombstoneTTL: tombstoneTTL,
	}
}

func (r *Redis) entryKey(id string) string     { return r.prefix + sessionEntryPrefix + id }
func (r *Redis) tombstoneKey(id string) string { return r.prefix + sessionTombstonePrefix + id }
func (r *Redis) indexKey() string              { return r.prefix + sessionIndexKey }

func (r *Redis) Touch(ctx context.Context, sessionID, hostname string, at time.Time) (bool, error) {
	keys := []string{r.entryKey(sessionID), r.tombstoneKey(sessionID), r.indexKey()}
	res, err := touchScript.Run(ctx, r.client.Client, keys,
		hostname, at.UnixMilli(), sessionID, r.entryTTL.Milliseconds()).Int()
	if err != nil {
		util.Error("Failed to touch session", zap.String("session_id", sessionID), zap.Error(err))
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Get(ctx context.Context, sessionID string) (Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(sessionID))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to get session entry: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return entryFromHash(sessionID, fields), nil
}

func (r *Redis) SetState(ctx context.Context, sessionID string, state State) error {
	res, err := setStateScript.Run(ctx, r.client.Client, []string{r.entryKey(sessionID)}, string(state)).Int()
	if err != nil {
		return fmt.Errorf("failed to set session state: %w", err)
	}
	if res == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, sessionID string) (bool, error) {
	keys := []string{r.entryKey(sessionID), r.tombstoneKey(sessionID), r.indexKey()}
	res, err := removeScript.Run(ctx, r.client.Client, keys, sessionID, r.tombstoneTTL.Milliseconds()).Int()
	if err != nil {
		util.Error("Failed to remove session", zap.String("session_id", sessionID), zap.Error(err))
		return false, fmt.Errorf("failed to remove session: %w", err)
	}
	return res == 1, nil
}

func (r *Redis) Expire(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.client.Client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan session index: %w", err)
	}

	var expired []string
	for _, id := range ids {
		res, err := expireScript.Run(ctx, r.client.Client,
			[]string{r.entryKey(id), r.indexKey()}, id, cutoff.UnixMilli()).Int()
		if err != nil {
			return expired, fmt.Errorf("failed to expire session %s: %w", id, err)
		}
		if res == 1 {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (r *Redis) List(ctx context.Context) ([]Entry, error) {
	ids, err := r.client.Client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.entryKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load session entries: %w", err)
	}

	out := make([]Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, entryFromHash(ids[i], fields))
	}
	return out, nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.Client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(n), nil
}

func entryFromHash(id string, fields map[string]string) Entry {
	e := Entry{
		SessionID: id,
		Hostname:  fields["hostname"],
		State:     State(fields["state"]),
	}
	if ms, err := strconv.ParseInt(fields["last_seen"], 10, 64); err == nil {
		e.LastSeen = time.UnixMilli(ms).UTC()
	}
	if e.State == "" {
		e.State = StateTracked
	}
	return e
}
