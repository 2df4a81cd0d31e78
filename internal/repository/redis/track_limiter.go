package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"traffic-prism/internal/client"
	"traffic-prism/internal/util"
)

const trackRateLimitPrefix = "track_rate_limit:"

// incrScript bumps the window counter and starts its expiry on first hit.
const incrScript = `
local n = redis.call("INCR", KEYS[1])
if n == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`

// TrackLimiter caps tracking requests per client address in fixed windows
// shared by every instance.
type TrackLimiter struct {
	client *client.RedisClient
	prefix string
	limit  int
	window time.Duration
}

func NewTrackLimiter(c *client.RedisClient, prefix string, limit int, window time.Duration) *TrackLimiter {
	return &TrackLimiter{client: c, prefix: prefix, limit: limit, window: window}
}

// Allow counts one request for key and reports whether it is within the
// limit of the current window.
func (l *TrackLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("%s%s%s:%d", l.prefix, trackRateLimitPrefix, key, bucket)

	res, err := l.client.Eval(ctx, incrScript, []string{redisKey}, l.window.Milliseconds())
	if err != nil {
		util.Error("Failed to increment track rate counter", zap.String("key", redisKey), zap.Error(err))
		return true, fmt.Errorf("failed to increment track rate counter: %w", err)
	}

	count, ok := res.(int64)
	if !ok {
		return true, fmt.Errorf("unexpected rate counter reply %T", res)
	}
	if int(count) > l.limit {
		util.Debug("Track rate limit exceeded", zap.String("key", key), zap.Int64("count", count))
		return false, nil
	}
	return true, nil
}
