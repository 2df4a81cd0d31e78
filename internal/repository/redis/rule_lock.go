package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"traffic-prism/internal/client"
	"traffic-prism/internal/util"
)

const ruleEditLockPrefix = "rule_edit_lock:"

// releaseScript deletes the lock only while it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// RuleLock is a SETNX lock serialising rule editors across instances.
type RuleLock struct {
	client *client.RedisClient
	prefix string
}

func NewRuleLock(c *client.RedisClient, prefix string) *RuleLock {
	return &RuleLock{client: c, prefix: prefix}
}

// Acquire takes the edit lock for key. ok is false when another editor
// holds it.
func (l *RuleLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := l.prefix + ruleEditLockPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, ttl)
	if err != nil {
		util.Error("Failed to acquire rule edit lock", zap.String("key", lockKey), zap.Error(err))
		return nil, false, fmt.Errorf("failed to acquire rule edit lock: %w", err)
	}
	if !ok {
		util.Debug("Rule edit lock busy", zap.String("key", lockKey))
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.client.Eval(ctx, releaseScript, []string{lockKey}, token); err != nil {
			util.Warn("Failed to release rule edit lock", zap.String("key", lockKey), zap.Error(err))
		}
	}
	return release, true, nil
}
