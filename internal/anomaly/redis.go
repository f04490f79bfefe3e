package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// observeScript increments or resets the counter in one round trip.
// Returns {previous, reached, stored, escalated}.
var observeScript = redis.NewScript(`
	local prev = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
	local reached = 0
	local stored = 0
	local escalated = 0
	if ARGV[1] == '1' then
		reached = prev + 1
		stored = reached
		if reached >= tonumber(ARGV[2]) then
			stored = 0
			escalated = 1
		end
	end
	if stored == 0 then
		redis.call('DEL', KEYS[1])
	else
		redis.call('HSET', KEYS[1], 'count', stored, 'last_updated', ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	return {prev, reached, stored, escalated}
`)

// revertScript restores the previous value only if the counter is unchanged.
var revertScript = redis.NewScript(`
	local current = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
	if current ~= tonumber(ARGV[1]) then
		return 0
	end
	if tonumber(ARGV[2]) == 0 then
		redis.call('DEL', KEYS[1])
	else
		redis.call('HSET', KEYS[1], 'count', ARGV[2], 'last_updated', ARGV[3])
		redis.call('PEXPIRE', KEYS[1], ARGV[4])
	end
	return 1
`)

// RedisTracker keeps counters in Redis so every node sees the same streak.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker creates a tracker on an existing client.
// Counters idle for ttl are dropped.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisTracker{client: client, ttl: ttl}
}

// Observe applies tier to the user's counter atomically.
func (t *RedisTracker) Observe(ctx context.Context, userID string, tier domain.RiskTier, maxAnomalies int) (Observation, error) {
	anomalous := "0"
	if tier.Anomalous() {
		anomalous = "1"
	}

	res, err := observeScript.Run(ctx, t.client, []string{key(userID)},
		anomalous, maxAnomalies, time.Now().UnixMilli(), t.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Observation{}, fmt.Errorf("observe anomaly counter: %w", err)
	}
	if len(res) != 4 {
		return Observation{}, fmt.Errorf("observe anomaly counter: unexpected reply %v", res)
	}

	return Observation{
		UserID:    userID,
		Previous:  res[0],
		Reached:   res[1],
		Stored:    res[2],
		Escalated: res[3] == 1,
	}, nil
}

// Revert restores obs.Previous if the counter still holds obs.Stored.
func (t *RedisTracker) Revert(ctx context.Context, obs Observation) (bool, error) {
	n, err := revertScript.Run(ctx, t.client, []string{key(obs.UserID)},
		obs.Stored, obs.Previous, time.Now().UnixMilli(), t.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("revert anomaly counter: %w", err)
	}
	return n == 1, nil
}

// Count returns the user's current consecutive count.
func (t *RedisTracker) Count(ctx context.Context, userID string) (int64, error) {
	n, err := t.client.HGet(ctx, key(userID), "count").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func key(userID string) string {
	return "kestrel:anomaly:" + userID
}
