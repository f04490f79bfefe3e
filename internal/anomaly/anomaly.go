// Package anomaly tracks consecutive non-LOW transactions per user and decides
// when a user must be escalated to a forced block.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Observation is the outcome of one counter update.
type Observation struct {
	UserID string `json:"userId"`

	// Previous is the stored count before the update.
	Previous int64 `json:"previous"`

	// Reached is the count the update produced before any escalation reset.
	Reached int64 `json:"reached"`

	// Stored is the count left in the store after the update.
	Stored int64 `json:"stored"`

	Escalated bool `json:"escalated"`
}

// Tracker is a per-user consecutive-anomaly counter.
// Observe is linearizable per user. Revert undoes an Observation only if no
// later update touched the counter.
type Tracker interface {
	Observe(ctx context.Context, userID string, tier domain.RiskTier, maxAnomalies int) (Observation, error)
	Revert(ctx context.Context, obs Observation) (bool, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// New builds the tracker for the configured backend. client is only used for "redis".
func New(backend string, client *redis.Client, ttl time.Duration) (Tracker, error) {
	switch backend {
	case "", "memory":
		return NewMemoryTracker(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis anomaly tracker requires a client")
		}
		return NewRedisTracker(client, ttl), nil
	default:
		return nil, fmt.Errorf("unsupported anomaly backend: %s", backend)
	}
}

// step applies one tier to a count.
func step(prev int64, tier domain.RiskTier, maxAnomalies int) (reached, stored int64, escalated bool) {
	if !tier.Anomalous() {
		return 0, 0, false
	}
	reached = prev + 1
	if reached >= int64(maxAnomalies) {
		return reached, 0, true
	}
	return reached, reached, false
}
