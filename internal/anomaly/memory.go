package anomaly

import (
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/syncutil"
)

const memoryShards = 256

type counter struct {
	count       int64
	lastUpdated time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// MemoryTracker keeps counters in process memory, split over fixed shards.
type MemoryTracker struct {
	shards [memoryShards]shard
	now    func() time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{now: time.Now}
	for i := range t.shards {
		t.shards[i].counters = make(map[string]*counter)
	}
	return t
}

func (t *MemoryTracker) shard(userID string) *shard {
	return &t.shards[syncutil.Shard(userID)%memoryShards]
}

// Observe applies tier to the user's counter.
func (t *MemoryTracker) Observe(_ context.Context, userID string, tier domain.RiskTier, maxAnomalies int) (Observation, error) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[userID]
	if !ok {
		c = &counter{}
		s.counters[userID] = c
	}

	prev := c.count
	reached, stored, escalated := step(prev, tier, maxAnomalies)
	c.count = stored
	c.lastUpdated = t.now()

	if stored == 0 {
		delete(s.counters, userID)
	}

	return Observation{
		UserID:    userID,
		Previous:  prev,
		Reached:   reached,
		Stored:    stored,
		Escalated: escalated,
	}, nil
}

// Revert restores obs.Previous if the counter still holds obs.Stored.
func (t *MemoryTracker) Revert(_ context.Context, obs Observation) (bool, error) {
	s := t.shard(obs.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if c, ok := s.counters[obs.UserID]; ok {
		current = c.count
	}
	if current != obs.Stored {
		return false, nil
	}

	if obs.Previous == 0 {
		delete(s.counters, obs.UserID)
		return true, nil
	}
	s.counters[obs.UserID] = &counter{count: obs.Previous, lastUpdated: t.now()}
	return true, nil
}

// Count returns the user's current consecutive count.
func (t *MemoryTracker) Count(_ context.Context, userID string) (int64, error) {
	s := t.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[userID]; ok {
		return c.count, nil
	}
	return 0, nil
}
