package anomaly

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep(t *testing.T) {
	tests := []struct {
		name      string
		prev      int64
		tier      domain.RiskTier
		max       int
		reached   int64
		stored    int64
		escalated bool
	}{
		{"low resets", 2, domain.TierLow, 3, 0, 0, false},
		{"medium increments", 0, domain.TierMedium, 3, 1, 1, false},
		{"high increments", 1, domain.TierHigh, 3, 2, 2, false},
		{"third escalates", 2, domain.TierMedium, 3, 3, 0, true},
		{"max one escalates at once", 0, domain.TierHigh, 1, 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached, stored, escalated := step(tt.prev, tt.tier, tt.max)
			assert.Equal(t, tt.reached, reached)
			assert.Equal(t, tt.stored, stored)
			assert.Equal(t, tt.escalated, escalated)
		})
	}
}

func runTrackerSuite(t *testing.T, tr Tracker, prefix string) {
	ctx := context.Background()

	t.Run("ThirdConsecutiveEscalates", func(t *testing.T) {
		user := prefix + "user-c"
		tiers := []domain.RiskTier{domain.TierMedium, domain.TierHigh, domain.TierMedium}

		var last Observation
		for i, tier := range tiers {
			obs, err := tr.Observe(ctx, user, tier, 3)
			require.NoError(t, err)
			if i < 2 {
				assert.False(t, obs.Escalated, "observation %d escalated early", i)
			}
			last = obs
		}

		assert.True(t, last.Escalated)
		assert.Equal(t, int64(3), last.Reached)

		n, err := tr.Count(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "counter must reset after escalation")
	})

	t.Run("LowResets", func(t *testing.T) {
		user := prefix + "user-low"
		_, err := tr.Observe(ctx, user, domain.TierMedium, 3)
		require.NoError(t, err)
		_, err = tr.Observe(ctx, user, domain.TierLow, 3)
		require.NoError(t, err)

		n, err := tr.Count(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("RevertRestoresPrevious", func(t *testing.T) {
		user := prefix + "user-revert"
		_, err := tr.Observe(ctx, user, domain.TierMedium, 5)
		require.NoError(t, err)

		obs, err := tr.Observe(ctx, user, domain.TierHigh, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(2), obs.Stored)

		ok, err := tr.Revert(ctx, obs)
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := tr.Count(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("RevertIsCompareAndSet", func(t *testing.T) {
		user := prefix + "user-cas"
		first, err := tr.Observe(ctx, user, domain.TierMedium, 5)
		require.NoError(t, err)
		_, err = tr.Observe(ctx, user, domain.TierMedium, 5)
		require.NoError(t, err)

		ok, err := tr.Revert(ctx, first)
		require.NoError(t, err)
		assert.False(t, ok, "revert must not clobber a later update")

		n, err := tr.Count(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("ConcurrentObserveIsLinearizable", func(t *testing.T) {
		user := prefix + "user-concurrent"
		const n = 90
		const maxAnoms = 3

		var mu sync.Mutex
		escalations := 0

		var wg sync.WaitGroup
		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				obs, err := tr.Observe(ctx, user, domain.TierMedium, maxAnoms)
				if err != nil {
					t.Errorf("observe failed: %v", err)
					return
				}
				if obs.Escalated {
					mu.Lock()
					escalations++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, n/maxAnoms, escalations)
		count, err := tr.Count(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("UsersAreIndependent", func(t *testing.T) {
		a, b := prefix+"user-a", prefix+"user-b"
		_, err := tr.Observe(ctx, a, domain.TierHigh, 5)
		require.NoError(t, err)
		_, err = tr.Observe(ctx, b, domain.TierLow, 5)
		require.NoError(t, err)

		na, _ := tr.Count(ctx, a)
		nb, _ := tr.Count(ctx, b)
		assert.Equal(t, int64(1), na)
		assert.Equal(t, int64(0), nb)
	})
}

func TestMemoryTracker(t *testing.T) {
	runTrackerSuite(t, NewMemoryTracker(), "")
}

func TestRedisTracker(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := fmt.Sprintf("test-%d-", time.Now().UnixNano())
	runTrackerSuite(t, NewRedisTracker(client, time.Minute), prefix)
}

func TestNew(t *testing.T) {
	tr, err := New("memory", nil, 0)
	require.NoError(t, err)
	assert.IsType(t, &MemoryTracker{}, tr)

	_, err = New("redis", nil, 0)
	assert.Error(t, err)

	_, err = New("etcd", nil, 0)
	assert.Error(t, err)
}
