package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := cache.Set(ctx, "key1", []byte("value1"), time.Minute); err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Second)
		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Second)
		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("NoTTLNeverExpires", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "pinned", []byte("v"), 0)
		clock = clock.Add(24 * time.Hour)
		if val, _ := c.Get(ctx, "pinned"); val == nil {
			t.Error("expected entry without TTL to survive")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b'
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	l1 := NewLRUCache(10)
	l2 := NewLRUCache(10)
	c := NewTwoPhaseCache(l1, l2, time.Minute)

	t.Run("SetWritesBoth", func(t *testing.T) {
		_ = c.Set(ctx, "k", []byte("v"), time.Hour)

		if val, _ := l1.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected L1 to hold 'v', got '%s'", val)
		}
		if val, _ := l2.Get(ctx, "k"); string(val) != "v" {
			t.Errorf("expected L2 to hold 'v', got '%s'", val)
		}
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		_ = l2.Set(ctx, "remote-only", []byte("r"), time.Hour)

		val, err := c.Get(ctx, "remote-only")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got '%s'", val)
		}
		if val, _ := l1.Get(ctx, "remote-only"); val == nil {
			t.Error("expected L1 to be populated after L2 hit")
		}
	})

	t.Run("DeleteBoth", func(t *testing.T) {
		_ = c.Set(ctx, "gone", []byte("x"), time.Hour)
		_ = c.Delete(ctx, "gone")

		if val, _ := c.Get(ctx, "gone"); val != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)

	in := &domain.Decision{TransactionID: "tx-1", Action: domain.ActionReview, AdjustedScore: "0.6"}
	if err := SetJSON(ctx, c, "decision:tx-1", in, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	out, err := GetJSON[domain.Decision](ctx, c, "decision:tx-1")
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out == nil || out.AdjustedScore != "0.6" || out.Action != domain.ActionReview {
		t.Errorf("unexpected decoded decision: %+v", out)
	}

	miss, err := GetJSON[domain.Decision](ctx, c, "decision:missing")
	if err != nil || miss != nil {
		t.Errorf("expected nil, nil on miss, got %v, %v", miss, err)
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100}, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("RedisWithoutClient", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "redis"}, nil); err == nil {
			t.Error("expected error without redis client")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}, nil); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
