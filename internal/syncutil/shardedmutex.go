// Package syncutil holds small locking helpers shared by the engine.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed pool of mutexes addressed by string key.
// Memory stays bounded however many users are seen; unrelated keys that
// land on the same shard serialize with each other.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[Shard(key)]
	mu.Lock()
	return mu.Unlock
}

// Shard returns the shard index for key.
func Shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
