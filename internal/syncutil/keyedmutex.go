// Package syncutil holds small synchronization helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// locks. Memory stays bounded however many keys are seen; two keys that hash
// to the same shard contend with each other. Waiters can give up when their
// context ends.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a KeyedMutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key, or returns ctx.Err() if ctx ends first.
// On success the caller must call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shard(key)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shards reports the shard count.
func (m *KeyedMutex) Shards() int { return len(m.shards) }

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}
