// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 64

// KeyLock serializes work per string key over a fixed pool of shards.
// Distinct keys may share a shard, so holders must not nest locks.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with n shards. n <= 0 uses a default.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = defaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until key's shard is free or ctx is done. The returned func
// releases the shard and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.shards[k.index(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
