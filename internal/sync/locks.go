package sync

import (
	stdsync "sync"

	"github.com/cespare/xxhash/v2"
)

// shardedLocks is a fixed arena of mutexes keyed by a hash of the
// memory id. Holding the shard lock for the full duration of a sync
// guarantees exactly one in-flight sync per id; the shard count bounds
// memory instead of growing a lock per key.
type shardedLocks struct {
	shards []stdsync.Mutex
}

func newShardedLocks(shards int) *shardedLocks {
	if shards <= 0 {
		shards = 64
	}
	return &shardedLocks{shards: make([]stdsync.Mutex, shards)}
}

func (l *shardedLocks) shard(id string) *stdsync.Mutex {
	return &l.shards[xxhash.Sum64String(id)%uint64(len(l.shards))]
}

// Lock acquires the shard for an id and returns its unlock func.
func (l *shardedLocks) Lock(id string) func() {
	mu := l.shard(id)
	mu.Lock()
	return mu.Unlock
}
