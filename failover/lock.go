package failover

import "sync"

// shardLocks grants at most one failover per shard at a time. Acquire
// never blocks: a contender that loses the race drops its trigger instead
// of queueing behind an in-flight operation.
type shardLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newShardLocks() *shardLocks {
	return &shardLocks{held: make(map[string]struct{})}
}

// TryAcquire claims the shard's lock and reports whether it was free.
func (l *shardLocks) TryAcquire(shardID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[shardID]; ok {
		return false
	}
	l.held[shardID] = struct{}{}
	return true
}

// Release frees the shard's lock.
func (l *shardLocks) Release(shardID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, shardID)
}

// Held returns how many shards currently run a failover.
func (l *shardLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
