package dialqueue

import (
	"context"
	"sync"
	"time"

	"dialcore/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Lease guards a claim across process boundaries. In a single-process
// deployment the campaign mutex alone is sufficient; with multiple API
// processes sharing one queue, the lease is what keeps a claim exclusive.
type Lease interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// RedisLease implements Lease on redis with owner-tagged Lua scripts.
type RedisLease struct {
	rdb *redis.Client
}

func NewRedisLease(rdb *redis.Client) *RedisLease { return &RedisLease{rdb: rdb} }

func (l *RedisLease) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return utils.AcquireLease(ctx, l.rdb, "dialqueue:claim:"+key, owner, ttl)
}

func (l *RedisLease) Release(ctx context.Context, key, owner string) error {
	return utils.ReleaseLease(ctx, l.rdb, "dialqueue:claim:"+key, owner)
}

// MemoryLease is an in-process Lease for tests and local development.
type MemoryLease struct {
	mu    sync.Mutex
	held  map[string]leaseHolder
	clock func() time.Time
}

type leaseHolder struct {
	owner   string
	expires time.Time
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: make(map[string]leaseHolder), clock: time.Now}
}

func (l *MemoryLease) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if h, ok := l.held[key]; ok && h.owner != owner && now.Before(h.expires) {
		return false, nil
	}
	l.held[key] = leaseHolder{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLease) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && h.owner == owner {
		delete(l.held, key)
	}
	return nil
}
