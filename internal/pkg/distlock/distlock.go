// Package distlock provides short-lived mutual exclusion for work that may be
// picked up by more than one worker, such as firing a due retry.
package distlock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations must be safe for use from a single goroutine;
// concurrent use across goroutines requires separate lock instances.
type DistLock interface {
	// Acquire tries to acquire the lock. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Factory hands out lock instances bound to a key.
type Factory interface {
	NewLock(key string, ttl time.Duration) DistLock
}

// NewFactory returns a Redis-backed factory when a client is available and an
// in-process one otherwise. The in-process variant only excludes goroutines in
// the same binary, which matches the memory store it is paired with.
func NewFactory(client redis.UniversalClient, prefix string) Factory {
	if client != nil {
		return &RedisFactory{client: client, prefix: prefix}
	}
	return NewLocalFactory()
}

// RedisFactory creates RedisLock instances under a shared key prefix.
type RedisFactory struct {
	client redis.UniversalClient
	prefix string
}

func (f *RedisFactory) NewLock(key string, ttl time.Duration) DistLock {
	if f.prefix != "" {
		key = f.prefix + ":" + key
	}
	return NewRedisLock(f.client, key, ttl)
}

// LocalFactory implements Factory with a process-local lock table.
type LocalFactory struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
	seq  uint64
}

type localHold struct {
	owner   uint64
	expires time.Time
}

func NewLocalFactory() *LocalFactory {
	return &LocalFactory{held: make(map[string]localHold), now: time.Now}
}

func (f *LocalFactory) NewLock(key string, ttl time.Duration) DistLock {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.mu.Unlock()
	return &localLock{f: f, key: key, ttl: ttl, owner: id}
}

type localLock struct {
	f     *LocalFactory
	key   string
	ttl   time.Duration
	owner uint64
}

func (l *localLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	now := l.f.now()
	if h, ok := l.f.held[l.key]; ok && now.Before(h.expires) && h.owner != l.owner {
		return false, nil
	}
	l.f.held[l.key] = localHold{owner: l.owner, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *localLock) Release(ctx context.Context) error {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	if h, ok := l.f.held[l.key]; ok && h.owner == l.owner {
		delete(l.f.held, l.key)
	}
	return nil
}
