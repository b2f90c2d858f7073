package leaselock

import (
	"context"
	"sync"

	"github.com/OFFIS-RIT/pivot/pkg/logger"
)

// Locker hands out exclusive access per key. The returned function releases
// the lock and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedMutex struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are dropped once no goroutine
// holds or waits for them, so memory stays bounded by concurrent keys.
type Local struct {
	mu   sync.Mutex
	keys map[string]*keyedMutex
}

func NewLocal() *Local {
	return &Local{keys: make(map[string]*keyedMutex)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	km, ok := l.keys[key]
	if !ok {
		km = &keyedMutex{ch: make(chan struct{}, 1)}
		l.keys[key] = km
	}
	km.refs++
	l.mu.Unlock()

	select {
	case km.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, km, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, km, true) })
	}, nil
}

func (l *Local) release(key string, km *keyedMutex, held bool) {
	if held {
		<-km.ch
	}
	l.mu.Lock()
	km.refs--
	if km.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

// Leases serializes across processes. Waiters of the same process queue on a
// local mutex first so only one of them polls the database.
type Leases struct {
	client *Client
	local  *Local
	opts   Options
}

func NewLeases(client *Client, opts Options) *Leases {
	opts.Wait = true
	if opts.TokenPrefix == "" {
		opts.TokenPrefix = "node:"
	}
	return &Leases{client: client, local: NewLocal(), opts: opts}
}

func (l *Leases) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	lease, err := l.client.Acquire(ctx, key, l.opts)
	if err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn("[Lock] failed to release lease", "key", key, "err", err)
		}
		unlockLocal()
	}, nil
}
