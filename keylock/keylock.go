// Package keylock serializes work per key. Locks are reference counted and
// dropped once no goroutine holds or waits on them.
package keylock

import (
	"context"
	"strings"
	"sync"
)

type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	ch   chan struct{}
	refs int
}

func New() *Locker {
	return &Locker{locks: make(map[string]*lockRef)}
}

// Lock blocks until key is free and returns the unlock func.
func (l *Locker) Lock(key string) func() {
	unlock, _ := l.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock with cancellation. On error the lock is not held.
func (l *Locker) LockContext(ctx context.Context, key string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return func() {}, nil
	}

	l.mu.Lock()
	ref, ok := l.locks[key]
	if !ok {
		ref = &lockRef{ch: make(chan struct{}, 1)}
		l.locks[key] = ref
	}
	ref.refs++
	l.mu.Unlock()

	select {
	case ref.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, ref)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ref.ch
			l.release(key, ref)
		})
	}, nil
}

// Do runs fn while holding the lock for key.
func (l *Locker) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	unlock, err := l.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Len reports how many keys currently have holders or waiters.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) release(key string, ref *lockRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref.refs--
	if ref.refs <= 0 {
		delete(l.locks, key)
	}
}
