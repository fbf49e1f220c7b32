package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockerSerializesSameKey(t *testing.T) {
	l := New()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), "p1", func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected at most one holder, got %d", maxActive)
	}
	if l.Len() != 0 {
		t.Fatalf("expected lock table to be empty, got %d", l.Len())
	}
}

func TestLockerDifferentKeysRunInParallel(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := l.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}
}

func TestLockContextCancelled(t *testing.T) {
	l := New()
	unlock := l.Lock("p1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.LockContext(ctx, "p1"); err == nil {
		t.Fatalf("expected context error while key is held")
	}
	unlock()
	unlock()

	if l.Len() != 0 {
		t.Fatalf("expected released lock to be dropped, got %d", l.Len())
	}
}
