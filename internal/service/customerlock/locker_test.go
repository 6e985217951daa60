package customerlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameCustomer(t *testing.T) {
	locker := New()
	var (
		active  int32
		maxSeen int32
		wg      sync.WaitGroup
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), 7)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()

			current := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if current <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, current) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, observed %d concurrent holders", maxSeen)
	}
	if locker.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", locker.Len())
	}
}

func TestLockDifferentCustomersIndependent(t *testing.T) {
	locker := New()

	unlockA, err := locker.Lock(context.Background(), 1)
	if err != nil {
		t.Fatalf("lock customer 1: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := locker.Lock(ctx, 2)
	if err != nil {
		t.Fatalf("customer 2 must not wait for customer 1: %v", err)
	}
	unlockB()
}

func TestLockHonoursCancellation(t *testing.T) {
	locker := New()

	unlock, err := locker.Lock(context.Background(), 3)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // повторный вызов безопасен

	if locker.Len() != 0 {
		t.Fatalf("expected no entries after release, got %d", locker.Len())
	}
}
