package repl

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFifoLockOrder(t *testing.T) {
	l := newFIFOLock()
	if err := l.Lock(context.Background()); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Lock(context.Background()); err != nil {
				t.Errorf("Lock %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Unlock()
		}()
		// Give each waiter time to queue before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}
	l.Unlock()
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("acquired out of order: %v", order)
		}
	}
}

func TestFifoLockCancelledWaiter(t *testing.T) {
	l := newFIFOLock()
	if !l.TryLock() {
		t.Fatal("TryLock failed on a free lock")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Lock(ctx); err == nil {
		t.Fatal("expected Lock to fail once ctx is done")
	}

	l.Unlock()
	if !l.TryLock() {
		t.Fatal("lock not free after Unlock")
	}
}

func TestFifoLockTryLockRespectsQueue(t *testing.T) {
	l := newFIFOLock()
	l.TryLock()
	if l.TryLock() {
		t.Fatal("TryLock succeeded on a held lock")
	}

	acquired := make(chan struct{})
	release := make(chan struct{})
	go func() {
		l.Lock(context.Background())
		close(acquired)
		<-release
		l.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	l.Unlock()
	<-acquired
	if l.TryLock() {
		t.Fatal("TryLock succeeded while held by a waiter")
	}
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for !l.TryLock() {
		if time.Now().After(deadline) {
			t.Fatal("lock never released by the waiter")
		}
		time.Sleep(time.Millisecond)
	}
	l.Unlock()
}

func TestFifoLockUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	l := newFIFOLock()
	l.Unlock()
}
