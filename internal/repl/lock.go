package repl

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// fifoLock is a mutex that hands ownership to waiters in arrival order and
// lets a waiter give up when its context is done.
type fifoLock struct {
	sem *semaphore.Weighted
}

func newFIFOLock() *fifoLock {
	return &fifoLock{sem: semaphore.NewWeighted(1)}
}

// TryLock acquires the lock only if it is free and nobody is queued.
func (l *fifoLock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

func (l *fifoLock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Unlock panics if the lock is not held.
func (l *fifoLock) Unlock() {
	l.sem.Release(1)
}
