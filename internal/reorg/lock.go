package reorg

import (
	"errors"
	"sync/atomic"
)

// ErrCleanupInProgress is returned when a recovery is already holding the
// lock. Callers treat it as "skip this block, retry next"; acquisition never
// queues.
var ErrCleanupInProgress = errors.New("reorg cleanup already in progress")

// Lock is the single-process exclusivity guard around recovery. It is owned
// by whoever wires the cleanup strategy, not a package global, so tests and
// multiple mirrors never share state.
type Lock struct {
	held atomic.Bool
}

func NewLock() *Lock {
	return &Lock{}
}

// Acquire takes the lock or fails immediately with ErrCleanupInProgress.
func (l *Lock) Acquire() error {
	if !l.held.CompareAndSwap(false, true) {
		return ErrCleanupInProgress
	}
	return nil
}

// Release frees the lock. Safe to call only after a successful Acquire.
func (l *Lock) Release() {
	l.held.Store(false)
}

// Held reports whether a recovery currently holds the lock.
func (l *Lock) Held() bool {
	return l.held.Load()
}
