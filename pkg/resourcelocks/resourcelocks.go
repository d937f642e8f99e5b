// Package resourcelocks provides the per-trace locks serializing the
// scheduler and the background checkpoint loader.
package resourcelocks

import (
	"sync"

	"github.com/goradd/maps"
)

// ResourceLocks manages one non-reentrant mutex per trace name
type ResourceLocks struct {
	mu    sync.Mutex
	locks maps.SafeMap[string, *sync.Mutex]
}

// New creates a new ResourceLocks instance
func New() *ResourceLocks {
	return &ResourceLocks{
		locks: maps.SafeMap[string, *sync.Mutex]{},
	}
}

// GetLock returns the mutex of the given trace, creating one if it doesn't exist
func (rl *ResourceLocks) GetLock(trace string) *sync.Mutex {
	if lock, exists := rl.locks.Load(trace); exists {
		return lock
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lock, exists := rl.locks.Load(trace)
	if !exists {
		lock = &sync.Mutex{}
		rl.locks.Set(trace, lock)
	}
	return lock
}

// TryLock takes the lock of the trace without waiting and reports whether it
// succeeded
func (rl *ResourceLocks) TryLock(trace string) bool {
	return rl.GetLock(trace).TryLock()
}

// Unlock releases a lock taken with TryLock
func (rl *ResourceLocks) Unlock(trace string) {
	rl.GetLock(trace).Unlock()
}

// TryLockAll takes the locks of every trace or none of them
func (rl *ResourceLocks) TryLockAll(traces []string) bool {
	for i, trace := range traces {
		if !rl.TryLock(trace) {
			rl.UnlockAll(traces[:i])
			return false
		}
	}
	return true
}

func (rl *ResourceLocks) UnlockAll(traces []string) {
	for _, trace := range traces {
		rl.Unlock(trace)
	}
}

// WithLockAndError executes the given function while holding the lock of the trace
// and returns any error from the function
func (rl *ResourceLocks) WithLockAndError(trace string, fn func() error) error {
	lock := rl.GetLock(trace)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// HasLock returns true if a lock exists for the given trace
func (rl *ResourceLocks) HasLock(trace string) bool {
	_, exists := rl.locks.Load(trace)
	return exists
}

// ActiveLocks returns the number of locks being managed
func (rl *ResourceLocks) ActiveLocks() int {
	return rl.locks.Len()
}

// Clear removes all locks from the manager
// This should only be used during shutdown or testing
func (rl *ResourceLocks) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.locks.Clear()
}
