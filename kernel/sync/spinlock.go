// Package sync provides the spinlock used to serialize access to state shared
// between harts: the physical free list, page tables and the process table.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinAttemptsBeforeYield bounds the busy-wait loop before the acquiring
// hart gives up its time slice.
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is invoked after spinAttemptsBeforeYield failed attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling hart. Any
// attempt to re-acquire a lock already held by the same hart deadlocks.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeYield)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other harts to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for attempts := uint32(0); ; attempts++ {
		if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		if attempts == attemptsBeforeYielding {
			attempts = 0
			yieldFn()
		}
	}
}
