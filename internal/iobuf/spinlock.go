// Package iobuf implements the per-chip bounded IO buffer pool and
// the spin-lock discipline it uses to guard its hot-path
// producer/consumer hand-off, per spec §4.5/§5.
package iobuf

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Spin-lock escalation discipline from spec §5: busy-test the flag up
// to spinCount times, then yield the thread up to yieldCount times,
// then fall back to a short sleep and repeat. Holding time under the
// lock must always be O(10) operations; no I/O while held.
const (
	spinCount  = 8
	yieldCount = 128
	sleepFor   = 3 * time.Nanosecond
)

// SpinLock is a lock-free-acquire, escalating-backoff mutual exclusion
// primitive. The zero value is an unlocked SpinLock.
//
// There is no direct standard-library or ecosystem primitive for this
// exact three-tier escalation (busy-test, then yield, then sleep); it
// is built from sync/atomic and runtime.Gosched, the minimal
// primitives the discipline requires.
type SpinLock struct {
	flag atomic.Uint32
}

// Lock blocks until the lock is acquired.
func (s *SpinLock) Lock() {
	for {
		for i := 0; i < spinCount; i++ {
			if s.flag.CompareAndSwap(0, 1) {
				return
			}
		}

		for i := 0; i < yieldCount; i++ {
			runtime.Gosched()
			if s.flag.CompareAndSwap(0, 1) {
				return
			}
		}

		time.Sleep(sleepFor)
	}
}

// TryLock attempts a single lock-free acquire without any backoff.
func (s *SpinLock) TryLock() bool {
	return s.flag.CompareAndSwap(0, 1)
}

// Unlock releases the lock with a single atomic clear.
func (s *SpinLock) Unlock() {
	s.flag.Store(0)
}

// Backoff applies the same spin/yield/sleep escalation as SpinLock to
// a caller-driven retry loop, for places where what's being waited on
// isn't lock acquisition itself but a condition guarded by one (e.g.
// the buffer pool's "is there a filled buffer yet" spin-retry). Zero
// value is ready to use; call Wait once per failed retry.
type Backoff struct {
	spins  int
	yields int
}

// Wait advances the escalation by one step, busy-testing for the
// first spinCount calls, yielding the OS thread for the next
// yieldCount, then sleeping briefly thereafter.
func (b *Backoff) Wait() {
	if b.spins < spinCount {
		b.spins++

		return
	}

	if b.yields < yieldCount {
		b.yields++
		runtime.Gosched()

		return
	}

	time.Sleep(sleepFor)
}
