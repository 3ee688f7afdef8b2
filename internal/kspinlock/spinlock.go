// Package kspinlock implements the two synchronization primitives named in
// §4.D: a plain exclusive spin lock with exponential pause backoff, and an
// IRQ-safe spin lock that additionally saves/restores the calling CPU's
// interrupt-enable flag. Both guard types release on every exit path via
// defer, matching the spec's "releases on scope exit along all paths".
package kspinlock

import (
	"runtime"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/n4ar/melloos/internal/percpu"
)

const (
	minBackoff = 1
	maxBackoff = 256
)

// pause yields the CPU a number of times proportional to n, standing in for
// the x86 PAUSE instruction hint used to reduce bus contention while
// spinning.
func pause(n int) {
	for i := 0; i < n; i++ {
		runtime.Gosched()
	}
}

// Mutex is the plain exclusive spin lock (§4.D "Exclusive spin lock").
type Mutex struct {
	locked atomicbitops.Bool
}

// Lock spins until the lock is acquired, backing off exponentially between
// attempts.
func (m *Mutex) Lock() {
	backoff := minBackoff
	for !m.locked.CompareAndSwap(false, true) {
		pause(backoff)
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// TryLock attempts to acquire the lock without spinning, for callers (e.g.
// the migration balancer) that must back off and retry rather than block.
func (m *Mutex) TryLock() bool {
	return m.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
}

// Guard acquires m and returns a function that releases it, so callers can
// write `defer m.Guard()()` to guarantee release on every return path.
func (m *Mutex) Guard() func() {
	m.Lock()
	return m.Unlock
}

// IRQToken is the saved interrupt-enable state returned by IRQMutex.Lock,
// to be passed back to Unlock.
type IRQToken struct {
	wasEnabled bool
}

// IRQMutex is the IRQ-safe spin lock (§4.D "IRQ-safe spin lock"), required
// for any data reachable from an interrupt handler: ready queues, timer
// tick state, and port locks when called from a context a reschedule IPI
// handler might interrupt.
type IRQMutex struct {
	inner Mutex
}

// Lock disables interrupts on the calling CPU, saving the previous state,
// then acquires the underlying spin lock.
func (m *IRQMutex) Lock() IRQToken {
	pc, ok := percpu.TryCurrent()
	var tok IRQToken
	if ok {
		tok.wasEnabled = pc.InterruptsEnabled()
		pc.SetInterruptsEnabled(false)
	} else {
		// Called from a goroutine with no registered CPU (boot code,
		// tests): there is no CPU-local interrupt flag to save, so the
		// lock degrades to the plain exclusive lock.
		tok.wasEnabled = true
	}
	m.inner.Lock()
	return tok
}

// TryLock attempts to acquire m without spinning, disabling interrupts and
// saving the previous state only on success. For callers (e.g. the
// scheduler's migration balancer) that must back off and retry across more
// than one lock rather than block while already holding another one.
func (m *IRQMutex) TryLock() (IRQToken, bool) {
	if !m.inner.TryLock() {
		return IRQToken{}, false
	}
	var tok IRQToken
	if pc, ok := percpu.TryCurrent(); ok {
		tok.wasEnabled = pc.InterruptsEnabled()
		pc.SetInterruptsEnabled(false)
	} else {
		tok.wasEnabled = true
	}
	return tok, true
}

// Unlock releases the underlying lock and restores the caller's interrupt
// -enable flag to what it was before Lock.
func (m *IRQMutex) Unlock(tok IRQToken) {
	m.inner.Unlock()
	if pc, ok := percpu.TryCurrent(); ok {
		pc.SetInterruptsEnabled(tok.wasEnabled)
	}
}

// Guard acquires m and returns a function that restores interrupts and
// releases the lock, for `defer m.Guard()()`.
func (m *IRQMutex) Guard() func() {
	tok := m.Lock()
	return func() { m.Unlock(tok) }
}
