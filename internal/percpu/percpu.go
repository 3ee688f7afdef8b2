// Package percpu implements the cache-line-isolated per-core storage block
// (§3 "PerCpu", §4.C). Each hardware core (in this simulation: each
// scheduler CPU goroutine) owns exactly one PerCpu, reachable by its owner
// through Current() (a lookup under the registry's read lock, keyed on the
// calling goroutine), and by other cores through For(), reading its fields
// only via an atomic snapshot or a held lock.
package percpu

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/goid"
)

// cacheLineSize is the assumed coherency granule; padding to this size
// keeps two PerCpu instances from sharing a cache line, which would
// serialize the hot per-tick path across cores (§4.C "Alignment to a full
// cache line is mandatory").
const cacheLineSize = 64

// Stats are the per-CPU statistics counters named in §3.
type Stats struct {
	Ticks         atomicbitops.Uint64
	ContextSwitch atomicbitops.Uint64
	MigratedIn    atomicbitops.Uint64
	MigratedOut   atomicbitops.Uint64
	IdleTicks     atomicbitops.Uint64
}

// PerCpu is one core's private state block.
type PerCpu struct {
	Index  int
	APICID uint32

	// CurrentTask is the task id currently Running on this CPU. It holds
	// IdleTask whenever nothing else is scheduled.
	CurrentTask atomicbitops.Uint64
	// IdleTask is this CPU's private idle task id, set once when the CPU is
	// registered with the scheduler. It is drawn from a range no real
	// proctable.TaskID ever occupies, so CurrentTask unambiguously
	// distinguishes idle from running task 0 (which cannot exist: real ids
	// start at 1).
	IdleTask uint64

	TickCount atomicbitops.Uint64

	// PreemptDepth is nonzero while a short kernel critical section that
	// must not be preempted is active (§4.D "Preemption disable").
	PreemptDepth atomicbitops.Int32

	// inInterrupt tracks whether this CPU is currently servicing an
	// interrupt, so allocator and IPC calls made from interrupt context
	// can be rejected (§4.C).
	inInterrupt atomicbitops.Bool

	// interruptsEnabled mirrors the CPU's interrupt-enable flag (IF), saved
	// and restored around IRQ-safe spin lock critical sections.
	interruptsEnabled atomicbitops.Bool

	KernelStackTop uintptr

	Stats Stats

	// pad keeps PerCpu at least one cache line so that false sharing
	// cannot serialize the tick/reschedule hot path across cores.
	pad [cacheLineSize]byte
}

// New constructs the PerCpu block for the given logical index and APIC id.
func New(index int, apicID uint32) *PerCpu {
	pc := &PerCpu{Index: index, APICID: apicID}
	pc.interruptsEnabled.Store(true)
	return pc
}

// InterruptsEnabled reports this CPU's simulated interrupt-enable flag.
func (pc *PerCpu) InterruptsEnabled() bool {
	return pc.interruptsEnabled.Load()
}

// SetInterruptsEnabled sets this CPU's simulated interrupt-enable flag.
func (pc *PerCpu) SetInterruptsEnabled(v bool) {
	pc.interruptsEnabled.Store(v)
}

var (
	registryMu sync.RWMutex
	byIndex    []*PerCpu
	byGoroutine = map[int64]*PerCpu{}
)

// Register associates pc with the calling goroutine, which must be the
// dedicated CPU-loop goroutine for pc. This stands in for loading the
// per-CPU base into a segment-base register; it is done exactly once, when
// that goroutine starts its scheduling loop.
func Register(pc *PerCpu) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for len(byIndex) <= pc.Index {
		byIndex = append(byIndex, nil)
	}
	byIndex[pc.Index] = pc
	byGoroutine[goid.Get()] = pc
}

// Current returns the calling goroutine's PerCpu. It panics if called from
// a goroutine that never registered as a CPU loop, since that is
// programmer error analogous to reading an unset segment base.
func Current() *PerCpu {
	registryMu.RLock()
	defer registryMu.RUnlock()
	pc, ok := byGoroutine[goid.Get()]
	if !ok {
		panic("percpu: Current() called from a goroutine that is not a registered CPU")
	}
	return pc
}

// TryCurrent is Current without the panic, for code paths that may
// legitimately run off a CPU-loop goroutine (e.g. tests, boot code before
// any CPU is registered).
func TryCurrent() (*PerCpu, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	pc, ok := byGoroutine[goid.Get()]
	return pc, ok
}

// For returns the PerCpu for another logical CPU index, for cross-core
// state inspection. The caller is responsible for holding or avoiding the
// target's locks, per §4.C.
func For(index int) *PerCpu {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if index < 0 || index >= len(byIndex) {
		return nil
	}
	return byIndex[index]
}

// Count returns the number of registered CPUs.
func Count() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(byIndex)
}

// EnterInterrupt marks this CPU as currently servicing an interrupt.
func (pc *PerCpu) EnterInterrupt() {
	pc.inInterrupt.Store(true)
}

// LeaveInterrupt clears the in-interrupt flag.
func (pc *PerCpu) LeaveInterrupt() {
	pc.inInterrupt.Store(false)
}

// InInterrupt reports whether this CPU is currently servicing an
// interrupt; allocator and IPC entry points consult this to reject calls
// that must not run in interrupt context (§9 "Interrupt / allocator
// interaction").
func (pc *PerCpu) InInterrupt() bool {
	return pc.inInterrupt.Load()
}

// DisablePreempt increments the preemption-disable depth. Must be balanced
// by EnablePreempt.
func (pc *PerCpu) DisablePreempt() {
	pc.PreemptDepth.Add(1)
}

// EnablePreempt decrements the preemption-disable depth.
func (pc *PerCpu) EnablePreempt() {
	if pc.PreemptDepth.Add(-1) < 0 {
		panic("percpu: preempt-disable depth went negative")
	}
}

// PreemptDisabled reports whether task switching is currently inhibited on
// this CPU.
func (pc *PerCpu) PreemptDisabled() bool {
	return pc.PreemptDepth.Load() > 0
}
