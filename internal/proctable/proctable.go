// Package proctable implements the Task data model (§3) and the
// ProcessTable that owns every task's identity and lifecycle bookkeeping.
// It is global, process-wide state initialized once during boot (§9) and is
// the package every other core component (scheduler, syscall dispatch,
// IPC) looks tasks up through.
package proctable

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/n4ar/melloos/internal/kernelerr"
	"github.com/n4ar/melloos/internal/kspinlock"
)

// TaskID is the schedulable unit's unique identifier. Zero is never handed
// out by Table.Alloc; it is not the idle task's id either: each CPU's idle
// task uses an id from the top of the uint64 range (see sched.idleTaskID).
type TaskID uint64

// Priority is one of the three static scheduling classes (§4.E). High
// numerically sorts first so int comparison doubles as priority comparison.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	NumPriorities = int(PriorityLow) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "invalid"
	}
}

// State is a task's lifecycle state (§3 "Invariants", §4.E state machine).
type State int

const (
	Ready State = iota
	Running
	Sleeping
	Blocked
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Registers is the saved register context §4.F swaps on every ring
// transition. Fields are named generically rather than after real x86_64
// registers since no real ring-3 code executes them in this simulation;
// Num/Args/Return carry the syscall calling convention from §4.F, PC/SP the
// values validated before a return to user mode.
type Registers struct {
	Num     uint64
	Args    [6]uint64
	Return  int64
	PC, SP  uintptr
}

// MemoryRegion describes one virtual range a task legitimately owns (§3).
// Backing is the host memory standing in for the physical frames a real
// page table would map Start..Start+Length to; there is no separate
// virtual/physical address space in this simulation, so pointer validation
// and translation both resolve through it.
type MemoryRegion struct {
	Start      uintptr
	Length     uintptr
	Writable   bool
	Executable bool
	Backing    []byte
}

// Contains reports whether [addr, addr+length) lies entirely within r.
func (r MemoryRegion) Contains(addr uintptr, length uintptr) bool {
	if length == 0 {
		return addr >= r.Start && addr <= r.Start+r.Length
	}
	end := addr + length
	if end < addr {
		return false // overflow
	}
	return addr >= r.Start && end <= r.Start+r.Length
}

// Task is the schedulable unit (§3 "Task"). Its body (the closure that runs
// while it is Running) is owned by the scheduler package, not here: a task
// is process-table bookkeeping, not an executable thing, which keeps this
// package free of a dependency on the scheduler's control-channel machinery.
type Task struct {
	ID       TaskID
	Name     string
	Priority Priority

	Parent   TaskID
	Children []TaskID
	PGID     TaskID
	SID      TaskID

	mu          kspinlock.Mutex
	state       State
	cpu         int // last/assigned CPU index, -1 if never placed
	wakeTick    uint64
	hasWake     bool
	blockedPort int32 // -1 when not Blocked
	exitCode    *int32
	regs        Registers
	regions     []MemoryRegion
	quantumLeft int
	forkChild   bool

	KernelStack []byte
	UserStack   []byte
}

func newTask(id TaskID, name string, prio Priority, parent TaskID) *Task {
	return &Task{
		ID:          id,
		Name:        name,
		Priority:    prio,
		Parent:      parent,
		state:       Ready,
		cpu:         -1,
		blockedPort: -1,
	}
}

// IsForkChild reports whether this task was created by Fork rather than an
// initial spawn.
func (t *Task) IsForkChild() bool {
	unlock := t.mu.Guard()
	defer unlock()
	return t.forkChild
}

// SetForkChild marks this task as a fork child. Set once at creation,
// before the task's goroutine is resumed for the first time.
func (t *Task) SetForkChild(v bool) {
	unlock := t.mu.Guard()
	defer unlock()
	t.forkChild = v
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	unlock := t.mu.Guard()
	defer unlock()
	return t.state
}

// SetState forces a state value. Used by the scheduler and IPC under their
// own lock ordering (§4.D); callers are responsible for upholding the state
// -machine invariants in §3/§4.E, since a plain setter cannot.
func (t *Task) SetState(s State) {
	unlock := t.mu.Guard()
	defer unlock()
	t.state = s
}

// CompareAndSetState performs the transition only if the task is currently
// in `from`, returning whether it did.
func (t *Task) CompareAndSetState(from, to State) bool {
	unlock := t.mu.Guard()
	defer unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// CPU returns the CPU index this task is placed on or was last running on.
func (t *Task) CPU() int {
	unlock := t.mu.Guard()
	defer unlock()
	return t.cpu
}

// SetCPU records the CPU index this task is placed on.
func (t *Task) SetCPU(idx int) {
	unlock := t.mu.Guard()
	defer unlock()
	t.cpu = idx
}

// WakeTick returns the tick at which a Sleeping task should become Ready,
// and whether one is set.
func (t *Task) WakeTick() (uint64, bool) {
	unlock := t.mu.Guard()
	defer unlock()
	return t.wakeTick, t.hasWake
}

// SetWakeTick records the tick at which this task should wake.
func (t *Task) SetWakeTick(tick uint64) {
	unlock := t.mu.Guard()
	defer unlock()
	t.wakeTick = tick
	t.hasWake = true
}

// ClearWakeTick removes any pending wake tick.
func (t *Task) ClearWakeTick() {
	unlock := t.mu.Guard()
	defer unlock()
	t.hasWake = false
}

// BlockedPort returns the port id this task is Blocked receiving on, or -1.
func (t *Task) BlockedPort() int32 {
	unlock := t.mu.Guard()
	defer unlock()
	return t.blockedPort
}

// SetBlockedPort records the port id this task is Blocked on.
func (t *Task) SetBlockedPort(port int32) {
	unlock := t.mu.Guard()
	defer unlock()
	t.blockedPort = port
}

// ExitCode returns the task's exit code and whether one has been recorded.
func (t *Task) ExitCode() (int32, bool) {
	unlock := t.mu.Guard()
	defer unlock()
	if t.exitCode == nil {
		return 0, false
	}
	return *t.exitCode, true
}

// SetExitCode records the task's exit code exactly once.
func (t *Task) SetExitCode(code int32) {
	unlock := t.mu.Guard()
	defer unlock()
	if t.exitCode == nil {
		c := code
		t.exitCode = &c
	}
}

// Regs returns a copy of the task's saved register context.
func (t *Task) Regs() Registers {
	unlock := t.mu.Guard()
	defer unlock()
	return t.regs
}

// SetRegs replaces the task's saved register context.
func (t *Task) SetRegs(r Registers) {
	unlock := t.mu.Guard()
	defer unlock()
	t.regs = r
}

// Regions returns a copy of the task's owned memory regions.
func (t *Task) Regions() []MemoryRegion {
	unlock := t.mu.Guard()
	defer unlock()
	out := make([]MemoryRegion, len(t.regions))
	copy(out, t.regions)
	return out
}

// AddRegion records a new virtual range the task legitimately owns.
func (t *Task) AddRegion(r MemoryRegion) {
	unlock := t.mu.Guard()
	defer unlock()
	t.regions = append(t.regions, r)
}

// OwnsRange reports whether [addr, addr+length) is covered by a region this
// task owns with the requested access.
func (t *Task) OwnsRange(addr uintptr, length uintptr, needWrite bool) bool {
	unlock := t.mu.Guard()
	defer unlock()
	for _, r := range t.regions {
		if r.Contains(addr, length) {
			if needWrite && !r.Writable {
				return false
			}
			return true
		}
	}
	return false
}

// Translate validates [addr, addr+length) exactly as OwnsRange does, and on
// success returns the live backing slice for that range so a syscall
// handler can copy to or from it without raw pointer arithmetic.
func (t *Task) Translate(addr uintptr, length uintptr, needWrite bool) ([]byte, bool) {
	unlock := t.mu.Guard()
	defer unlock()
	for _, r := range t.regions {
		if r.Contains(addr, length) {
			if needWrite && !r.Writable {
				return nil, false
			}
			off := addr - r.Start
			if off+length > uintptr(len(r.Backing)) {
				return nil, false
			}
			return r.Backing[off : off+length], true
		}
	}
	return nil, false
}

// QuantumLeft returns the ticks remaining in the task's current time slice.
func (t *Task) QuantumLeft() int {
	unlock := t.mu.Guard()
	defer unlock()
	return t.quantumLeft
}

// SetQuantumLeft sets the remaining ticks in the task's current time slice.
func (t *Task) SetQuantumLeft(n int) {
	unlock := t.mu.Guard()
	defer unlock()
	t.quantumLeft = n
}

// DecrementQuantum subtracts one tick and reports whether the quantum is
// now exhausted (<=0).
func (t *Task) DecrementQuantum() bool {
	unlock := t.mu.Guard()
	defer unlock()
	t.quantumLeft--
	return t.quantumLeft <= 0
}

// slot is one process-table entry: a per-slot lock and an optional Task.
type slot struct {
	mu   kspinlock.Mutex
	task *Task
}

// Table is the fixed-size process table (§3 "ProcessTable"). Identifier
// allocation is an atomic counter modulo slot count with collision retry;
// the array is indexable by id%len(slots) without traversal.
type Table struct {
	slots []slot
	next  atomicbitops.Uint64
}

// NewTable constructs a process table with the given number of slots.
func NewTable(slotCount int) *Table {
	if slotCount < 1 {
		slotCount = 1
	}
	return &Table{slots: make([]slot, slotCount)}
}

func (pt *Table) indexOf(id TaskID) int {
	return int(uint64(id) % uint64(len(pt.slots)))
}

// Alloc creates and installs a new Task, returning kernelerr.ENOSLOT if no
// slot can be claimed within one full pass of the table.
func (pt *Table) Alloc(name string, prio Priority, parent TaskID) (*Task, error) {
	n := uint64(len(pt.slots))
	for attempt := uint64(0); attempt < n; attempt++ {
		id := TaskID(pt.next.Add(1))
		idx := pt.indexOf(id)
		s := &pt.slots[idx]

		unlock := s.mu.Guard()
		occupied := s.task != nil && s.task.state != Terminated
		if occupied {
			unlock()
			continue
		}
		t := newTask(id, name, prio, parent)
		s.task = t
		unlock()
		return t, nil
	}
	return nil, kernelerr.ENOSLOT
}

// Get returns the task with the given id, if its slot still holds it.
func (pt *Table) Get(id TaskID) (*Task, bool) {
	if len(pt.slots) == 0 {
		return nil, false
	}
	idx := pt.indexOf(id)
	s := &pt.slots[idx]
	unlock := s.mu.Guard()
	defer unlock()
	if s.task == nil || s.task.ID != id {
		return nil, false
	}
	return s.task, true
}

// Reap releases a Zombie task's slot once its parent has collected the
// exit code, transitioning it to Terminated (§3 invariant v).
func (pt *Table) Reap(id TaskID) error {
	t, ok := pt.Get(id)
	if !ok {
		return fmt.Errorf("proctable: reap of unknown task %d", id)
	}
	if !t.CompareAndSetState(Zombie, Terminated) {
		return fmt.Errorf("proctable: task %d is not a zombie", id)
	}
	idx := pt.indexOf(id)
	s := &pt.slots[idx]
	unlock := s.mu.Guard()
	defer unlock()
	if s.task == t {
		s.task = nil
	}
	return nil
}

// ForEach calls fn for every occupied slot's task. fn must not mutate the
// table.
func (pt *Table) ForEach(fn func(*Task)) {
	for i := range pt.slots {
		s := &pt.slots[i]
		unlock := s.mu.Guard()
		t := s.task
		unlock()
		if t != nil {
			fn(t)
		}
	}
}
