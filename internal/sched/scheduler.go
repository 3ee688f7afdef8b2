// Package sched implements the preemptive priority scheduler (§4.E): per
// -CPU ready queues, task placement and migration, the timer-driven
// preemption path, and the task-lifecycle operations (spawn, yield, sleep,
// exit, fork, exec, wait) that the syscall dispatch table calls into.
package sched

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/n4ar/melloos/internal/apic"
	"github.com/n4ar/melloos/internal/klog"
	"github.com/n4ar/melloos/internal/kspinlock"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
)

// defaultBalanceIntervalTicks is how often, in timer ticks, the designated
// balance CPU runs the migration pass (§4.E "Migration", "every 100ms").
const defaultBalanceIntervalTicks = 10

// imbalanceThreshold is the aggregate-queue-length gap that triggers a
// migration.
const imbalanceThreshold = 2

// Scheduler owns every CPU's ready queues and the task-lifecycle operations
// that move tasks between them.
type Scheduler struct {
	table *proctable.Table
	log   zerolog.Logger

	cpus []*CPU

	quantumTicks         int
	balanceCPU           int
	balanceIntervalTicks int

	mu       sync.Mutex
	controls map[proctable.TaskID]*control
	programs map[proctable.TaskID]Program
	waiters  map[proctable.TaskID]bool

	imagesMu sync.Mutex
	images   map[string]Program
}

// NewScheduler constructs a Scheduler backed by table. quantumTicks is the
// number of timer ticks each task's time slice lasts before quantum-expiry
// preemption is requested.
func NewScheduler(table *proctable.Table, quantumTicks int) *Scheduler {
	if quantumTicks < 1 {
		quantumTicks = 1
	}
	return &Scheduler{
		table:                table,
		log:                  klog.For("sched"),
		quantumTicks:         quantumTicks,
		balanceIntervalTicks: defaultBalanceIntervalTicks,
		controls:             make(map[proctable.TaskID]*control),
		programs:             make(map[proctable.TaskID]Program),
		waiters:              make(map[proctable.TaskID]bool),
		images:               make(map[string]Program),
	}
}

// AddCPU registers a new CPU under the scheduler, ticking at hz (the
// frequency apic.Calibrate armed for it). The first CPU added is the
// designated balance CPU (§4.E "Migration"), with its migration pass
// interval derived from its own tick rate so it still lands near 100ms.
func (s *Scheduler) AddCPU(pc *percpu.PerCpu, ctrl apic.Controller, hz int) *CPU {
	cpu := newCPU(s, pc, ctrl, hz)
	s.cpus = append(s.cpus, cpu)
	if len(s.cpus) == 1 {
		s.balanceCPU = pc.Index
		s.balanceIntervalTicks = hz / 10
		if s.balanceIntervalTicks < 1 {
			s.balanceIntervalTicks = 1
		}
	}
	return cpu
}

// Start brings every registered CPU's dispatch and interrupt loops up and
// arms its periodic timer. Must be called once, after all CPUs have been
// added.
func (s *Scheduler) Start() {
	for _, cpu := range s.cpus {
		tickCh := cpu.ctrl.StartPeriodic(cpu.hz)
		go cpu.irqLoop(tickCh)
		go cpu.dispatchLoop()
	}
}

// Stop halts every CPU's loops. Intended for tests and orderly shutdown.
func (s *Scheduler) Stop() {
	for _, cpu := range s.cpus {
		close(cpu.stop)
	}
}

func (s *Scheduler) controlFor(id proctable.TaskID) *control {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[id]
	if !ok {
		c = newControl()
		s.controls[id] = c
	}
	return c
}

func (s *Scheduler) dropControl(id proctable.TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controls, id)
	delete(s.programs, id)
}

func (s *Scheduler) programFor(id proctable.TaskID) Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.programs[id]
}

func (s *Scheduler) setProgram(id proctable.TaskID, p Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[id] = p
}

// RegisterImage makes a Program available to Exec under the given path.
func (s *Scheduler) RegisterImage(path string, p Program) {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	s.images[path] = p
}

func (s *Scheduler) lookupImage(path string) (Program, error) {
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	p, ok := s.images[path]
	if !ok {
		return nil, fmt.Errorf("sched: no image registered at %q", path)
	}
	return p, nil
}

// place picks the CPU with the shortest aggregate ready-queue length,
// breaking ties by lowest CPU index (§4.E "Placement").
func (s *Scheduler) place() *CPU {
	best := s.cpus[0]
	bestLen := best.queueLen()
	for _, cpu := range s.cpus[1:] {
		n := cpu.queueLen()
		if n < bestLen {
			best, bestLen = cpu, n
		}
	}
	return best
}

func (s *Scheduler) cpuByIndex(idx int) *CPU {
	for _, cpu := range s.cpus {
		if cpu.pc.Index == idx {
			return cpu
		}
	}
	return nil
}

// startTaskGoroutine launches the goroutine that will run t's body the
// first time it is resumed, and its cleanup once that body returns.
func (s *Scheduler) startTaskGoroutine(t *proctable.Task, cpu *CPU, prog Program) {
	ctl := s.controlFor(t.ID)
	go func() {
		<-ctl.resume
		rt := &Runtime{sched: s, cpu: cpu, task: t}
		if prog != nil {
			prog(rt)
		}
		// A body that returns without calling Exit is an implicit exit(0).
		if t.State() != proctable.Zombie {
			rt.Exit(0)
		}
	}()
}

// Spawn creates a new task, registers prog as its body, places it on the
// CPU with the shortest ready queue, and marks it Ready.
func (s *Scheduler) Spawn(name string, prio proctable.Priority, parent proctable.TaskID, prog Program) (*proctable.Task, error) {
	t, err := s.table.Alloc(name, prio, parent)
	if err != nil {
		return nil, err
	}
	cpu := s.place()
	t.SetCPU(cpu.pc.Index)
	s.setProgram(t.ID, prog)
	s.startTaskGoroutine(t, cpu, prog)
	cpu.enqueueReady(t)
	s.log.Debug().Uint64("task", uint64(t.ID)).Int("cpu", cpu.pc.Index).Str("name", name).Msg("spawned")
	return t, nil
}

// fork duplicates parent into a new task with the same priority, an eager
// copy of its owned memory regions, and childProgram as its body; the new
// task is marked IsForkChild so Runtime.Fork returns 0 inside it.
func (s *Scheduler) fork(parent *proctable.Task, childProgram Program) (*proctable.Task, error) {
	child, err := s.table.Alloc(parent.Name, parent.Priority, parent.ID)
	if err != nil {
		return nil, err
	}
	child.SetForkChild(true)
	child.PGID, child.SID = parent.PGID, parent.SID
	for _, r := range parent.Regions() {
		r.Backing = append([]byte(nil), r.Backing...)
		child.AddRegion(r)
	}
	parent.Children = append(parent.Children, child.ID)

	cpu := s.place()
	child.SetCPU(cpu.pc.Index)
	s.setProgram(child.ID, childProgram)
	s.startTaskGoroutine(child, cpu, childProgram)
	cpu.enqueueReady(child)
	return child, nil
}

// onTaskExit wakes the parent if it is blocked in Wait (§4.F WAIT ordering:
// the zombie transition is observable to a wait caller before the parent
// -wakeup IPI is acknowledged, since SetState(Zombie) already happened in
// Runtime.Exit before this is called).
func (s *Scheduler) onTaskExit(t *proctable.Task) {
	parent, ok := s.table.Get(t.Parent)
	if !ok {
		return
	}
	s.mu.Lock()
	waiting := s.waiters[parent.ID]
	if waiting {
		delete(s.waiters, parent.ID)
	}
	s.mu.Unlock()
	if !waiting {
		return
	}
	s.makeReady(parent)
}

// makeReady transitions t to Ready and enqueues it on its last-assigned
// CPU, sending a reschedule IPI unless the caller is that CPU's own
// dispatch loop. Task Programs run on unregistered goroutines, so a call
// from a task always sends the IPI, even when the target is the CPU the
// task is running on.
func (s *Scheduler) makeReady(t *proctable.Task) {
	t.SetState(proctable.Ready)
	idx := t.CPU()
	cpu := s.cpuByIndex(idx)
	if cpu == nil {
		cpu = s.place()
		t.SetCPU(cpu.pc.Index)
	}
	cpu.enqueueReady(t)
	if current, ok := percpu.TryCurrent(); !ok || current.Index != cpu.pc.Index {
		cpu.ctrl.SendIPI(cpu.pc.APICID, apic.VectorReschedule)
	}
}

// wait blocks the calling task until a child matching pid (0 or -1 for any
// child) is a zombie, then reaps it.
func (s *Scheduler) wait(rt *Runtime, pid int64) (proctable.TaskID, int32, error) {
	t := rt.task
	for {
		if child, code, ok := s.reapMatchingChild(t, pid); ok {
			return child, code, nil
		}
		s.mu.Lock()
		s.waiters[t.ID] = true
		s.mu.Unlock()

		// Re-check after registering interest: a child may have exited
		// between the check above and here.
		if child, code, ok := s.reapMatchingChild(t, pid); ok {
			s.mu.Lock()
			delete(s.waiters, t.ID)
			s.mu.Unlock()
			return child, code, nil
		}

		t.SetState(proctable.Blocked)
		ctl := s.controlFor(t.ID)
		ctl.cede <- cedeReason{kind: cedeSuspend}
		<-ctl.resume
		t.SetState(proctable.Running)
	}
}

func (s *Scheduler) reapMatchingChild(parent *proctable.Task, pid int64) (proctable.TaskID, int32, bool) {
	for _, cid := range parent.Children {
		if pid > 0 && proctable.TaskID(pid) != cid {
			continue
		}
		c, ok := s.table.Get(cid)
		if !ok {
			continue
		}
		if code, has := c.ExitCode(); has && c.State() == proctable.Zombie {
			s.table.Reap(cid)
			return cid, code, true
		}
	}
	return 0, 0, false
}

// Balance runs the periodic load-balance pass (§4.E "Migration"): if the
// busiest and idlest CPU's aggregate ready-queue lengths differ by more
// than imbalanceThreshold, one task moves from the busiest CPU's lowest
// populated priority class to the idlest.
func (s *Scheduler) Balance() {
	if len(s.cpus) < 2 {
		return
	}
	var maxCPU, minCPU *CPU
	maxLen, minLen := -1, -1
	for _, cpu := range s.cpus {
		n := cpu.queueLen()
		if maxLen == -1 || n > maxLen {
			maxCPU, maxLen = cpu, n
		}
		if minLen == -1 || n < minLen {
			minCPU, minLen = cpu, n
		}
	}
	if maxCPU == minCPU || maxLen-minLen <= imbalanceThreshold {
		return
	}

	src, dst := maxCPU, minCPU
	first, second := src, dst
	if second.pc.Index < first.pc.Index {
		first, second = second, first
	}
	tok1, tok2 := lockOrderedIRQPair(first, second)

	var moved *proctable.Task
	for p := proctable.NumPriorities - 1; p >= 0; p-- {
		if id, ok := src.queues[p].popFront(); ok {
			if src.queues[p].len() == 0 {
				src.readyMask.Store(src.readyMask.Load() &^ (1 << uint(p)))
			}
			if t, ok := s.table.Get(id); ok {
				moved = t
			}
			break
		}
	}
	if moved != nil {
		moved.SetCPU(dst.pc.Index)
		dst.enqueueReadyLocked(moved)
		src.pc.Stats.MigratedOut.Add(1)
		dst.pc.Stats.MigratedIn.Add(1)
	}

	second.qlock.Unlock(tok2)
	first.qlock.Unlock(tok1)

	if moved != nil {
		dst.ctrl.SendIPI(dst.pc.APICID, apic.VectorReschedule)
		s.log.Debug().Uint64("task", uint64(moved.ID)).Int("from", src.pc.Index).Int("to", dst.pc.Index).Msg("migrated")
	}
}

const (
	minLockBackoff = 1
	maxLockBackoff = 256
)

// lockOrderedIRQPair acquires first's and then second's qlock, retrying
// with exponential backoff on contention instead of blocking (§4.E
// Failure semantics: "migration across CPUs that both need their lock held
// is retried on contention (trylock + backoff)"). first/second must already
// be in ascending CPU-index order; on contention for second, first's lock is
// released before backing off, so a concurrent balance pass going the other
// direction can never deadlock against this one.
func lockOrderedIRQPair(first, second *CPU) (kspinlock.IRQToken, kspinlock.IRQToken) {
	backoff := minLockBackoff
	for {
		tok1, ok := first.qlock.TryLock()
		if !ok {
			backoffPause(&backoff)
			continue
		}
		tok2, ok := second.qlock.TryLock()
		if !ok {
			first.qlock.Unlock(tok1)
			backoffPause(&backoff)
			continue
		}
		return tok1, tok2
	}
}

func backoffPause(backoff *int) {
	for i := 0; i < *backoff; i++ {
		runtime.Gosched()
	}
	if *backoff < maxLockBackoff {
		*backoff *= 2
	}
}

// PerCPU returns the CPU at the given index for inspection (tests, stats).
func (s *Scheduler) PerCPU(idx int) *CPU {
	return s.cpuByIndex(idx)
}

// CPUCount returns the number of CPUs registered with the scheduler.
func (s *Scheduler) CPUCount() int {
	return len(s.cpus)
}

// Suspend cedes the calling task's CPU without requeueing it anywhere. The
// caller (typically the IPC package, recv on an empty port) must already
// have recorded the task's new state and its membership in whatever wait
// list will eventually wake it, before calling this.
func (s *Scheduler) Suspend(t *proctable.Task) {
	ctl := s.controlFor(t.ID)
	ctl.cede <- cedeReason{kind: cedeSuspend}
	<-ctl.resume
}

// MakeReady transitions t to Ready and enqueues it on its CPU, delivering a
// reschedule IPI if needed. Exported for the IPC package to wake a blocked
// receiver from send.
func (s *Scheduler) MakeReady(t *proctable.Task) {
	s.makeReady(t)
}

// Table returns the process table backing this scheduler, for components
// (IPC, syscall dispatch) that need to look tasks up by id.
func (s *Scheduler) Table() *proctable.Table {
	return s.table
}
