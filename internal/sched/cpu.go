package sched

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/n4ar/melloos/internal/apic"
	"github.com/n4ar/melloos/internal/kspinlock"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
)

// CPU is one scheduler-managed core: a PerCpu block, its interrupt
// controller, and the three priority-class ready queues local to it (§4.E).
// Exactly one dispatchLoop goroutine and one irqLoop goroutine own a CPU;
// all other access goes through qlock.
type CPU struct {
	pc   *percpu.PerCpu
	ctrl apic.Controller
	sched *Scheduler

	qlock     kspinlock.IRQMutex
	queues    [proctable.NumPriorities]fifo
	readyMask atomicbitops.Uint32
	sleeping  []proctable.TaskID

	preemptRequested atomicbitops.Bool

	wake chan struct{}
	stop chan struct{}

	hz           int
	balanceTicks int
}

func newCPU(sched *Scheduler, pc *percpu.PerCpu, ctrl apic.Controller, hz int) *CPU {
	pc.IdleTask = idleTaskID(pc.Index)
	pc.CurrentTask.Store(pc.IdleTask)
	return &CPU{
		pc:    pc,
		ctrl:  ctrl,
		sched: sched,
		hz:    hz,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// idleTaskID derives this CPU's private idle-task identifier (§3 PerCpu
// "idle-task identifier"). It is drawn from the top of the uint64 range,
// disjoint from every id proctable.Table.Alloc can ever hand out (a
// counter starting at 1 and counting up), so pc.CurrentTask unambiguously
// distinguishes "this CPU is idle" from "this CPU is running task N".
func idleTaskID(index int) uint64 {
	return ^uint64(0) - uint64(index)
}

func (cpu *CPU) notify() {
	select {
	case cpu.wake <- struct{}{}:
	default:
	}
}

// enqueueReadyLocked appends t to its priority class's queue. Caller holds
// qlock.
func (cpu *CPU) enqueueReadyLocked(t *proctable.Task) {
	p := t.Priority
	cpu.queues[p].pushBack(t.ID)
	cpu.readyMask.Store(cpu.readyMask.Load() | 1<<uint(p))
}

// enqueueReady is the locking entry point used by callers outside the CPU's
// own dispatch/irq goroutines (spawn, migration, cross-core wake).
func (cpu *CPU) enqueueReady(t *proctable.Task) {
	tok := cpu.qlock.Lock()
	cpu.enqueueReadyLocked(t)
	cpu.qlock.Unlock(tok)
	cpu.notify()
}

// pickNextLocked pops the head of the highest nonempty priority class.
// Caller holds qlock. Returns 0 if every queue is empty (idle).
func (cpu *CPU) pickNextLocked() proctable.TaskID {
	mask := cpu.readyMask.Load()
	if mask == 0 {
		return 0
	}
	for p := 0; p < proctable.NumPriorities; p++ {
		if mask&(1<<uint(p)) == 0 {
			continue
		}
		q := &cpu.queues[p]
		id, ok := q.popFront()
		if !ok {
			continue
		}
		if q.len() == 0 {
			cpu.readyMask.Store(cpu.readyMask.Load() &^ (1 << uint(p)))
		}
		return id
	}
	return 0
}

func (cpu *CPU) queueLen() int {
	tok := cpu.qlock.Lock()
	n := 0
	for p := range cpu.queues {
		n += cpu.queues[p].len()
	}
	cpu.qlock.Unlock(tok)
	return n
}

// dispatchLoop is the process-context half of a CPU: pick a task, hand it
// the CPU by resuming its goroutine, and wait for it to cede control. It
// never calls a task's Program itself: each Program runs on its task's own
// goroutine, which only executes between a resume and its next cede.
func (cpu *CPU) dispatchLoop() {
	percpu.Register(cpu.pc)
	for {
		select {
		case <-cpu.stop:
			return
		case <-cpu.wake:
		}
		cpu.runOnce()
	}
}

func (cpu *CPU) runOnce() {
	for {
		tok := cpu.qlock.Lock()
		id := cpu.pickNextLocked()
		cpu.qlock.Unlock(tok)

		if id == 0 {
			cpu.pc.CurrentTask.Store(cpu.pc.IdleTask)
			return
		}
		t, ok := cpu.sched.table.Get(id)
		if !ok {
			continue // task was reaped between enqueue and dispatch
		}

		t.CompareAndSetState(proctable.Ready, proctable.Running)
		t.SetCPU(cpu.pc.Index)
		cpu.pc.CurrentTask.Store(uint64(t.ID))
		cpu.pc.Stats.ContextSwitch.Add(1)
		t.SetQuantumLeft(cpu.sched.quantumTicks)
		cpu.preemptRequested.Store(false)

		ctl := cpu.sched.controlFor(t.ID)
		ctl.resume <- struct{}{}
		reason := <-ctl.cede

		cpu.pc.CurrentTask.Store(cpu.pc.IdleTask)
		switch reason.kind {
		case cedeExit:
			cpu.sched.onTaskExit(t)
			cpu.sched.dropControl(t.ID)
		case cedeYield:
			t.SetState(proctable.Ready)
			cpu.enqueueReady(t)
		case cedeSuspend:
			// Task has already recorded itself in a sleep set or a port's
			// waiter list; nothing more to do here.
		}
	}
}

// irqLoop is the interrupt-context half of a CPU: it drains the timer/IPI
// channel independently of whatever the dispatch loop is doing, so a tick
// is processed even while a task is Running.
func (cpu *CPU) irqLoop(tickCh <-chan apic.Vector) {
	for {
		select {
		case <-cpu.stop:
			return
		case v := <-tickCh:
			cpu.onTick(v)
		}
	}
}

func (cpu *CPU) onTick(v apic.Vector) {
	if v == apic.VectorHalt {
		select {} // halted: never returns, matching a real core executing hlt with interrupts off
	}

	cpu.pc.EnterInterrupt()
	defer cpu.pc.LeaveInterrupt()

	cpu.pc.TickCount.Add(1)
	cpu.pc.Stats.Ticks.Add(1)
	currentID := cpu.pc.CurrentTask.Load()
	idle := currentID == cpu.pc.IdleTask
	if idle {
		cpu.pc.Stats.IdleTicks.Add(1)
	}

	cpu.wakeSleepers()

	if !idle && !cpu.pc.PreemptDisabled() {
		if t, ok := cpu.sched.table.Get(proctable.TaskID(currentID)); ok {
			exhausted := t.DecrementQuantum()
			preempt := exhausted || cpu.higherPriorityReady(t.Priority)
			if preempt {
				cpu.preemptRequested.Store(true)
			}
		}
	}

	if v == apic.VectorReschedule {
		cpu.notify()
	}

	cpu.balanceTicks++
	if cpu.sched.balanceCPU == cpu.pc.Index && cpu.balanceTicks >= cpu.sched.balanceIntervalTicks {
		cpu.balanceTicks = 0
		cpu.sched.Balance()
	}
}

func (cpu *CPU) higherPriorityReady(than proctable.Priority) bool {
	mask := cpu.readyMask.Load()
	for p := 0; p < int(than); p++ {
		if mask&(1<<uint(p)) != 0 {
			return true
		}
	}
	return false
}

func (cpu *CPU) wakeSleepers() {
	tok := cpu.qlock.Lock()
	now := cpu.pc.TickCount.Load()
	remaining := cpu.sleeping[:0]
	for _, id := range cpu.sleeping {
		t, ok := cpu.sched.table.Get(id)
		if !ok {
			continue
		}
		wake, has := t.WakeTick()
		if has && now >= wake {
			if t.CompareAndSetState(proctable.Sleeping, proctable.Ready) {
				cpu.enqueueReadyLocked(t)
			}
		} else {
			remaining = append(remaining, id)
		}
	}
	cpu.sleeping = remaining
	cpu.qlock.Unlock(tok)
}

func (cpu *CPU) addSleeper(id proctable.TaskID) {
	tok := cpu.qlock.Lock()
	cpu.sleeping = append(cpu.sleeping, id)
	cpu.qlock.Unlock(tok)
}

// SendHalt delivers a halt vector to this CPU's interrupt controller, used
// by the kernel panic path to stop every other core.
func (cpu *CPU) SendHalt() {
	cpu.ctrl.SendIPI(cpu.pc.APICID, apic.VectorHalt)
}
