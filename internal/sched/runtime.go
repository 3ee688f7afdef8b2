package sched

import "github.com/n4ar/melloos/internal/proctable"

// Program is a task's user-mode body: a Go closure that runs on the task's
// own goroutine, which its CPU's dispatch loop resumes while the task is
// Running, and cedes control back to the scheduler only by calling a
// Runtime method.
type Program func(rt *Runtime)

// cedeKind is why a task's goroutine handed the CPU back to its dispatch
// loop.
type cedeKind int

const (
	cedeYield cedeKind = iota
	cedeSuspend
	cedeExit
)

type cedeReason struct {
	kind cedeKind
}

// control is the per-task handoff channel pair standing in for a register
// -context swap: resume plays the role of loading a saved context and
// jumping to it, cede plays the role of a trap back into the scheduler
// (§0 "Suspension without coroutines").
type control struct {
	resume chan struct{}
	cede   chan cedeReason
}

func newControl() *control {
	return &control{
		resume: make(chan struct{}),
		cede:   make(chan cedeReason),
	}
}

// Runtime is the interface a Task's Program body uses to call back into the
// scheduler. One is created for each Spawn/Fork by the task's goroutine
// when it is first resumed, and passed to the task's Program.
type Runtime struct {
	sched *Scheduler
	cpu   *CPU
	task  *proctable.Task
}

// Self returns the task this Runtime belongs to.
func (rt *Runtime) Self() *proctable.Task {
	return rt.task
}

// IsForkChild reports whether this task is executing as the result of a
// Fork call rather than an initial Spawn.
func (rt *Runtime) IsForkChild() bool {
	return rt.task.IsForkChild()
}

// CheckPoint is the cooperative preemption safe point (§0): a Program body
// is expected to call it at loop back-edges. If the CPU's interrupt context
// has requested a switch since the task was last dispatched, control is
// ceded back to the scheduler and this call blocks until rescheduled.
func (rt *Runtime) CheckPoint() {
	if rt.cpu.preemptRequested.CompareAndSwap(true, false) {
		rt.yieldInternal(cedeYield)
	}
}

// Yield voluntarily cedes the remainder of the task's quantum (§4.E
// "Running -> Ready ... voluntary yield").
func (rt *Runtime) Yield() {
	rt.yieldInternal(cedeYield)
}

func (rt *Runtime) yieldInternal(kind cedeKind) {
	ctl := rt.sched.controlFor(rt.task.ID)
	ctl.cede <- cedeReason{kind: kind}
	<-ctl.resume
}

// Sleep suspends the task for the given number of ticks, measured against
// its current CPU's tick counter. Sleep(0) returns immediately without a
// state transition.
func (rt *Runtime) Sleep(ticks uint64) {
	if ticks == 0 {
		return
	}
	cpu := rt.cpu
	if c := rt.sched.cpuByIndex(rt.task.CPU()); c != nil {
		cpu = c // the task may have been migrated since it was spawned
	}
	now := cpu.pc.TickCount.Load()
	wake := now + ticks
	if wake <= now {
		return
	}
	t := rt.task
	t.SetWakeTick(wake)
	if !t.CompareAndSetState(proctable.Running, proctable.Sleeping) {
		return
	}
	cpu.addSleeper(t.ID)

	ctl := rt.sched.controlFor(t.ID)
	ctl.cede <- cedeReason{kind: cedeSuspend}
	<-ctl.resume
	t.ClearWakeTick()
}

// Exit terminates the task with the given code (§4.E "Running -> Zombie").
// The caller's Program is expected to return immediately afterward.
func (rt *Runtime) Exit(code int32) {
	t := rt.task
	t.SetExitCode(code)
	t.SetState(proctable.Zombie)

	ctl := rt.sched.controlFor(t.ID)
	ctl.cede <- cedeReason{kind: cedeExit}
}

// Fork duplicates the caller (§4.F FORK syscall semantics). It returns the
// new child's id to the parent and 0 to the child, matching the calling
// convention real fork() gives a C caller, even though the child is a
// distinct goroutine rather than a resumed copy of the parent's stack: a
// task created by Fork starts its *same* Program closure from the top with
// IsForkChild true, so a closure written as `if rt.Fork() == 0 { ...child
// path... } else { ...parent path... }` observes the expected branch.
func (rt *Runtime) Fork() int64 {
	if rt.task.IsForkChild() {
		return 0
	}
	child, err := rt.sched.fork(rt.task, rt.sched.programFor(rt.task.ID))
	if err != nil {
		return -1
	}
	return int64(child.ID)
}

// ForkWithChildProgram is Fork but lets the caller supply a distinct body
// for the child, for cases where duplicating the parent's own closure would
// be nonsensical (the child's first act is typically Exec anyway).
func (rt *Runtime) ForkWithChildProgram(childProgram Program) int64 {
	child, err := rt.sched.fork(rt.task, childProgram)
	if err != nil {
		return -1
	}
	return int64(child.ID)
}

// Exec replaces the calling task's program with a previously registered
// image and transfers control to it. Per the syscall's "does not return on
// success" contract, a Program body must treat a call to Exec as its last
// statement.
func (rt *Runtime) Exec(path string) error {
	prog, err := rt.sched.lookupImage(path)
	if err != nil {
		return err
	}
	rt.sched.setProgram(rt.task.ID, prog)
	prog(rt)
	return nil
}

// Wait blocks until a child matching pid (0 or -1 meaning any child) has
// exited, reaps it, and returns its id and exit code.
func (rt *Runtime) Wait(pid int64) (proctable.TaskID, int32, error) {
	return rt.sched.wait(rt, pid)
}
