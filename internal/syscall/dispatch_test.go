package syscall

import (
	"testing"
	"time"

	"github.com/n4ar/melloos/internal/apic"
	"github.com/n4ar/melloos/internal/ipc"
	"github.com/n4ar/melloos/internal/kernelerr"
	"github.com/n4ar/melloos/internal/output"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
	"github.com/n4ar/melloos/internal/sched"
)

// newTestRig builds a one-CPU scheduler, port table, and dispatcher, and
// runs body as a spawned task's program so it receives a real *sched.Runtime
// the way production syscall dispatch does.
func newTestRig(t *testing.T, dev *output.Device, body func(rt *sched.Runtime, d *Dispatcher)) *proctable.Task {
	t.Helper()
	table := proctable.NewTable(16)
	s := sched.NewScheduler(table, 4)
	s.AddCPU(percpu.New(0, 0), apic.NewSoftware(0), 200)
	ports := ipc.NewTable(s, 64, 8, 256)
	d := NewDispatcher(dev, ports)

	s.Start()
	t.Cleanup(s.Stop)

	var task *proctable.Task
	done := make(chan struct{})
	tk, err := s.Spawn("probe", proctable.PriorityNormal, 0, func(rt *sched.Runtime) {
		body(rt, d)
		close(done)
		rt.Exit(0)
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	task = tk

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("probe task never finished")
	}
	return task
}

func TestTranslateAcceptsOwnedRangeAndRejectsOthers(t *testing.T) {
	newTestRig(t, nil, func(rt *sched.Runtime, d *Dispatcher) {
		task := rt.Self()
		task.AddRegion(proctable.MemoryRegion{
			Start: 0x1000, Length: 16, Writable: true, Backing: make([]byte, 16),
		})
		if _, ok := task.Translate(0x1000, 4, false); !ok {
			t.Error("expected translate to succeed for an owned region")
		}
		if _, ok := task.Translate(0x9000, 4, false); ok {
			t.Error("expected translate to fail for an address outside any region")
		}
	})
}

func TestReadUserBufferRejectsBadAddress(t *testing.T) {
	newTestRig(t, nil, func(rt *sched.Runtime, d *Dispatcher) {
		task := rt.Self()
		task.AddRegion(proctable.MemoryRegion{
			Start: 0x4000, Length: 16, Writable: true, Backing: make([]byte, 16),
		})
		if _, err := d.readUserBuffer(task, 0, 4); !errorsIs(err, kernelerr.EBADADDR) {
			t.Errorf("expected EBADADDR for null pointer, got %v", err)
		}
		if _, err := d.readUserBuffer(task, 0x9000, 4); !errorsIs(err, kernelerr.EBADADDR) {
			t.Errorf("expected EBADADDR for unowned address, got %v", err)
		}
		if _, err := d.readUserBuffer(task, 0x4000, 4); err != nil {
			t.Errorf("expected success for owned address, got %v", err)
		}
	})
}

func TestUnknownSyscallReturnsENOSYS(t *testing.T) {
	newTestRig(t, nil, func(rt *sched.Runtime, d *Dispatcher) {
		task := rt.Self()
		task.SetRegs(proctable.Registers{Num: 999})
		d.Dispatch(rt)
		if got := task.Regs().Return; got != int64(kernelerr.ENOSYS.Errno()) {
			t.Errorf("expected ENOSYS, got %d", got)
		}
	})
}

func TestGetPIDSyscallReturnsOwnID(t *testing.T) {
	newTestRig(t, nil, func(rt *sched.Runtime, d *Dispatcher) {
		task := rt.Self()
		task.SetRegs(proctable.Registers{Num: uint64(GetPID)})
		d.Dispatch(rt)
		if got := task.Regs().Return; got != int64(task.ID) {
			t.Errorf("expected %d, got %d", task.ID, got)
		}
	})
}

func errorsIs(err error, target *kernelerr.Error) bool {
	e, ok := err.(*kernelerr.Error)
	return ok && e.Is(target)
}
