// Package syscall implements the ring-transition dispatch table (§4.F):
// the fixed calling convention, pointer validation against a task's owned
// memory regions, per-syscall metrics, and the ten syscalls MelloOS exposes
// to user-mode tasks.
package syscall

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/n4ar/melloos/internal/ipc"
	"github.com/n4ar/melloos/internal/kernelerr"
	"github.com/n4ar/melloos/internal/klog"
	"github.com/n4ar/melloos/internal/output"
	"github.com/n4ar/melloos/internal/proctable"
	"github.com/n4ar/melloos/internal/sched"
)

// Number identifies one of the ten syscalls (§4.F "Syscall table").
type Number uint64

const (
	Write Number = iota
	Exit
	Sleep
	IPCSend
	IPCRecv
	Yield
	GetPID
	Fork
	Exec
	Wait
	numSyscalls
)

func (n Number) String() string {
	names := [...]string{"write", "exit", "sleep", "ipc_send", "ipc_recv", "yield", "getpid", "fork", "exec", "wait"}
	if int(n) < len(names) {
		return names[n]
	}
	return "unknown"
}

// Dispatcher holds everything a syscall handler needs: the device every
// WRITE lands on, the port table IPC_SEND/IPC_RECV operate on, and the
// per-syscall invocation counters (§9 "per-syscall metrics").
type Dispatcher struct {
	device *output.Device
	ports  *ipc.Table

	counts [numSyscalls]atomicbitops.Uint64
}

// NewDispatcher constructs a Dispatcher wired to the given output device
// and port table.
func NewDispatcher(device *output.Device, ports *ipc.Table) *Dispatcher {
	return &Dispatcher{device: device, ports: ports}
}

// Counts returns a snapshot of each syscall's invocation count, keyed by
// the syscall's name (Number.String()).
func (d *Dispatcher) Counts() map[string]uint64 {
	out := make(map[string]uint64, numSyscalls)
	for i := range d.counts {
		out[Number(i).String()] = d.counts[i].Load()
	}
	return out
}

// Dispatch performs one ring-3 -> ring-0 -> ring-3 cycle: it reads the
// syscall number and arguments from the task's saved registers, validates
// any pointer arguments against the task's owned memory regions, runs the
// handler, and writes the return value back into the register context.
func (d *Dispatcher) Dispatch(rt *sched.Runtime) {
	t := rt.Self()
	regs := t.Regs()
	num := Number(regs.Num)
	if int(num) < 0 || int(num) >= int(numSyscalls) {
		regs.Return = int64(kernelerr.ENOSYS.Errno())
		t.SetRegs(regs)
		return
	}
	d.counts[num].Add(1)

	if num == Exec {
		// Exec does not return on success: the invoked image runs to
		// completion (issuing its own syscalls, each writing its own
		// register state) before this call returns, so the outer Dispatch
		// must not overwrite whatever the nested execution last set.
		if err := d.execInto(rt, regs.Args); err != nil {
			regs.Return = errnoOf(err)
			t.SetRegs(regs)
		}
		return
	}

	ret := d.invoke(rt, num, regs.Args)
	regs.Return = ret
	t.SetRegs(regs)
}

func (d *Dispatcher) execInto(rt *sched.Runtime, args [6]uint64) error {
	t := rt.Self()
	ptr, length := uintptr(args[0]), uintptr(args[1])
	pathBytes, err := d.readUserBuffer(t, ptr, length)
	if err != nil {
		return err
	}
	return rt.Exec(string(pathBytes))
}

func (d *Dispatcher) invoke(rt *sched.Runtime, num Number, args [6]uint64) int64 {
	t := rt.Self()
	log := klog.For("syscall")

	switch num {
	case Write:
		if args[0] != 1 {
			return errnoOf(kernelerr.EGENERIC)
		}
		ptr, length := uintptr(args[1]), uintptr(args[2])
		if length == 0 {
			return 0
		}
		buf, err := d.readUserBuffer(t, ptr, length)
		if err != nil {
			return errnoOf(err)
		}
		n, err := d.device.Write(buf)
		if err != nil {
			log.Warn().Err(err).Msg("write to output device failed")
			return errnoOf(err)
		}
		return int64(n)

	case Exit:
		rt.Exit(int32(args[0]))
		return 0

	case Sleep:
		rt.Sleep(args[0])
		return 0

	case IPCSend:
		port := int32(args[0])
		ptr, length := uintptr(args[1]), uintptr(args[2])
		buf, err := d.readUserBuffer(t, ptr, length)
		if err != nil {
			return errnoOf(err)
		}
		if err := d.ports.Send(port, t.ID, buf); err != nil {
			return errnoOf(err)
		}
		return 0

	case IPCRecv:
		port := int32(args[0])
		msg, err := d.ports.Recv(rt, port)
		if err != nil {
			return errnoOf(err)
		}
		ptr, maxLen := uintptr(args[1]), uintptr(args[2])
		n := uintptr(len(msg.Payload))
		if n > maxLen {
			n = maxLen
		}
		if err := d.writeUserBuffer(t, ptr, msg.Payload[:n]); err != nil {
			return errnoOf(err)
		}
		return int64(n)

	case Yield:
		rt.Yield()
		return 0

	case GetPID:
		return int64(t.ID)

	case Fork:
		return rt.Fork()

	case Wait:
		child, code, err := rt.Wait(int64(args[0]))
		if err != nil {
			return errnoOf(err)
		}
		if ptr := uintptr(args[1]); ptr != 0 {
			_ = d.writeUserBuffer(t, ptr, []byte{byte(code)})
		}
		return int64(child)

	default:
		return errnoOf(kernelerr.ENOSYS)
	}
}

// readUserBuffer validates [ptr, ptr+length) against t's owned regions
// before returning a copy. A null pointer, an out-of-range address, or an
// address outside every owned region is rejected with EBADADDR (§4.F
// "Pointer validation").
func (d *Dispatcher) readUserBuffer(t *proctable.Task, ptr, length uintptr) ([]byte, error) {
	if ptr == 0 {
		return nil, kernelerr.EBADADDR
	}
	view, ok := t.Translate(ptr, length, false)
	if !ok {
		return nil, kernelerr.EBADADDR
	}
	buf := make([]byte, length)
	copy(buf, view)
	return buf, nil
}

func (d *Dispatcher) writeUserBuffer(t *proctable.Task, ptr uintptr, data []byte) error {
	if ptr == 0 {
		return kernelerr.EBADADDR
	}
	view, ok := t.Translate(ptr, uintptr(len(data)), true)
	if !ok {
		return kernelerr.EBADADDR
	}
	copy(view, data)
	return nil
}

func errnoOf(err error) int64 {
	if e, ok := err.(*kernelerr.Error); ok {
		return int64(e.Errno())
	}
	return int64(kernelerr.EGENERIC.Errno())
}
