package kernel

import (
	"runtime"

	"github.com/n4ar/melloos/internal/klog"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
)

// Fault describes the context a kernel-fatal condition was detected in,
// for the panic dump (§9 "Kernel panic").
type Fault struct {
	Reason  string
	Task    *proctable.Task
	PC, SP  uintptr
	Address uintptr
}

// Panic is the kernel-fatal error path: disable interrupts on the calling
// CPU, broadcast a halt IPI to every CPU (the caller's own included), dump identifying state to
// the output device as a structured log event, and halt. It never returns.
func (k *Kernel) Panic(f Fault) {
	if pc, ok := percpu.TryCurrent(); ok {
		pc.SetInterruptsEnabled(false)
	}

	for i := 0; i < k.Scheduler.CPUCount(); i++ {
		if cpu := k.Scheduler.PerCPU(i); cpu != nil {
			cpu.SendHalt()
		}
	}

	log := klog.For("panic")
	ev := log.Fatal().Str("reason", f.Reason).
		Uintptr("pc", f.PC).
		Uintptr("sp", f.SP).
		Uintptr("fault_addr", f.Address)
	if f.Task != nil {
		ev = ev.Uint64("task", uint64(f.Task.ID)).Int("cpu", f.Task.CPU())
	}
	ev.Bytes("stack", debugStack()).Msg("kernel panic")

	select {}
}

func debugStack() []byte {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)
	return buf[:n]
}
