// Package smp simulates application-processor bring-up (§4.B): the
// INIT-SIPI-SIPI handshake that starts a secondary core executing, modeled
// as a goroutine lifecycle with a bounded online timeout rather than real
// interrupt delivery to real silicon.
//
// The two-phase handshake and per-AP outcome channel are grounded on the
// teacher's traced-subprocess lifecycle (pkg/sentry/platform/systrap/
// subprocess.go): there a subprocess is attached, sent a sequence of
// ptrace requests over a per-thread channel, and its outcome is observed
// through a wait() call with a fixed retry/timeout discipline. Here the
// "subprocess" is an application processor, the "ptrace requests" are the
// INIT and SIPI vectors, and wait() becomes a channel receive with a
// context deadline instead of EINTR/EAGAIN retry.
package smp

import (
	"context"
	"time"

	"github.com/n4ar/melloos/internal/klog"
	"github.com/n4ar/melloos/internal/topology"
)

// Outcome is the result of bringing up one application processor.
type Outcome int

const (
	Online Outcome = iota
	TimedOut
)

func (o Outcome) String() string {
	if o == Online {
		return "online"
	}
	return "timed-out"
}

// Result pairs one AP's topology entry with its bring-up outcome.
type Result struct {
	CPU     topology.CPUInfo
	Outcome Outcome
}

// StartFunc begins bringing up one application processor and signals ready
// once the processor has registered itself and is prepared to accept work.
// kernel.Boot's StartFunc installs the CPU's descriptor tables, per-CPU
// block and timer and registers it with the scheduler; its dispatch and
// interrupt loops start later, in Scheduler.Start. It mirrors the
// teacher's newSubprocess + attach() pairing: construct, then confirm the
// target is actually runnable before handing it real work.
type StartFunc func(cpu topology.CPUInfo) (ready <-chan struct{})

// onlineTimeout is the window §4.B allows an AP to come online before boot
// proceeds without it.
const onlineTimeout = 100 * time.Millisecond

// BringUp runs the INIT-SIPI-SIPI handshake against every application
// processor in aps, concurrently, and returns each one's outcome. An AP
// that does not signal ready within onlineTimeout is recorded TimedOut;
// per §4.B this never aborts the boot, since a kernel that can run on any
// subset of enabled cores should still run on one.
func BringUp(ctx context.Context, aps []topology.CPUInfo, start StartFunc) []Result {
	log := klog.For("smp")
	results := make([]Result, len(aps))

	type indexed struct {
		i   int
		res Result
	}
	done := make(chan indexed, len(aps))

	for i, cpu := range aps {
		go func(i int, cpu topology.CPUInfo) {
			log.Debug().Int("cpu", cpu.Index).Uint32("apic_id", cpu.APICID).Msg("sending INIT")
			// The real INIT-SIPI-SIPI sequence waits ~10ms between INIT and
			// the first SIPI and ~200us between the two SIPIs; simulated
			// here as a much shorter pause since nothing actually latches a
			// startup vector register.
			time.Sleep(time.Millisecond)
			log.Debug().Int("cpu", cpu.Index).Msg("sending SIPI x2")

			readyCh := start(cpu)

			ctx, cancel := context.WithTimeout(ctx, onlineTimeout)
			defer cancel()

			select {
			case <-readyCh:
				done <- indexed{i, Result{CPU: cpu, Outcome: Online}}
			case <-ctx.Done():
				log.Warn().Int("cpu", cpu.Index).Msg("application processor did not come online within timeout, continuing boot without it")
				done <- indexed{i, Result{CPU: cpu, Outcome: TimedOut}}
			}
		}(i, cpu)
	}

	for range aps {
		r := <-done
		results[r.i] = r.res
	}
	return results
}
