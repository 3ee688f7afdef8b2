// Package kernel orchestrates the fixed boot sequence (§9 "Boot order"):
// descriptor tables, the boot CPU's per-CPU block, its interrupt
// controller and local timer, the scheduler, IPC, the application
// processors, and finally the idle switch once nothing else is Ready.
package kernel

import (
	"context"
	"fmt"

	"github.com/n4ar/melloos/internal/apic"
	"github.com/n4ar/melloos/internal/bootinfo"
	"github.com/n4ar/melloos/internal/descriptors"
	"github.com/n4ar/melloos/internal/ipc"
	"github.com/n4ar/melloos/internal/klog"
	"github.com/n4ar/melloos/internal/output"
	"github.com/n4ar/melloos/internal/percpu"
	"github.com/n4ar/melloos/internal/proctable"
	"github.com/n4ar/melloos/internal/sched"
	"github.com/n4ar/melloos/internal/smp"
	"github.com/n4ar/melloos/internal/syscall"
	"github.com/n4ar/melloos/internal/topology"
)

// Kernel is every live component boot wires together, held so the CLI
// entry point and tests can reach into it after bring-up.
type Kernel struct {
	Options    bootinfo.Options
	Inventory  *topology.Inventory
	Device     *output.Device
	Table      *proctable.Table
	Scheduler  *sched.Scheduler
	Ports      *ipc.Table
	Dispatcher *syscall.Dispatcher
}

// Boot runs the fixed init order against handoff, writing kernel output to
// outputFD (typically the serial console's file descriptor). src supplies
// the enabled-CPU inventory; topology.StaticSource is used when no real
// MADT parser is wired in.
func Boot(ctx context.Context, handoff *bootinfo.Handoff, outputFD int, src topology.Source) (*Kernel, error) {
	opts, err := bootinfo.ParseCommandLine(handoff.CommandLine)
	if err != nil {
		return nil, fmt.Errorf("kernel: parsing boot command line: %w", err)
	}

	device := output.NewSerial(outputFD)
	klog.SetSink(device)
	log := klog.For("kernel")
	log.Info().Msg("boot: command line parsed")

	inv, err := topology.Discover(handoff, src)
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	log.Info().Int("cpus", len(inv.CPUs)).Msg("boot: topology discovered")

	table := proctable.NewTable(opts.ProcessSlots)
	schedr := sched.NewScheduler(table, quantumTicksFor(opts))

	bootCPU := inv.BootCPU()
	if err := bringUpOne(schedr, bootCPU, opts); err != nil {
		return nil, fmt.Errorf("kernel: bringing up boot CPU: %w", err)
	}
	log.Info().Int("cpu", bootCPU.Index).Msg("boot: boot CPU online")

	ports := ipc.NewTable(schedr, opts.PortCount, opts.PortCapacity, opts.MaxMessage)
	dispatcher := syscall.NewDispatcher(device, ports)

	aps := inv.ApplicationProcessors()
	if len(aps) > 0 && opts.SMP {
		results := smp.BringUp(ctx, aps, func(cpu topology.CPUInfo) <-chan struct{} {
			ready := make(chan struct{})
			go func() {
				if err := bringUpOne(schedr, cpu, opts); err != nil {
					log.Warn().Int("cpu", cpu.Index).Err(err).Msg("application processor failed to come online")
					return
				}
				close(ready)
			}()
			return ready
		})
		for _, r := range results {
			log.Info().Int("cpu", r.CPU.Index).Str("outcome", r.Outcome.String()).Msg("boot: application processor result")
		}
	}

	schedr.Start()
	log.Info().Msg("boot: scheduler started, idle switch active on every online CPU")

	return &Kernel{
		Options:    opts,
		Inventory:  inv,
		Device:     device,
		Table:      table,
		Scheduler:  schedr,
		Ports:      ports,
		Dispatcher: dispatcher,
	}, nil
}

// bringUpOne installs one CPU's descriptor table, per-CPU block, and local
// timer, then registers it with the scheduler. This is the same sequence
// for the boot CPU and for every application processor: §9 requires
// descriptor tables and per-CPU state to exist before anything touches the
// scheduler, and that holds equally for a core brought up after the fact.
func bringUpOne(schedr *sched.Scheduler, cpu topology.CPUInfo, opts bootinfo.Options) error {
	desc := descriptors.New(cpu.Index)
	if err := desc.Install(); err != nil {
		return fmt.Errorf("installing descriptor table for cpu %d: %w", cpu.Index, err)
	}

	pc := percpu.New(cpu.Index, cpu.APICID)
	ctrl := apic.NewSoftware(cpu.APICID)
	if err := ctrl.Init(); err != nil {
		return fmt.Errorf("initializing interrupt controller for cpu %d: %w", cpu.Index, err)
	}
	armedHz, _ := apic.Calibrate(ctrl, apic.MonotonicReference{}, opts.TickHz)

	schedr.AddCPU(pc, ctrl, armedHz)
	return nil
}

func quantumTicksFor(opts bootinfo.Options) int {
	// A quantum of one tenth of a second, expressed in ticks, keeps the
	// round-robin interval stable across different configured tick rates.
	q := opts.TickHz / 10
	if q < 1 {
		q = 1
	}
	return q
}
