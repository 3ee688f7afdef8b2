// Package bootinfo models the boot-handoff structure a Limine-compatible
// bootloader hands the kernel (§6 "Boot handoff") and the options parsed out
// of the kernel command line it carries.
package bootinfo

import (
	"strings"

	"github.com/spf13/pflag"
)

// MemoryKind classifies a MemoryMap entry.
type MemoryKind int

const (
	MemoryUsable MemoryKind = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryBad
	MemoryBootloaderReclaimable
	MemoryKernelAndModules
	MemoryFramebuffer
)

// MemoryRegion is one entry of the firmware-provided memory map.
type MemoryRegion struct {
	Start  uint64
	Length uint64
	Kind   MemoryKind
}

// Framebuffer describes the boot framebuffer, if any was handed off.
type Framebuffer struct {
	Addr   uint64
	Width  uint32
	Height uint32
	Pitch  uint32
	BPP    uint8
}

// Handoff is the process-wide state retained from the bootloader handoff, as
// required by §6: "The core reads these once during bring-up and retains
// copies as process-wide state."
type Handoff struct {
	MemoryMap     []MemoryRegion
	Framebuffer   *Framebuffer
	FirmwareTable uintptr // e.g. RSDP physical address; 0 if unavailable
	CommandLine   string
}

// Copy returns a deep copy of h, since the handoff is retained independently
// of whatever transient buffer the bootloader handed over.
func (h *Handoff) Copy() *Handoff {
	out := &Handoff{
		FirmwareTable: h.FirmwareTable,
		CommandLine:   h.CommandLine,
	}
	out.MemoryMap = append(out.MemoryMap, h.MemoryMap...)
	if h.Framebuffer != nil {
		fb := *h.Framebuffer
		out.Framebuffer = &fb
	}
	return out
}

// UsableBytes sums the length of every usable region, a sanity figure
// logged once at boot.
func (h *Handoff) UsableBytes() uint64 {
	var total uint64
	for _, r := range h.MemoryMap {
		if r.Kind == MemoryUsable {
			total += r.Length
		}
	}
	return total
}

// Options are the tunables carried on the kernel command line. Defaults
// satisfy every lower bound named in the spec (tick rate 10-1000Hz, port
// count >=256, port capacity >=16, max message size >=4096).
type Options struct {
	TickHz       int
	SMP          bool
	LogLevel     string
	PortCount    int
	PortCapacity int
	MaxMessage   int
	ProcessSlots int
}

// DefaultOptions returns the recommended configuration from §4.A/§3.
func DefaultOptions() Options {
	return Options{
		TickHz:       100,
		SMP:          true,
		LogLevel:     "info",
		PortCount:    256,
		PortCapacity: 16,
		MaxMessage:   4096,
		ProcessSlots: 4096,
	}
}

// ParseCommandLine parses the firmware-provided kernel command line into
// Options, starting from DefaultOptions. Unknown tokens are ignored rather
// than rejected, since the command line may carry flags meant for external
// collaborators (VFS, drivers) outside the core's scope.
func ParseCommandLine(cmdline string) (Options, error) {
	opts := DefaultOptions()

	fs := pflag.NewFlagSet("melloos", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true

	fs.IntVar(&opts.TickHz, "hz", opts.TickHz, "local timer frequency in Hz (10-1000)")
	fs.BoolVar(&opts.SMP, "smp", opts.SMP, "bring up application processors")
	fs.StringVar(&opts.LogLevel, "loglevel", opts.LogLevel, "diagnostic log level")
	fs.IntVar(&opts.PortCount, "ports", opts.PortCount, "number of IPC ports")
	fs.IntVar(&opts.PortCapacity, "port-capacity", opts.PortCapacity, "messages queued per port")
	fs.IntVar(&opts.MaxMessage, "max-message", opts.MaxMessage, "maximum IPC message length")
	fs.IntVar(&opts.ProcessSlots, "process-slots", opts.ProcessSlots, "process table size")

	args := strings.Fields(cmdline)
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	opts = clamp(opts)
	return opts, nil
}

func clamp(o Options) Options {
	if o.TickHz < 10 {
		o.TickHz = 10
	}
	if o.TickHz > 1000 {
		o.TickHz = 1000
	}
	if o.PortCount < 256 {
		o.PortCount = 256
	}
	if o.PortCapacity < 16 {
		o.PortCapacity = 16
	}
	if o.MaxMessage < 4096 {
		o.MaxMessage = 4096
	}
	if o.ProcessSlots < 1 {
		o.ProcessSlots = 1
	}
	return o
}
