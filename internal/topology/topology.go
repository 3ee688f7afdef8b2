// Package topology discovers the enabled-CPU inventory from the firmware
// table pointer carried in the boot handoff (§4.A item 1). On real hardware
// this walks the ACPI MADT; here the APIC ids come from a Source, and
// Discover does not read bootinfo.Handoff.FirmwareTable.
package topology

import (
	"fmt"

	"github.com/n4ar/melloos/internal/bootinfo"
)

// CPUInfo describes one enabled core as reported by firmware.
type CPUInfo struct {
	Index   int
	APICID  uint32
	IsBoot  bool
}

// Inventory is the set of enabled cores discovered at bring-up.
type Inventory struct {
	CPUs []CPUInfo
}

// BootCPU returns the CPUInfo for the boot processor.
func (inv *Inventory) BootCPU() CPUInfo {
	for _, c := range inv.CPUs {
		if c.IsBoot {
			return c
		}
	}
	return inv.CPUs[0]
}

// ApplicationProcessors returns every enabled core other than the boot CPU.
func (inv *Inventory) ApplicationProcessors() []CPUInfo {
	var aps []CPUInfo
	for _, c := range inv.CPUs {
		if !c.IsBoot {
			aps = append(aps, c)
		}
	}
	return aps
}

// Source supplies the raw APIC id list discovered from firmware tables. A
// real implementation walks the MADT behind Handoff.FirmwareTable; tests
// and the software boot path supply a Source directly.
type Source interface {
	// APICIDs returns the APIC id of every enabled core, boot CPU first.
	APICIDs() ([]uint32, error)
}

// Discover builds an Inventory from handoff using src to enumerate APIC
// ids. A failure to locate the interrupt-controller tables (src returning
// an error, or an empty CPU set) is fatal per §4.A.
func Discover(handoff *bootinfo.Handoff, src Source) (*Inventory, error) {
	ids, err := src.APICIDs()
	if err != nil {
		return nil, fmt.Errorf("topology: failed to locate interrupt-controller tables: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("topology: firmware table reports zero enabled cores")
	}

	inv := &Inventory{CPUs: make([]CPUInfo, len(ids))}
	for i, id := range ids {
		inv.CPUs[i] = CPUInfo{Index: i, APICID: id, IsBoot: i == 0}
	}
	return inv, nil
}

// StaticSource is a fixed APIC id list, used by the software boot path when
// no MADT parser is wired in and by tests.
type StaticSource []uint32

func (s StaticSource) APICIDs() ([]uint32, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("topology: static source is empty")
	}
	out := make([]uint32, len(s))
	copy(out, s)
	return out, nil
}
