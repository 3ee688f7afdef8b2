// Package descriptors models the per-CPU descriptor tables installed during
// platform bring-up (§4.A item 3-4): a GDT carrying kernel and user
// selectors, and a task-state structure with dedicated interrupt stacks for
// NMI and double-fault recovery.
package descriptors

import "fmt"

// Selector identifies a GDT entry by index and requested privilege level.
type Selector uint16

// RPL returns the requested privilege level encoded in the low bits of the
// selector.
func (s Selector) RPL() int { return int(s & 0x3) }

// The fixed selector layout every CPU installs. Index order matches a
// typical flat GDT: null, kernel code, kernel data, user code, user data,
// TSS.
const (
	SelectorNull Selector = 0
	SelectorKernelCode Selector = 0x08
	SelectorKernelData Selector = 0x10
	// SelectorUserCode and SelectorUserData carry RPL=3, matching §4.F
	// "distinct code/data selector pair" for ring 3.
	SelectorUserCode Selector = 0x18 | 3
	SelectorUserData Selector = 0x20 | 3
	SelectorTSS        Selector = 0x28
)

const interruptStackSize = 16 * 1024

// TaskState is the hardware task-state structure. RSP0 is the ring-0 stack
// pointer loaded on every trap from user mode (§4.F step 1); IST1/IST2 are
// dedicated stacks used only for NMI and double-fault delivery so that a
// corrupted kernel stack cannot cascade into those handlers (§4.A item 4).
type TaskState struct {
	RSP0 uintptr
	IST1 []byte // NMI stack
	IST2 []byte // double-fault stack
}

// NewTaskState allocates dedicated interrupt stacks. RSP0 is left zero:
// nothing in the kernel core sets it or percpu.PerCpu.KernelStackTop.
func NewTaskState() *TaskState {
	return &TaskState{
		IST1: make([]byte, interruptStackSize),
		IST2: make([]byte, interruptStackSize),
	}
}

// Table is the descriptor table state for one CPU: GDT selectors (fixed and
// shared across CPUs) plus this CPU's own TSS.
type Table struct {
	CPUIndex int
	TSS      *TaskState
	installed bool
}

// New constructs the descriptor table for the given logical CPU. It does
// not install anything until Install is called, matching the real
// sequence: allocate, then load via lgdt/ltr.
func New(cpuIndex int) *Table {
	return &Table{CPUIndex: cpuIndex, TSS: NewTaskState()}
}

// Install loads the table: in a real kernel this executes lgdt/lidt/ltr; in
// this simulation it just validates the structure is complete and marks it
// installed, which is what every other component checks before trusting
// per-CPU ring-transition state.
func (t *Table) Install() error {
	if t.TSS == nil || len(t.TSS.IST1) == 0 || len(t.TSS.IST2) == 0 {
		return fmt.Errorf("descriptors: incomplete task-state structure for cpu %d", t.CPUIndex)
	}
	t.installed = true
	return nil
}

// Installed reports whether Install has completed successfully.
func (t *Table) Installed() bool { return t.installed }
