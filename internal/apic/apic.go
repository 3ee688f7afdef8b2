// Package apic models the platform's local interrupt controller: the
// per-CPU unit that delivers timer ticks and inter-processor interrupts
// (§4.A, §4.B, GLOSSARY "Local interrupt controller").
//
// There is no real APIC MMIO region available to a process-simulated
// kernel, so Controller is implemented by softwareController, a free
// -running counter driven by a goroutine. The calibration algorithm in
// Calibrate is written exactly as §4.A specifies it (cross-check against an
// independent reference, latch initial/final counter values, derive a
// ratio) so that a real MMIO-backed Controller could be substituted without
// touching callers.
package apic

import (
	"time"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/n4ar/melloos/internal/klog"
)

// Vector identifies the reason an interrupt was raised.
type Vector uint8

const (
	VectorTimer Vector = iota
	VectorReschedule
	VectorHalt
)

// Controller is the local interrupt controller contract used by component A
// (bring-up) and component B (SMP). Each CPU owns exactly one Controller
// instance.
type Controller interface {
	// Init brings the controller to a known state: masked, no pending IPIs.
	Init() error
	// Counter returns the free-running counter value, used only for
	// calibration.
	Counter() uint64
	// StartPeriodic arms the periodic timer at the given frequency and
	// returns a channel that receives a value on every tick.
	StartPeriodic(hz int) <-chan Vector
	// SendIPI delivers vector to the controller identified by apicID.
	// Delivery is asynchronous: SendIPI does not block on acknowledgement.
	SendIPI(apicID uint32, vector Vector)
	// Deliver is called by the sender's side-channel in this simulation to
	// hand a vector to the receiving controller; real hardware would not
	// need this, since the IPI is delivered on the bus.
	Deliver(vector Vector)
}

// ReferenceClock is the independent reference used to calibrate the local
// timer. On real hardware this is the ACPI PM timer or HPET; here it is the
// host's monotonic clock, read through the same golang.org/x/sys/unix
// surface the teacher uses for every host interaction.
type ReferenceClock interface {
	Available() bool
	Now() (nanos int64, err error)
}

// MonotonicReference reads CLOCK_MONOTONIC via a raw syscall, standing in
// for an ACPI PM timer read.
type MonotonicReference struct{}

func (MonotonicReference) Available() bool { return true }

func (MonotonicReference) Now() (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, err
	}
	return ts.Nano(), nil
}

// calibrationWindow is the "known short interval" §4.A calibrates against.
const calibrationWindow = 10 * time.Millisecond

// defaultHzOnFailure is the conservative fallback frequency used when the
// reference clock is unreachable.
const defaultHzOnFailure = 100

// Calibrate latches the controller's free-running counter before and after
// a known reference-clock interval and derives the counter-to-reference
// ratio, which is not used further. It does not arm the timer: it returns
// targetHz clamped to 10-1000 Hz (or the fallback frequency) for the caller
// to pass to StartPeriodic, and whether the fallback path was used.
func Calibrate(ctrl Controller, ref ReferenceClock, targetHz int) (armedHz int, fellBack bool) {
	log := klog.For("apic")

	if !ref.Available() {
		log.Warn().Msg("reference clock unavailable, falling back to conservative default frequency")
		return defaultHzOnFailure, true
	}

	start, err := ref.Now()
	if err != nil {
		log.Warn().Err(err).Msg("reference clock read failed, falling back to conservative default frequency")
		return defaultHzOnFailure, true
	}
	c0 := ctrl.Counter()
	time.Sleep(calibrationWindow)
	c1 := ctrl.Counter()
	end, err := ref.Now()
	if err != nil || end <= start {
		log.Warn().Err(err).Msg("reference clock latch failed, falling back to conservative default frequency")
		return defaultHzOnFailure, true
	}

	countsPerNano := float64(c1-c0) / float64(end-start)
	_ = countsPerNano // derived for diagnostics; the software controller is already wall-clock driven

	if targetHz < 10 {
		targetHz = 10
	}
	if targetHz > 1000 {
		targetHz = 1000
	}
	log.Info().Int("hz", targetHz).Msg("local timer calibrated")
	return targetHz, false
}

// softwareController is the default Controller: a wall-clock-driven
// free-running counter and periodic tick source.
type softwareController struct {
	apicID  uint32
	counter uint64
	ticks   chan Vector
	ipis    chan Vector
	stop    chan struct{}
}

// busRegistry is the simulated interrupt bus: every softwareController
// registers itself by APIC id so SendIPI can route a vector to whichever
// controller owns the destination id, the way a real bus delivers an IPI to
// the target's local APIC without the sender needing a direct reference to
// it.
var (
	busMu   sync.Mutex
	busByID = map[uint32]*softwareController{}
)

// NewSoftware returns a Controller for the CPU with the given APIC id.
func NewSoftware(apicID uint32) Controller {
	c := &softwareController{
		apicID: apicID,
		ipis:   make(chan Vector, 16),
		stop:   make(chan struct{}),
	}
	busMu.Lock()
	busByID[apicID] = c
	busMu.Unlock()
	return c
}

func (c *softwareController) Init() error {
	return nil
}

func (c *softwareController) Counter() uint64 {
	return c.counter
}

func (c *softwareController) StartPeriodic(hz int) <-chan Vector {
	if hz < 10 {
		hz = 10
	}
	if hz > 1000 {
		hz = 1000
	}
	period := time.Second / time.Duration(hz)
	out := make(chan Vector, 1)
	c.ticks = out

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				c.counter++
				select {
				case out <- VectorTimer:
				default:
					// Tick handler hasn't drained the previous tick yet;
					// the counter still advanced, matching real hardware
					// which does not stall on a busy CPU.
				}
			case v := <-c.ipis:
				select {
				case out <- v:
				default:
				}
			case <-c.stop:
				return
			}
		}
	}()
	return out
}

// SendIPI routes vector to the controller registered under apicID via
// busRegistry. The sending controller need not be the destination, and
// need not be registered at all (a controller can send without yet being
// addressable). A destination that has gone away (apicID not registered)
// silently drops the IPI, matching a real bus delivering to a core that
// has been powered off.
func (c *softwareController) SendIPI(apicID uint32, vector Vector) {
	busMu.Lock()
	dst := busByID[apicID]
	busMu.Unlock()
	if dst != nil {
		dst.Deliver(vector)
	}
}

func (c *softwareController) Deliver(vector Vector) {
	select {
	case c.ipis <- vector:
	default:
		// IPI already pending of this class; coalescing is acceptable for
		// reschedule/halt, which are level-triggered requests, not events.
	}
}
