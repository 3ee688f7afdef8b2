// Package klog wires every subsystem's diagnostic output through a single
// zerolog logger writing to the kernel's output device (§6), so that the
// core never buffers its own log lines and never uses fmt.Println/log.Print
// for anything user-facing.
package klog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	sink    io.Writer = os.Stderr
	base              = zerolog.New(sink).With().Timestamp().Logger()
)

// SetSink redirects every future logger returned by For to w. Used during
// boot once the real output device (the serial port sink, internal/output)
// is initialized, and by tests to capture output.
func SetSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
	base = zerolog.New(sink).With().Timestamp().Logger()
}

// For returns a logger tagged with the owning component's name, e.g.
// klog.For("sched") or klog.For("ipc"). Component names match the §2
// component table so a log line's origin is unambiguous.
func For(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", component).Logger()
}
