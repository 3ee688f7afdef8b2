// Package output implements the single byte-sink output device (§6) used
// for kernel diagnostics and for the WRITE syscall on file descriptor 1. The
// kernel performs no buffering of its own: a write either transmits in full
// or reports failure, matching §7's "write-to-serial either transmits fully
// or returns -1".
package output

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Device is a single, lockable byte sink. The zero value is not usable;
// construct one with NewSerial.
type Device struct {
	mu sync.Mutex
	fd int
}

// NewSerial wraps an already-open file descriptor (typically 1 or 2 on the
// host process standing in for the real UART) as the kernel's output
// device.
func NewSerial(fd int) *Device {
	return &Device{fd: fd}
}

// Write transmits buf in full or returns an error. It never returns a short
// write: on EINTR it retries, following the same retry-on-interrupt
// discipline the teacher uses when waiting on a traced thread (retry rather
// than surface a spurious failure to the caller).
func (d *Device) Write(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := unix.Write(d.fd, buf[total:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}
