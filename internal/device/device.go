// Package device implements the machine's peripheral devices: RTC, keyboard,
// TTY, terminal, block I/O, snapshot control and SVGA framebuffer. Each
// device is an internal/bus.MMIODevice, grounded on the teacher's device
// dispatch pattern (internal/vm/devices.go's Driver/DeviceReader/DeviceWriter
// split) generalized from the teacher's fixed status/data register pair to
// whatever register layout each device in spec.md §4.6 actually needs.
package device

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/word"
)

// Sentinel errors shared across device implementations.
var (
	// ErrBadOffset is returned for an MMIO offset outside a device's
	// registered register block.
	ErrBadOffset = errors.New("device: bad offset")

	// ErrWriteOnly is returned when a guest reads a write-only register.
	ErrWriteOnly = errors.New("device: write-only register")

	// ErrReadOnly is returned when a guest writes a read-only register.
	ErrReadOnly = errors.New("device: read-only register")

	// ErrNoStorage is returned by the block I/O device when a command
	// names a storage id with no attached backing file.
	ErrNoStorage = errors.New("device: no such storage")

	// ErrStorageBounds is returned when a block index falls outside the
	// attached backing file.
	ErrStorageBounds = errors.New("device: block index out of range")
)

// offsetError wraps ErrBadOffset with the offending offset, matching the
// AddrError-with-context idiom used by internal/mem and internal/bus.
func offsetError(name string, offset word.Word) error {
	return fmt.Errorf("%w: %s offset %s", ErrBadOffset, name, offset)
}

// byteOf extracts the low byte of v, for registers that only ever hold a
// single byte's worth of information (status bits, scancodes).
func byteOf(v word.Word) byte { return byte(v) }
