package device

import (
	"fmt"

	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// TTYData is the TTY device's sole register: a write-only data port.
const (
	TTYData = word.Word(0x00)

	// TTYSize is the size, in bytes, of the TTY's MMIO register block.
	TTYSize = word.Word(0x04)
)

// TTY is the MMIO data port; no IRQ, no status register. Every write is
// forwarded to the attached OutputSink synchronously, per spec.md §4.3's
// "side effects... performed synchronously within the MMIO call."
type TTY struct {
	out OutputSink
	log *log.Logger
}

// NewTTY creates a TTY device with no sink attached; writes fault until
// Attach is called.
func NewTTY() *TTY { return &TTY{log: log.DefaultLogger()} }

// Attach binds the host sink writes are forwarded to.
func (t *TTY) Attach(out OutputSink) { t.out = out }

// Name implements bus.MMIODevice.
func (t *TTY) Name() string { return "tty" }

// ReadMMIO implements bus.MMIODevice. The data port is write-only.
func (t *TTY) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	if offset != TTYData {
		return 0, offsetError(t.Name(), offset)
	}

	return 0, fmt.Errorf("%w: %s", ErrWriteOnly, offsetError(t.Name(), offset))
}

// WriteMMIO implements bus.MMIODevice.
func (t *TTY) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	if offset != TTYData {
		return offsetError(t.Name(), offset)
	}

	if t.out == nil {
		return fmt.Errorf("tty: write: %w", ErrTerminalUnwired)
	}

	if err := t.out.Write(byteOf(value)); err != nil {
		return fmt.Errorf("tty: write: %w", err)
	}

	return nil
}
