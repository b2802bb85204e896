// Package tty adapts a real Unix terminal to the device.InputSource
// capability, putting it into raw (unbuffered, unechoed) mode so guest
// keypresses reach the keyboard device one byte at a time instead of
// waiting for a line to be submitted.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned by NewRawConsole when the given file is not backed
// by a terminal, so raw-mode I/O cannot be set up.
var ErrNoTTY = errors.New("tty: not a terminal")

// RawConsole is a device.InputSource reading raw bytes from a host
// terminal. Grounded on the teacher's Console (this package's own prior
// version): term.MakeRaw plus a VMIN/VTIME termios tweak so reads return
// as soon as a byte is available rather than waiting for a full line,
// adapted from a type bound to vm.Keyboard/vm.DisplayDriver to one bound
// to nothing but the InputSource.Run signature.
type RawConsole struct {
	in    *os.File
	fd    int
	state *term.State
}

// NewRawConsole puts in into raw mode and returns a console reading from
// it. Callers must call Restore once done to return the terminal to its
// original state.
func NewRawConsole(in *os.File) (*RawConsole, error) {
	fd := int(in.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &RawConsole{fd: fd, in: in, state: saved}

	if err := c.setTerminalParams(1, 0); err != nil {
		_ = term.Restore(fd, saved)
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to the state it was in before NewRawConsole.
func (c *RawConsole) Restore() error {
	_ = c.in.SetReadDeadline(time.Now())
	return term.Restore(c.fd, c.state)
}

func (c *RawConsole) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// Run implements device.InputSource: it reads bytes from the terminal and
// calls push for each one, until ctx is cancelled or the terminal read
// fails, restoring the terminal's original mode before returning.
func (c *RawConsole) Run(ctx context.Context, push func(byte)) {
	defer func() { _ = c.Restore() }()

	_ = syscall.SetNonblock(c.fd, false)

	br := bufio.NewReader(c.in)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := br.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
			push(b)
		}
	}
}
