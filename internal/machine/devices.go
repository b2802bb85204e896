package machine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pombredanne/ducky/internal/bus"
	"github.com/pombredanne/ducky/internal/config"
	"github.com/pombredanne/ducky/internal/device"
	"github.com/pombredanne/ducky/internal/hdt"
	"github.com/pombredanne/ducky/internal/tty"
	"github.com/pombredanne/ducky/internal/word"
)

// buildDevice constructs and wires the device described by one [device-N]
// section, per spec.md §4.6/§6's "klass and driver" descriptor. Every klass
// registers its MMIO range on the bus, records an HDT device entry, and, if
// it ticks or snapshots, is added to the machine's bookkeeping lists.
func (m *Machine) buildDevice(sec config.Section) error {
	klass, err := sec.Required("klass")
	if err != nil {
		return err
	}

	base, err := sec.Word("mmio-base", 0)
	if err != nil {
		return err
	}

	switch klass {
	case "rtc":
		return m.buildRTC(sec, base)
	case "console":
		return m.buildConsole(sec, base)
	case "blockio":
		return m.buildBlockIO(sec, base)
	case "svga":
		return m.buildSVGA(sec, base)
	case "snapshot":
		return m.buildSnapshotControl(sec, base)
	default:
		return fmt.Errorf("%w: [%s]: unknown device klass %q", ErrDeviceInit, sec.Name, klass)
	}
}

func (m *Machine) irqOf(sec config.Section) (uint16, error) {
	if _, err := sec.Required("irq"); err != nil {
		return 0, err
	}

	n, err := sec.Int("irq", 0)
	if err != nil {
		return 0, err
	}

	return uint16(n), nil
}

func (m *Machine) registerDevice(sec config.Section, dev bus.MMIODevice, base, size word.Word, irq int32) error {
	if err := m.Bus.RegisterMMIO(dev, base, size); err != nil {
		return fmt.Errorf("%w: [%s]: %s", ErrDeviceInit, sec.Name, err)
	}

	m.deviceEntries = append(m.deviceEntries, hdt.DeviceEntry{
		Name: dev.Name(), MMIOBase: uint32(base), Size: uint32(size), IRQ: irq,
	})

	return nil
}

func (m *Machine) buildRTC(sec config.Section, base word.Word) error {
	irq, err := m.irqOf(sec)
	if err != nil {
		return err
	}

	rtc := device.NewRTC(irq, m.Intr)

	if freq, err := sec.Word("frequency", 0); err != nil {
		return err
	} else if freq != 0 {
		if err := rtc.WriteMMIO(device.RTCFrequency, 4, freq); err != nil {
			return fmt.Errorf("%w: [%s]: %s", ErrDeviceInit, sec.Name, err)
		}
	}

	if err := m.registerDevice(sec, rtc, base, device.RTCSize, int32(irq)); err != nil {
		return err
	}

	m.tickers = append(m.tickers, rtc)
	m.snapshotters[rtc.Name()] = rtc

	return nil
}

// buildConsole constructs the keyboard+TTY+terminal bundle spec.md §4.6
// describes as one conceptual unit ("Terminal: binds a keyboard frontend
// to an input and a TTY frontend to an output"), bound to the host's
// standard streams. Host stdin feeds the keyboard through a raw-mode
// internal/tty.RawConsole when stdin is a real terminal, falling back to
// unbuffered stream reads (no raw mode, so keys only arrive a line at a
// time) when it isn't -- e.g. under `go test`, or when input is piped.
func (m *Machine) buildConsole(sec config.Section, ttyBase word.Word) error {
	kbdBase, err := sec.Word("kbd-mmio-base", 0)
	if err != nil {
		return err
	}

	irq, err := m.irqOf(sec)
	if err != nil {
		return err
	}

	kbd := device.NewKeyboard(irq, m.Intr)
	ttyDev := device.NewTTY()

	var in device.InputSource

	if console, err := tty.NewRawConsole(os.Stdin); err == nil {
		in = console
	} else if errors.Is(err, tty.ErrNoTTY) {
		in = device.NewStreamInput(os.Stdin)
	} else {
		return fmt.Errorf("%w: [%s]: %s", ErrDeviceInit, sec.Name, err)
	}

	term, err := device.NewTerminal(in, kbd, device.NewStreamOutput(os.Stdout), ttyDev)
	if err != nil {
		return fmt.Errorf("%w: [%s]: %s", ErrDeviceInit, sec.Name, err)
	}

	if err := m.registerDevice(sec, kbd, kbdBase, device.KBDSize, int32(irq)); err != nil {
		return err
	}

	if err := m.registerDevice(sec, ttyDev, ttyBase, device.TTYSize, -1); err != nil {
		return err
	}

	m.snapshotters[kbd.Name()] = kbd
	m.terminals = append(m.terminals, term)

	return nil
}

func (m *Machine) buildBlockIO(sec config.Section, base word.Word) error {
	irq, err := m.irqOf(sec)
	if err != nil {
		return err
	}

	path, err := sec.Required("path")
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: [%s]: %s", ErrIO, sec.Name, err)
	}

	blk := device.NewBlockIO(m.Mem, kernelCore, irq, m.Intr)
	blk.Attach(0, f)

	if latency, err := sec.Int("latency", 0); err != nil {
		return err
	} else if latency != 0 {
		blk.SetLatency(uint64(latency))
	}

	if err := m.registerDevice(sec, blk, base, device.BlockIOSize, int32(irq)); err != nil {
		return err
	}

	m.tickers = append(m.tickers, blk)

	return nil
}

func (m *Machine) buildSVGA(sec config.Section, base word.Word) error {
	width, err := sec.Int("width", 0)
	if err != nil {
		return err
	}

	height, err := sec.Int("height", 0)
	if err != nil {
		return err
	}

	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: [%s]: width and height must be > 0", ErrDeviceInit, sec.Name)
	}

	svga := device.NewSVGA(width, height)

	if err := m.registerDevice(sec, svga, base, svga.Size(), -1); err != nil {
		return err
	}

	m.snapshotters[svga.Name()] = svga

	return nil
}

func (m *Machine) buildSnapshotControl(sec config.Section, base word.Word) error {
	snap := device.NewSnapshotControl(
		func() error { return m.Save(m.SnapshotPath) },
		func() error { return m.Load(m.SnapshotPath) },
	)

	return m.registerDevice(sec, snap, base, device.SnapshotControlSize, -1)
}

// consoleSink implements bus.MMIODevice for firmware's hand-encoded
// console-output trap (firmware.ConsoleMMIOBase): a single write-only byte
// register forwarding to a host writer.
type consoleSink struct {
	out io.Writer
}

func newConsoleSink() *consoleSink { return &consoleSink{out: io.Discard} }

func (c *consoleSink) Name() string { return "console" }

func (c *consoleSink) ReadMMIO(_ word.Word, _ int) (word.Word, error) { return 0, nil }

func (c *consoleSink) WriteMMIO(_ word.Word, _ int, value word.Word) error {
	_, err := c.out.Write([]byte{byte(value)})
	return err
}
