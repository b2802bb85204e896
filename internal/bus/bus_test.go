package bus_test

import (
	"errors"
	"testing"

	"github.com/pombredanne/ducky/internal/bus"
	"github.com/pombredanne/ducky/internal/word"
)

type fakeMMIO struct {
	name      string
	lastRead  word.Word
	lastWrite word.Word
}

func (f *fakeMMIO) Name() string { return f.name }

func (f *fakeMMIO) ReadMMIO(offset word.Word, width int) (word.Word, error) {
	f.lastRead = offset
	return offset, nil
}

func (f *fakeMMIO) WriteMMIO(offset word.Word, width int, value word.Word) error {
	f.lastWrite = value
	return nil
}

type fakePort struct {
	name string
}

func (f *fakePort) Name() string { return f.name }

func (f *fakePort) ReadPort(port word.Word, width int) (word.Word, error) {
	return port, nil
}

func (f *fakePort) WritePort(port word.Word, width int, value word.Word) error {
	return nil
}

func TestRegisterAndDispatchMMIO(t *testing.T) {
	b := bus.New()
	dev := &fakeMMIO{name: "rtc"}

	if err := b.RegisterMMIO(dev, 0x1000, 0x10); err != nil {
		t.Fatalf("register: %v", err)
	}

	v, err := b.ReadMMIO(0x1004, 4)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if v != 4 {
		t.Errorf("want offset 4, got %s", v)
	}

	if err := b.WriteMMIO(0x1008, 4, 0xaa); err != nil {
		t.Fatalf("write: %v", err)
	}

	if dev.lastWrite != 0xaa {
		t.Errorf("want 0xaa, got %s", dev.lastWrite)
	}
}

func TestOverlappingMMIORegistrationConflicts(t *testing.T) {
	b := bus.New()

	if err := b.RegisterMMIO(&fakeMMIO{name: "a"}, 0x1000, 0x10); err != nil {
		t.Fatalf("register a: %v", err)
	}

	err := b.RegisterMMIO(&fakeMMIO{name: "b"}, 0x1008, 0x10)
	if !errors.Is(err, bus.ErrAddressConflict) {
		t.Errorf("want AddressConflict, got %v", err)
	}
}

func TestAdjacentMMIORegionsDoNotConflict(t *testing.T) {
	b := bus.New()

	if err := b.RegisterMMIO(&fakeMMIO{name: "a"}, 0x1000, 0x10); err != nil {
		t.Fatalf("register a: %v", err)
	}

	if err := b.RegisterMMIO(&fakeMMIO{name: "b"}, 0x1010, 0x10); err != nil {
		t.Errorf("adjacent regions should not conflict: %v", err)
	}
}

func TestUnroutedMMIOAddressFaults(t *testing.T) {
	b := bus.New()

	_, err := b.ReadMMIO(0xdead, 4)
	if !errors.Is(err, bus.ErrMMIOFault) {
		t.Errorf("want MMIOFault, got %v", err)
	}
}

func TestPortDispatch(t *testing.T) {
	b := bus.New()

	if err := b.RegisterPort(&fakePort{name: "kbd"}, 0x60, 2); err != nil {
		t.Fatalf("register: %v", err)
	}

	v, err := b.ReadPort(0x61, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if v != 1 {
		t.Errorf("want 1, got %s", v)
	}
}

func TestUnroutedPortFaults(t *testing.T) {
	b := bus.New()

	_, err := b.ReadPort(0x9999, 1)
	if !errors.Is(err, bus.ErrPortFault) {
		t.Errorf("want PortFault, got %v", err)
	}
}

func TestDevicesListsRegistrationOrder(t *testing.T) {
	b := bus.New()

	_ = b.RegisterMMIO(&fakeMMIO{name: "rtc"}, 0x1000, 0x10)
	_ = b.RegisterMMIO(&fakeMMIO{name: "tty"}, 0x2000, 0x10)
	_ = b.RegisterPort(&fakePort{name: "kbd"}, 0x60, 2)

	names := b.Devices()
	if len(names) != 3 || names[0] != "rtc" || names[1] != "tty" || names[2] != "kbd" {
		t.Errorf("unexpected device order: %v", names)
	}
}
