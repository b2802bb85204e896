// Package bus implements the machine's device bus: registration of MMIO and
// I/O-port address ranges and dispatch of reads and writes to the device
// owning each range. It generalizes the teacher's single-address MMIO table
// (internal/vm/io.go) to range-based mapping over both MMIO and I/O-port
// address spaces, per spec.md §4.3.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// Sentinel errors.
var (
	ErrAddressConflict = errors.New("address conflict")
	ErrMMIOFault       = errors.New("mmio fault")
	ErrPortFault       = errors.New("port fault")
)

// MMIODevice is implemented by devices mapped into the memory-mapped I/O
// address space. Offset is relative to the device's registered base.
type MMIODevice interface {
	Name() string
	ReadMMIO(offset word.Word, width int) (word.Word, error)
	WriteMMIO(offset word.Word, width int, value word.Word) error
}

// PortDevice is implemented by devices mapped into the I/O-port address
// space. Port is relative to the device's registered base.
type PortDevice interface {
	Name() string
	ReadPort(port word.Word, width int) (word.Word, error)
	WritePort(port word.Word, width int, value word.Word) error
}

type mmioRegion struct {
	base, size word.Word
	dev        MMIODevice
}

type portRegion struct {
	base, size word.Word
	dev        PortDevice
}

// Bus is the machine's device bus.
type Bus struct {
	mu    sync.Mutex
	mmio  []mmioRegion
	ports []portRegion
	log   *log.Logger
}

// New creates an empty device bus.
func New() *Bus {
	return &Bus{log: log.DefaultLogger()}
}

func overlaps(base1, size1, base2, size2 word.Word) bool {
	end1 := base1 + size1
	end2 := base2 + size2

	return base1 < end2 && base2 < end1
}

// RegisterMMIO maps dev into the MMIO address space at [base, base+size).
// It fails with AddressConflict if the range overlaps an existing mapping.
func (b *Bus) RegisterMMIO(dev MMIODevice, base, size word.Word) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.mmio {
		if overlaps(base, size, r.base, r.size) {
			return fmt.Errorf("%w: mmio %s[%s,+%s) overlaps %s[%s,+%s)",
				ErrAddressConflict, dev.Name(), base, size, r.dev.Name(), r.base, r.size)
		}
	}

	b.mmio = append(b.mmio, mmioRegion{base: base, size: size, dev: dev})
	b.log.Debug("mapped mmio device", log.String("DEVICE", dev.Name()), log.String("BASE", base.String()))

	return nil
}

// RegisterPort maps dev into the I/O-port address space at [base, base+size).
// It fails with AddressConflict if the range overlaps an existing mapping.
func (b *Bus) RegisterPort(dev PortDevice, base, size word.Word) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.ports {
		if overlaps(base, size, r.base, r.size) {
			return fmt.Errorf("%w: port %s[%s,+%s) overlaps %s[%s,+%s)",
				ErrAddressConflict, dev.Name(), base, size, r.dev.Name(), r.base, r.size)
		}
	}

	b.ports = append(b.ports, portRegion{base: base, size: size, dev: dev})
	b.log.Debug("mapped port device", log.String("DEVICE", dev.Name()), log.String("BASE", base.String()))

	return nil
}

func (b *Bus) findMMIO(addr word.Word) (*mmioRegion, bool) {
	for i := range b.mmio {
		r := &b.mmio[i]
		if addr >= r.base && addr < r.base+r.size {
			return r, true
		}
	}

	return nil, false
}

func (b *Bus) findPort(port word.Word) (*portRegion, bool) {
	for i := range b.ports {
		r := &b.ports[i]
		if port >= r.base && port < r.base+r.size {
			return r, true
		}
	}

	return nil, false
}

// ReadMMIO reads width bytes from addr, dispatching to the owning device.
func (b *Bus) ReadMMIO(addr word.Word, width int) (word.Word, error) {
	b.mu.Lock()
	r, ok := b.findMMIO(addr)
	b.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: addr %s", ErrMMIOFault, addr)
	}

	v, err := r.dev.ReadMMIO(addr-r.base, width)
	if err != nil {
		return 0, fmt.Errorf("mmio: read: %s: %w", r.dev.Name(), err)
	}

	return v, nil
}

// WriteMMIO writes width bytes of value to addr, dispatching to the owning
// device.
func (b *Bus) WriteMMIO(addr word.Word, width int, value word.Word) error {
	b.mu.Lock()
	r, ok := b.findMMIO(addr)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: addr %s", ErrMMIOFault, addr)
	}

	if err := r.dev.WriteMMIO(addr-r.base, width, value); err != nil {
		return fmt.Errorf("mmio: write: %s: %w", r.dev.Name(), err)
	}

	return nil
}

// ReadPort reads width bytes from the I/O-port address port.
func (b *Bus) ReadPort(port word.Word, width int) (word.Word, error) {
	b.mu.Lock()
	r, ok := b.findPort(port)
	b.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: port %s", ErrPortFault, port)
	}

	v, err := r.dev.ReadPort(port-r.base, width)
	if err != nil {
		return 0, fmt.Errorf("port: read: %s: %w", r.dev.Name(), err)
	}

	return v, nil
}

// WritePort writes width bytes of value to the I/O-port address port.
func (b *Bus) WritePort(port word.Word, width int, value word.Word) error {
	b.mu.Lock()
	r, ok := b.findPort(port)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: port %s", ErrPortFault, port)
	}

	if err := r.dev.WritePort(port-r.base, width, value); err != nil {
		return fmt.Errorf("port: write: %s: %w", r.dev.Name(), err)
	}

	return nil
}

// Devices returns the names of all registered MMIO devices in registration
// order, followed by all registered I/O-port devices in registration order.
// Used by the HDT builder to enumerate devices for the boot record.
func (b *Bus) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.mmio)+len(b.ports))
	for _, r := range b.mmio {
		names = append(names, r.dev.Name())
	}

	for _, r := range b.ports {
		names = append(names, r.dev.Name())
	}

	return names
}
