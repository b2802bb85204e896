// Package machine is the top-level orchestrator: it owns the memory
// controller, device bus, interrupt controller and every core, builds the
// boot-time memory image (firmware, bootloader, HDT), and drives the
// cooperative scheduling loop described by spec.md §4.7/§5. It is grounded
// on the teacher's LC3.New/LC3.Run (internal/vm/vm.go, internal/vm/exec.go):
// the same construct-then-run shape, generalized from one fixed LC-3 chip
// to a configuration-driven, multi-core, multi-device machine.
package machine

import (
	"fmt"
	"io"
	"os"

	"github.com/pombredanne/ducky/internal/bus"
	"github.com/pombredanne/ducky/internal/config"
	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/device"
	"github.com/pombredanne/ducky/internal/firmware"
	"github.com/pombredanne/ducky/internal/hdt"
	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/loader"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/mmu"
	"github.com/pombredanne/ducky/internal/word"
)

// Default memory layout. The HDT's spec-stated default of 0x100 is not used
// here -- it collides with firmware.ConsoleMMIOBase, which the bus, not
// physical memory, owns at that address (see DESIGN.md); DefaultHDTBase
// picks an unused region instead.
const (
	DefaultHDTBase    = word.Word(0x00000800)
	DefaultStackPages = 4

	// kernelCore owns firmware/HDT/stack pages allocated before any guest
	// core exists; those pages are always also marked Global, so ownership
	// here is bookkeeping only, never an access-control boundary.
	kernelCore = mem.CoreID(0xff)
)

// Ticker is implemented by devices whose state advances with the machine's
// virtual clock (RTC, Block I/O), per spec.md §5's "devices... observe a
// virtual-time counter... may raise IRQs when their deadline is reached."
type Ticker interface {
	Tick(cycle uint64)
}

// Machine is a fully constructed, bootable instance: memory, bus, interrupt
// controller, cores, and every device wired per a configuration document.
type Machine struct {
	Mem  *mem.Controller
	Bus  *bus.Bus
	Intr *intr.Controller
	MMUs []*mmu.MMU

	Cores []*cpu.Core

	// Clock is the virtual-time instruction counter of spec.md §5,
	// incremented once per completed round of Run's scheduling loop.
	Clock uint64

	// SnapshotPath is the file a device.SnapshotControl's Save/Load
	// commands act on. It is empty until the caller (typically
	// internal/cli/cmd's run command, from --machine-out) sets it.
	SnapshotPath string

	tickers       []Ticker
	snapshotters  map[string]device.Snapshotter
	deviceEntries []hdt.DeviceEntry
	terminals     []*device.Terminal
	console       *consoleSink

	hdtBase word.Word

	log *log.Logger
}

// New constructs a Machine from a parsed configuration document: memory,
// bus, interrupt controller and cores; default firmware; every configured
// device; bootloader and extra binaries; and the HDT, per spec.md §4.7
// steps 1-3. It boots every core (ip=entry, sp=initial stack top,
// privileged=true, hardware-interrupts-enabled=false, step 4); call Run to
// execute step 5.
func New(doc *config.Document) (*Machine, error) {
	machineSec, ok := doc.Section("machine")
	if !ok {
		return nil, fmt.Errorf("%w: missing [machine] section", config.ErrConfiguration)
	}

	cpus, err := machineSec.Int("cpus", 1)
	if err != nil {
		return nil, err
	}

	coresPerCPU, err := machineSec.Int("cores-per-cpu", 1)
	if err != nil {
		return nil, err
	}

	totalCores := cpus * coresPerCPU
	if totalCores < 1 {
		return nil, fmt.Errorf("%w: [machine]: cpus * cores-per-cpu must be >= 1", config.ErrConfiguration)
	}

	memSec, ok := doc.Section("memory")
	if !ok {
		return nil, fmt.Errorf("%w: missing [memory] section", config.ErrConfiguration)
	}

	size, err := memSec.Word("size", 0)
	if err != nil {
		return nil, err
	} else if size == 0 {
		return nil, fmt.Errorf("%w: [memory]: size must be > 0", config.ErrConfiguration)
	}

	allowUnaligned, err := memSec.Bool("allow-unaligned", false)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Mem:          mem.New(mem.Config{Size: size, AllowUnaligned: allowUnaligned}),
		Bus:          bus.New(),
		Intr:         intr.New(),
		snapshotters: make(map[string]device.Snapshotter),
		hdtBase:      DefaultHDTBase,
		log:          log.DefaultLogger(),
	}

	m.Intr.Install(0, word.Word(intr.IVTSize))

	for i := 0; i < totalCores; i++ {
		u := mmu.New()
		m.MMUs = append(m.MMUs, u)
		m.Cores = append(m.Cores, cpu.New(mem.CoreID(i), m.Mem, u, m.Bus, m.Intr))
	}

	if err := m.installFirmware(); err != nil {
		return nil, err
	}

	for _, sec := range doc.WithPrefix("device-") {
		if err := m.buildDevice(sec); err != nil {
			return nil, err
		}
	}

	entry, err := m.loadBinaries(doc)
	if err != nil {
		return nil, err
	}

	if err := m.buildHDT(cpus, coresPerCPU, size); err != nil {
		return nil, err
	}

	for i, c := range m.Cores {
		sp, err := m.allocStack(mem.CoreID(i))
		if err != nil {
			return nil, fmt.Errorf("machine: core %d: %w", i, err)
		}

		c.Boot(entry, sp)
	}

	return m, nil
}

// installFirmware places the default fault-handler/console-trap ROM into
// memory and registers its console MMIO port on the bus, mirroring the
// teacher's monitor.WithDefaultSystemImage option (internal/monitor) but
// applied unconditionally rather than as an opt-in functional option --
// this engine has no assembler-driven alternative firmware to choose
// between.
func (m *Machine) installFirmware() error {
	img := firmware.NewDefaultImage()

	if err := img.Install(m.Mem, kernelCore, m.Intr, firmware.DefaultTextOrigin); err != nil {
		return fmt.Errorf("%w: firmware: %s", ErrDeviceInit, err)
	}

	if p, ok := m.Mem.PageAt(firmware.DefaultTextOrigin); ok {
		p.Flags |= mem.Global
	}

	m.console = newConsoleSink()
	if err := m.Bus.RegisterMMIO(m.console, firmware.ConsoleMMIOBase, 4); err != nil {
		return fmt.Errorf("%w: %s", ErrDeviceInit, err)
	}

	return nil
}

// SetConsoleOutput redirects the firmware console trap's output, per
// spec.md §6's "-g (enable guest stdout capture)": a machine is built with
// its guest console output discarded by default, so callers running many
// machines in a batch (or a test) aren't forced to interleave every guest's
// output on the host terminal; the CLI's run command calls this with
// os.Stdout only when -g is given.
func (m *Machine) SetConsoleOutput(w io.Writer) {
	m.console.out = w
}

// loadBinaries loads the configured bootloader (if any) and every
// [binary-N] object, returning the entry point for booted cores: the
// bootloader's declared origin, or firmware.DefaultTextOrigin if no
// bootloader is configured (a config with devices and raw binaries only,
// relying on firmware's console trap, is a legitimate minimal machine).
func (m *Machine) loadBinaries(doc *config.Document) (word.Word, error) {
	l := loader.NewLoader(m.Mem, kernelCore)
	entry := firmware.DefaultTextOrigin

	if boot, ok := doc.Section("bootloader"); ok {
		path, err := boot.Required("path")
		if err != nil {
			return 0, err
		}

		obj, err := readObject(path)
		if err != nil {
			return 0, err
		}

		if err := m.allocObjectPages(obj); err != nil {
			return 0, fmt.Errorf("%w: bootloader: %s", ErrBinaryFormat, err)
		}

		if _, err := l.Load(obj, nil); err != nil {
			return 0, fmt.Errorf("%w: bootloader: %s", ErrBinaryFormat, err)
		}

		entry, err = boot.Word("origin", 0)
		if err != nil {
			return 0, err
		}
	}

	for _, sec := range doc.WithPrefix("binary-") {
		path, err := sec.Required("path")
		if err != nil {
			return 0, err
		}

		obj, err := readObject(path)
		if err != nil {
			return 0, err
		}

		if err := m.allocObjectPages(obj); err != nil {
			return 0, fmt.Errorf("%w: %s: %s", ErrBinaryFormat, sec.Name, err)
		}

		if _, err := l.Load(obj, nil); err != nil {
			return 0, fmt.Errorf("%w: %s: %s", ErrBinaryFormat, sec.Name, err)
		}
	}

	return entry, nil
}

// allocObjectPages reserves the pages an object's TEXT/DATA/BSS sections
// occupy before loader.Load writes into them -- the loader itself only
// writes words and zero-fills, following the teacher's loader
// (internal/vm/loader.go), which wrote into an already-fully-allocated flat
// address space and so never needed this step.
func (m *Machine) allocObjectPages(obj *loader.Object) error {
	for _, s := range obj.Sections {
		var size word.Word

		switch s.Type {
		case loader.SectionText, loader.SectionData:
			size = word.Word(len(s.Data))
		case loader.SectionBSS:
			size = word.Word(s.Items)
		default:
			continue
		}

		flags := mem.Readable | mem.Global
		if s.Flags&loader.SectionWritable != 0 {
			flags |= mem.Writable
		}

		if s.Flags&loader.SectionExecutable != 0 {
			flags |= mem.Executable
		}

		start := s.Base &^ (mem.PageSize - 1)
		end := s.Base + size

		for p := start; p < end; p += mem.PageSize {
			if err := m.Mem.AllocAt(p, kernelCore, flags); err != nil {
				return err
			}
		}
	}

	return nil
}

func readObject(path string) (*loader.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIO, err)
	}

	obj, err := loader.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBinaryFormat, path, err)
	}

	return obj, nil
}

// buildHDT encodes the machine's hardware description table and stores it
// at hdtBase, marking its pages Global so every core can read it regardless
// of page ownership.
func (m *Machine) buildHDT(cpus, coresPerCPU int, size word.Word) error {
	b := hdt.NewBuilder().
		AddCPU(uint32(cpus), uint32(coresPerCPU)).
		AddMemory(uint32(size))

	for _, e := range m.deviceEntries {
		b.AddDevice(e)
	}

	blob, err := b.Encode()
	if err != nil {
		return fmt.Errorf("%w: hdt: %s", ErrInvariantViolation, err)
	}

	if err := m.storeBytes(m.hdtBase, blob); err != nil {
		return fmt.Errorf("%w: hdt: %s", ErrInvariantViolation, err)
	}

	return nil
}

// storeBytes writes data into physical memory starting at base, allocating
// pages as needed, marked Global and Readable so any core can observe it
// regardless of page ownership.
func (m *Machine) storeBytes(base word.Word, data []byte) error {
	start := base &^ (mem.PageSize - 1)
	end := base + word.Word(len(data))

	for p := start; p < end; p += mem.PageSize {
		if err := m.Mem.AllocAt(p, kernelCore, mem.Readable|mem.Writable|mem.Global); err != nil {
			return err
		}
	}

	for i, b := range data {
		if err := m.Mem.WriteByte(kernelCore, base+word.Word(i), word.Byte(b)); err != nil {
			return err
		}
	}

	return nil
}

// allocStack reserves DefaultStackPages contiguous pages for core and
// returns the address just past the last one -- the initial stack-top
// value Boot expects, since this machine's calling convention grows the
// stack downward from it. Pages are allocated ascending from the lowest
// free address (mem.Controller.Alloc's policy), so sequential calls here
// are contiguous as long as nothing else claims the range first, which
// boot order (firmware, devices, binaries, HDT, then stacks) guarantees.
func (m *Machine) allocStack(core mem.CoreID) (word.Word, error) {
	var first word.Word

	for i := 0; i < DefaultStackPages; i++ {
		p, err := m.Mem.Alloc(core, mem.Readable|mem.Writable)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrDeviceInit, err)
		}

		if i == 0 {
			first = p
		}
	}

	return first + word.Word(DefaultStackPages)*mem.PageSize, nil
}
