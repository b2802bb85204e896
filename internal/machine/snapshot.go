package machine

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/mmu"
	"github.com/pombredanne/ducky/internal/word"
)

// coreState is the gob-encodable image of one core's architectural state --
// everything spec.md §8's snapshot-parity invariant requires to be
// bitwise-equal after a restore, for the fields cpu.Core exports directly.
type coreState struct {
	GPR      [cpu.NumGPR]uint32
	FP, SP, IP uint32
	Flags    cpu.Flags
	InstrSet uint8
	PTBase   uint32
	HaltCode int

	Mappings []mmu.MappingImage
	PTBaseVA uint32
}

// state is the complete, gob-encodable snapshot of a Machine, per spec.md
// §8's "restore(snapshot(M))... bitwise-equal to M for all observable
// components (registers, memory, device state)."
type state struct {
	Clock   uint64
	Pages   []mem.PageImage
	Intr    intr.State
	Cores   []coreState
	Devices map[string]any
}

// Save encodes the machine's full state to path, per spec.md §4.6's
// snapshot device contract. internal/device's per-device Snapshotter gob-
// registers each concrete state type it returns (see internal/device's
// init), so Devices round-trips through encoding/gob without a type
// switch here.
func (m *Machine) Save(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no snapshot path configured", ErrIO)
	}

	s := state{
		Clock:   m.Clock,
		Pages:   m.Mem.Snapshot(),
		Intr:    m.Intr.Snapshot(),
		Devices: make(map[string]any, len(m.snapshotters)),
	}

	for i, c := range m.Cores {
		cs := coreState{
			FP: uint32(c.FP), SP: uint32(c.SP), IP: uint32(c.IP),
			Flags: c.Flags, InstrSet: c.InstrSet, PTBase: uint32(c.PTBase),
			HaltCode: c.HaltCode,
			Mappings: m.MMUs[i].Entries(),
			PTBaseVA: uint32(m.MMUs[i].PageTableBase()),
		}

		for r, v := range c.GPR {
			cs.GPR[r] = uint32(v)
		}

		s.Cores = append(s.Cores, cs)
	}

	for name, snap := range m.snapshotters {
		v, err := snap.Snapshot()
		if err != nil {
			return fmt.Errorf("%w: device %s: %s", ErrIO, name, err)
		}

		s.Devices[name] = v
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(&s); err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}

	return nil
}

// Load restores the machine's full state from path, as produced by a prior
// Save. The machine's topology (core count, memory size, registered
// devices) must already match what Save captured -- Load repopulates
// existing components, it does not reconstruct the machine from scratch.
func (m *Machine) Load(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no snapshot path configured", ErrIO)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}
	defer f.Close()

	var s state
	if err := gob.NewDecoder(f).Decode(&s); err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}

	if len(s.Cores) != len(m.Cores) {
		return fmt.Errorf("%w: snapshot has %d cores, machine has %d", ErrInvariantViolation, len(s.Cores), len(m.Cores))
	}

	m.Clock = s.Clock

	if err := m.Mem.Restore(s.Pages); err != nil {
		return fmt.Errorf("%w: %s", ErrIO, err)
	}

	m.Intr.Restore(s.Intr)

	for i, cs := range s.Cores {
		c := m.Cores[i]

		for r, v := range cs.GPR {
			_ = c.Set(cpu.Reg(r), word.Word(v))
		}

		c.FP, c.SP, c.IP = word.Word(cs.FP), word.Word(cs.SP), word.Word(cs.IP)
		c.Flags, c.InstrSet, c.PTBase, c.HaltCode = cs.Flags, cs.InstrSet, word.Word(cs.PTBase), cs.HaltCode
		c.FlushICache()

		m.MMUs[i].LoadTable(word.Word(cs.PTBaseVA), cs.Mappings)
	}

	for name, snap := range m.snapshotters {
		v, ok := s.Devices[name]
		if !ok {
			continue
		}

		if err := snap.Restore(v); err != nil {
			return fmt.Errorf("%w: device %s: %s", ErrIO, name, err)
		}
	}

	return nil
}
