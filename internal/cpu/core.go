package cpu

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/bus"
	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/mmu"
	"github.com/pombredanne/ducky/internal/word"
)

// Flags is the per-core flags word. Bit assignment (3.E of the expanded
// spec, since the source spec names the flags but not their bit
// positions): bit0 privileged, bit1 halted, bit2 equal, bit3 zero, bit4
// overflow, bit5 sign, bit6 hardware-interrupts-enabled.
type Flags word.Word

// Flag bits.
const (
	FlagPrivileged Flags = 1 << iota
	FlagHalted
	FlagEqual
	FlagZero
	FlagOverflow
	FlagSign
	FlagIntrEnabled
)

func (f Flags) String() string {
	s := ""
	for _, b := range []struct {
		flag Flags
		c    byte
	}{
		{FlagPrivileged, 'p'}, {FlagHalted, 'h'}, {FlagEqual, 'e'},
		{FlagZero, 'z'}, {FlagOverflow, 'o'}, {FlagSign, 's'}, {FlagIntrEnabled, 'i'},
	} {
		if f&b.flag != 0 {
			s += string(b.c)
		} else {
			s += "-"
		}
	}

	return s
}

// Core is a single CPU core: its register file, flags, translation state,
// and the shared machine resources it executes against.
type Core struct {
	ID mem.CoreID

	GPR   [NumGPR]word.Word
	FP    word.Word
	SP    word.Word
	IP    word.Word
	Flags Flags

	InstrSet uint8
	PTBase   word.Word

	HaltCode int

	Mem    *mem.Controller
	MMU    *mmu.MMU
	Bus    *bus.Bus
	Intr   *intr.Controller
	Coproc *Coprocessor

	icache map[word.Word]Instruction

	log *log.Logger
}

// New creates a core bound to the given shared machine resources. The core
// starts unprivileged and halted; Boot (called by internal/machine) sets
// the initial ip/sp/privileged state per spec.md §4.7.
func New(id mem.CoreID, m *mem.Controller, u *mmu.MMU, b *bus.Bus, ic *intr.Controller) *Core {
	return &Core{
		ID:     id,
		Mem:    m,
		MMU:    u,
		Bus:    b,
		Intr:   ic,
		Coproc: NewCoprocessor(),
		icache: make(map[word.Word]Instruction),
		log:    log.DefaultLogger(),
		Flags:  FlagHalted,
	}
}

// Boot initializes the core per spec.md §4.7 step 4: ip = entry, sp =
// initial stack top, privileged = true, hardware-interrupts-enabled =
// false, halted cleared. It also empties the instruction cache, so a
// re-booted core decodes its program afresh from memory.
func (c *Core) Boot(entry, sp word.Word) {
	c.IP = entry
	c.SP = sp
	c.Flags = FlagPrivileged
	c.FlushICache()
}

// Halted reports whether the core's halted flag is set.
func (c *Core) Halted() bool { return c.Flags&FlagHalted != 0 }

// Privileged reports whether the core is executing in privileged mode.
func (c *Core) Privileged() bool { return c.Flags&FlagPrivileged != 0 }

// IntrEnabled reports whether hardware interrupts are currently enabled.
func (c *Core) IntrEnabled() bool { return c.Flags&FlagIntrEnabled != 0 }

func (c *Core) mode() mmu.Mode {
	if c.Privileged() {
		return mmu.ModeKernel
	}

	return mmu.ModeUser
}

// Get reads the value of register r.
func (c *Core) Get(r Reg) word.Word {
	switch {
	case r < NumGPR:
		return c.GPR[r]
	case r == FP:
		return c.FP
	case r == SP:
		return c.SP
	case r == IP:
		return c.IP
	default:
		return 0
	}
}

// ErrRegisterFault is returned by Set when a register write is not
// permitted in the core's current privilege state.
var ErrRegisterFault = errors.New("register fault")

// Set writes v to register r. Writing ip through the register file (as
// opposed to control-flow instructions) is only permitted in privileged
// mode, per the expanded spec's resolution of ip's addressability.
func (c *Core) Set(r Reg, v word.Word) error {
	switch {
	case r < NumGPR:
		c.GPR[r] = v
	case r == FP:
		c.FP = v
	case r == SP:
		c.SP = v
	case r == IP:
		if !c.Privileged() {
			return fmt.Errorf("%w: ip write requires privileged mode", ErrRegisterFault)
		}

		c.IP = v
	default:
		return fmt.Errorf("%w: register %d", ErrRegisterFault, r)
	}

	return nil
}

// setIP updates ip directly, bypassing the privilege check Set applies to
// register-addressed ip writes. It backs every control-transfer opcode
// (J/branches/CALL/RET/RETINT and interrupt delivery), which must be able
// to update ip regardless of privilege -- only an ALU instruction
// targeting ip through its Rd field is privilege-gated, per the expanded
// spec's resolution of ip's addressability.
func (c *Core) setIP(v word.Word) { c.IP = v }

func (c *Core) setArith(result word.Word, overflow bool) {
	if overflow {
		c.Flags |= FlagOverflow
	} else {
		c.Flags &^= FlagOverflow
	}

	if result == 0 {
		c.Flags |= FlagZero
	} else {
		c.Flags &^= FlagZero
	}

	if int32(result) < 0 {
		c.Flags |= FlagSign
	} else {
		c.Flags &^= FlagSign
	}
}

// setCompare sets Equal, Zero (of operand a) and Sign (a<b, repurposed by
// the BL/BLE/BG/BGE branch conditions as a "less-than" flag). unsigned
// selects magnitude comparison for CMPU rather than two's-complement
// comparison for CMP.
func (c *Core) setCompare(a, b word.Word, unsigned bool) {
	if a == b {
		c.Flags |= FlagEqual
	} else {
		c.Flags &^= FlagEqual
	}

	if a == 0 {
		c.Flags |= FlagZero
	} else {
		c.Flags &^= FlagZero
	}

	var less bool
	if unsigned {
		less = a < b
	} else {
		less = int32(a) < int32(b)
	}

	if less {
		c.Flags |= FlagSign
	} else {
		c.Flags &^= FlagSign
	}
}

// invalidateICacheFor drops any cached decode covering the page containing
// the physical address addr. Called by the core's store path after a write
// to a page mapped executable, per spec.md §4.2.
func (c *Core) invalidateICacheFor(addr word.Word) {
	base := addr &^ (mem.PageSize - 1)
	for pc := range c.icache {
		if pc&^(mem.PageSize-1) == base {
			delete(c.icache, pc)
		}
	}
}

// FlushICache drops every cached decode, unconditionally. Backs the FPTC
// instruction's instruction-cache half.
func (c *Core) FlushICache() {
	c.icache = make(map[word.Word]Instruction)
}
