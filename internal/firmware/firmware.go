// Package firmware hand-encodes the machine's default boot ROM: the fault
// handlers and system-call traps installed into the interrupt vector table
// before any guest program runs. It is grounded on the teacher's system
// monitor (internal/monitor/{image,traps}.go): a table of named routines,
// each a fixed sequence of instructions at a fixed origin, loaded into
// memory and wired into the vector table. Unlike the teacher, routines here
// are built by calling internal/cpu's Encode* helpers directly rather than
// through a textual assembler -- an assembler is out of scope, and the
// teacher's own monitor is itself just hand-placed machine words dressed up
// as asm.Operation values.
package firmware

import (
	"fmt"

	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/loader"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

// Default memory layout for the firmware image. A machine assembling its
// own memory map may relocate the image by passing a different origin to
// Install; these are the addresses used when it doesn't.
const (
	DefaultTextOrigin = word.Word(0x00001000)
	DefaultStackTop   = word.Word(0x00000f00)

	// ConsoleMMIOBase is the address the default console-output trap writes
	// to. It is deliberately small enough to fit a single LI instruction's
	// 14-bit immediate field, so the routine needs no multi-instruction
	// constant-building sequence to reach it. internal/machine registers
	// its firmware console sink at this address; a configured tty device
	// uses its own mmio-base.
	ConsoleMMIOBase = word.Word(0x00000100)
)

// TrapConsoleOut is the software-interrupt vector (raised by `INT`) that
// writes the byte in r0 to the console. It is placed at the top of the IVT,
// away from the bottom-up numbering spec.md's device IRQs use (8, 9, 10,
// ...), so a machine with many devices cannot collide with it.
const TrapConsoleOut = uint16(intr.IVTSize - 1)

// Routine is one hand-encoded firmware routine, installed at Vector in the
// interrupt controller once its code has been placed in memory.
type Routine struct {
	Name   string
	Vector uint16
	Code   []cpu.Instruction

	// Orig is assigned by Image.Build once the routine's position in the
	// image is known; callers constructing a Routine by hand leave it zero.
	Orig word.Word
}

// Image is a complete firmware ROM: routines laid out back-to-back
// starting at a fixed origin, sharing one handler stack. The default
// handlers are simple enough (at most a few instructions, never calling
// back into guest code) that a single shared stack never needs to support
// nested delivery.
type Image struct {
	Routines []Routine
	StackTop word.Word

	log *log.Logger
}

// NewImage creates an empty firmware image with the default handler stack.
func NewImage() *Image {
	return &Image{StackTop: DefaultStackTop, log: log.DefaultLogger()}
}

// faultHalt builds the default handler for one of the 8 reserved fault
// vectors: halt the machine with a diagnostic, vector-specific exit code.
// This is deliberately minimal -- a real guest OS installs its own fault
// handlers; this one exists so a machine configured with no OS still
// terminates observably instead of double-faulting.
func faultHalt(name string, vector uint16) Routine {
	return Routine{
		Name:   name,
		Vector: vector,
		Code:   []cpu.Instruction{cpu.EncodeCompound(cpu.HLT, word.Word(vector)+1)},
	}
}

// consoleOut builds the default console-output trap: write the low byte of
// r0 to ConsoleMMIOBase, then return. Raised from guest code with
// `INT TrapConsoleOut`.
func consoleOut() Routine {
	const scratch = 1 // r1 holds the console MMIO address; clobbered freely

	return Routine{
		Name:   "trap.console-out",
		Vector: TrapConsoleOut,
		Code: []cpu.Instruction{
			cpu.EncodeRI(cpu.LI, scratch, 0, ConsoleMMIOBase),
			cpu.EncodeRM(cpu.STB, 0, scratch, 0),
			cpu.EncodeCompound(cpu.RETINT, 0),
		},
	}
}

// NewDefaultImage builds the firmware image installed when a machine's
// configuration doesn't supply its own: a HLT handler for each of the 8
// reserved fault vectors, plus the console-output trap.
func NewDefaultImage() *Image {
	img := NewImage()

	img.Routines = append(img.Routines,
		faultHalt("fault.invalid-opcode", intr.VectorInvalidOpcode),
		faultHalt("fault.page-fault", intr.VectorPageFault),
		faultHalt("fault.division-by-zero", intr.VectorDivisionByZero),
		faultHalt("fault.protection-fault", intr.VectorProtectionFault),
		faultHalt("fault.unaligned-access", intr.VectorUnalignedAccess),
		faultHalt("fault.double-fault", intr.VectorDoubleFault),
		faultHalt("fault.privilege-violation", intr.VectorPrivilegeViolation),
		faultHalt("fault.invalid-irq", intr.VectorInvalidIRQ),
		consoleOut(),
	)

	return img
}

// Build lays out the image's routines sequentially starting at origin,
// fixing each routine's Orig, and returns the resulting TEXT section as a
// loader.Object ready to be stored into memory.
func (img *Image) Build(origin word.Word) *loader.Object {
	var data []byte

	addr := origin

	for i := range img.Routines {
		img.Routines[i].Orig = addr

		for _, ins := range img.Routines[i].Code {
			b := word.Word(ins).Bytes()
			data = append(data, b[:]...)
		}

		addr += word.Word(len(img.Routines[i].Code)) * 4
	}

	return &loader.Object{
		Sections: []loader.Section{
			{
				Name: "firmware.text", Type: loader.SectionText,
				Flags: loader.SectionExecutable, Base: origin, Data: data,
			},
		},
	}
}

// Install places the image in memory starting at origin and wires each
// routine into the interrupt controller's vector table, using the image's
// shared handler stack.
func (img *Image) Install(m *mem.Controller, core mem.CoreID, in *intr.Controller, origin word.Word) error {
	obj := img.Build(origin)

	l := loader.NewLoader(m, core)
	if _, err := l.Load(obj, nil); err != nil {
		return fmt.Errorf("firmware: %w", err)
	}

	for _, r := range img.Routines {
		in.SetVector(r.Vector, r.Orig, img.StackTop)
		img.log.Debug("installed firmware routine", "name", r.Name, "vector", r.Vector, "orig", r.Orig)
	}

	return nil
}
