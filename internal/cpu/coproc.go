package cpu

import (
	"fmt"

	"github.com/pombredanne/ducky/internal/word"
)

// CoprocOpcode identifies an operation in the math coprocessor's own
// 6-bit opcode table, reinterpreted from the main opcode field when
// InstrSet != 0 (the SIS escape, spec.md §4.5).
type CoprocOpcode uint8

// Math coprocessor operations (instruction set 1).
const (
	MathADDL CoprocOpcode = iota
	MathSUBL
	MathMULL
	MathDIVL
	MathITOL
	MathLTOI
	MathLTOII
)

// coprocValueKind distinguishes the two operand types the math
// coprocessor's stack may hold. Only kindLong is produced by instruction
// set 1 today; kindInt and the popInt/pushInt helpers exist so the stack's
// type-checked pop enforces CoprocessorFault-on-mismatch structurally, for
// any future coprocessor (a different SIS instruction set) that shares the
// same stack and pushes untagged-as-long values.
type coprocValueKind uint8

const (
	kindLong coprocValueKind = iota // 64-bit integer
	kindInt                         // 32-bit integer, promoted from a GPR
)

type coprocValue struct {
	kind coprocValueKind
	long int64
	i32  int32
}

// Coprocessor is the machine's math coprocessor: a typed 64-bit operand
// stack, separate from the main data stack, manipulated by MATH_* escape
// instructions per spec.md §4.5/§9. It is new code -- the teacher has no
// coprocessor concept -- modeled directly on spec.md's description since
// no pack example implements a secondary typed operand stack of this kind.
type Coprocessor struct {
	stack []coprocValue
}

// NewCoprocessor creates a coprocessor with an empty operand stack.
func NewCoprocessor() *Coprocessor {
	return &Coprocessor{}
}

func (cp *Coprocessor) pushLong(v int64) {
	cp.stack = append(cp.stack, coprocValue{kind: kindLong, long: v})
}

func (cp *Coprocessor) pushInt(v int32) {
	cp.stack = append(cp.stack, coprocValue{kind: kindInt, i32: v})
}

func (cp *Coprocessor) pop() (coprocValue, error) {
	if len(cp.stack) == 0 {
		return coprocValue{}, fmt.Errorf("%w: stack underflow", ErrCoprocessorFault)
	}

	v := cp.stack[len(cp.stack)-1]
	cp.stack = cp.stack[:len(cp.stack)-1]

	return v, nil
}

func (cp *Coprocessor) popLong() (int64, error) {
	v, err := cp.pop()
	if err != nil {
		return 0, err
	}

	if v.kind != kindLong {
		return 0, fmt.Errorf("%w: expected long operand, got int", ErrCoprocessorFault)
	}

	return v.long, nil
}

func (cp *Coprocessor) popInt() (int32, error) {
	v, err := cp.pop()
	if err != nil {
		return 0, err
	}

	if v.kind != kindInt {
		return 0, fmt.Errorf("%w: expected int operand, got long", ErrCoprocessorFault)
	}

	return v.i32, nil
}

// Execute performs a math coprocessor operation. ITOL reads a GPR's value
// as the int operand to promote; LTOI writes its int result back into Rd,
// and LTOII writes the low word into Rd and the high word into Rs1.
func (cp *Coprocessor) Execute(core *Core, op CoprocOpcode, ins Instruction) error {
	switch op {
	case MathADDL, MathSUBL, MathMULL, MathDIVL:
		b, err := cp.popLong()
		if err != nil {
			return err
		}

		a, err := cp.popLong()
		if err != nil {
			return err
		}

		var r int64

		switch op {
		case MathADDL:
			r = a + b
		case MathSUBL:
			r = a - b
		case MathMULL:
			r = a * b
		case MathDIVL:
			if b == 0 {
				return fmt.Errorf("%w: math coprocessor division by zero", ErrDivisionByZero)
			}

			r = a / b
		}

		cp.pushLong(r)

		return nil

	case MathITOL:
		v := int32(core.Get(ins.Rs1()))
		cp.pushLong(int64(v))

		return nil

	case MathLTOI:
		v, err := cp.popLong()
		if err != nil {
			return err
		}

		return core.Set(ins.Rd(), word.Word(int32(v)))

	case MathLTOII:
		v, err := cp.popLong()
		if err != nil {
			return err
		}

		hi := word.Word(uint32(v >> 32))
		lo := word.Word(uint32(v))

		if err := core.Set(ins.Rd(), lo); err != nil {
			return err
		}

		return core.Set(ins.Rs1(), hi)

	default:
		return fmt.Errorf("%w: coprocessor opcode %d", ErrCoprocessorFault, op)
	}
}
