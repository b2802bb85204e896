package cpu

import (
	"fmt"

	"github.com/pombredanne/ducky/internal/word"
)

// Instruction is a single 32-bit, little-endian-encoded machine instruction.
// The low 6 bits are always the opcode; the remaining 26 bits are
// interpreted according to the opcode's Form.
//
// Bit ranges below are inclusive and count from bit 0 (least significant).
// The RI and RM forms carry a 14-bit immediate/offset field in bits
// [18:31], not the full 16 bits their operand name suggests: the name
// tracks the source field's intent (a register-sized signed displacement),
// not its exact width, the same way the RR form leaves bits [24:31]
// reserved rather than cramming a third operand in to fill the word.
type Instruction word.Word

// Register field widths and forms.
const (
	regFieldWidth  = 6
	condFieldWidth = 4
	riImmWidth     = 14
	branchOffWidth = 22
	compoundWidth  = 16
)

// Reg identifies an addressable register: 0-29 are general-purpose, 30 is
// fp, 31 is sp, 32 is ip. Values above 32 are invalid.
type Reg uint8

// Named registers beyond the general-purpose file.
const (
	FP Reg = 30
	SP Reg = 31
	IP Reg = 32
)

// NumGPR is the count of general-purpose registers.
const NumGPR = 30

func (r Reg) String() string {
	switch {
	case r < NumGPR:
		return fmt.Sprintf("r%d", uint8(r))
	case r == FP:
		return "fp"
	case r == SP:
		return "sp"
	case r == IP:
		return "ip"
	default:
		return fmt.Sprintf("reg(%d)", uint8(r))
	}
}

func bits(w word.Word, lo, hi uint8) word.Word {
	width := hi - lo + 1
	mask := word.Word(1)<<width - 1

	return (w >> lo) & mask
}

func sext(v word.Word, width uint8) word.Word {
	sh := 32 - width
	return word.Word(int32(v<<sh) >> sh)
}

// Opcode returns the instruction's opcode, the low 6 bits of the word.
func (ins Instruction) Opcode() Opcode {
	return Opcode(bits(word.Word(ins), 0, 5))
}

// Rd returns the destination register field, bits [6:11].
func (ins Instruction) Rd() Reg {
	return Reg(bits(word.Word(ins), 6, 11))
}

// Rs1 returns the first source/base register field, bits [12:17]. Valid
// for RR, RI and RM forms.
func (ins Instruction) Rs1() Reg {
	return Reg(bits(word.Word(ins), 12, 17))
}

// Rs2 returns the second source register field, bits [18:23]. Valid only
// for RR form.
func (ins Instruction) Rs2() Reg {
	return Reg(bits(word.Word(ins), 18, 23))
}

// Flags8 returns the otherwise-reserved top byte of an RR instruction,
// bits [24:31]. LPM uses this field to carry the page flags of the
// mapping it installs, since the RR form leaves it unused.
func (ins Instruction) Flags8() word.Word {
	return bits(word.Word(ins), 24, 31)
}

// Imm returns the sign-extended immediate field of an RI instruction, bits
// [18:31].
func (ins Instruction) Imm() word.Word {
	return sext(bits(word.Word(ins), 18, 31), riImmWidth)
}

// MemOffset returns the sign-extended, word-scaled offset field of an RM
// instruction, bits [18:31].
func (ins Instruction) MemOffset() word.Word {
	return sext(bits(word.Word(ins), 18, 31), riImmWidth) * 4
}

// Cond returns the branch-condition field of a Branch instruction, bits
// [6:9].
func (ins Instruction) Cond() Condition {
	return Condition(bits(word.Word(ins), 6, 9))
}

// BranchOffset returns the sign-extended, word-scaled offset field of a
// Branch instruction, bits [10:31].
func (ins Instruction) BranchOffset() word.Word {
	return sext(bits(word.Word(ins), 10, 31), branchOffWidth) * 4
}

// CompoundImm returns the 16-bit immediate field of a Compound instruction,
// bits [6:21].
func (ins Instruction) CompoundImm() word.Word {
	return bits(word.Word(ins), 6, 21)
}

func (ins Instruction) String() string {
	return fmt.Sprintf("%s(%08x)", ins.Opcode(), uint32(ins))
}

// EncodeRR assembles an RR-form instruction.
func EncodeRR(op Opcode, rd, rs1, rs2 Reg) Instruction {
	v := word.Word(op) & 0x3f
	v |= word.Word(rd&0x3f) << 6
	v |= word.Word(rs1&0x3f) << 12
	v |= word.Word(rs2&0x3f) << 18

	return Instruction(v)
}

// EncodeRI assembles an RI-form instruction. imm is truncated to 14 bits.
func EncodeRI(op Opcode, rd, rs1 Reg, imm word.Word) Instruction {
	v := word.Word(op) & 0x3f
	v |= word.Word(rd&0x3f) << 6
	v |= word.Word(rs1&0x3f) << 12
	v |= (imm & (1<<riImmWidth - 1)) << 18

	return Instruction(v)
}

// EncodeRM assembles an RM-form instruction. The offset is in words and
// truncated to 14 bits.
func EncodeRM(op Opcode, rd, rbase Reg, wordOffset word.Word) Instruction {
	return Instruction(word.Word(EncodeRI(op, rd, rbase, wordOffset)))
}

// EncodeBranch assembles a Branch-form instruction. The offset is in words
// and truncated to 22 bits.
func EncodeBranch(op Opcode, cond Condition, wordOffset word.Word) Instruction {
	v := word.Word(op) & 0x3f
	v |= word.Word(cond&0xf) << 6
	v |= (wordOffset & (1<<branchOffWidth - 1)) << 10

	return Instruction(v)
}

// EncodeCompound assembles a Compound-form instruction carrying a 16-bit
// immediate.
func EncodeCompound(op Opcode, imm word.Word) Instruction {
	v := word.Word(op) & 0x3f
	v |= (imm & (1<<compoundWidth - 1)) << 6

	return Instruction(v)
}

// Condition selects which flag combination a Branch instruction tests.
type Condition uint8

// Branch conditions, matching the opcodes that use them (J is
// unconditional and ignores Cond).
const (
	CondAlways Condition = iota
	CondEqual
	CondNotEqual
	CondZero
	CondNotZero
	CondGreater
	CondGreaterEqual
	CondLess
	CondLessEqual
)
