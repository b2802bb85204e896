package cpu

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/bus"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/mmu"
	"github.com/pombredanne/ducky/internal/word"
)

// ErrNormalHalt is returned by Step when HLT 0 stops this core gracefully.
var ErrNormalHalt = errors.New("normal halt")

// MachineHalt is returned by Step when a non-zero HLT code should stop the
// entire machine, per spec.md §4.5.
type MachineHalt struct{ Code int }

func (h *MachineHalt) Error() string { return fmt.Sprintf("machine halt: code %d", h.Code) }

// Step runs the per-tick algorithm of spec.md §4.5: service pending
// interrupts, then fetch-decode-execute one instruction. A halted core
// with no pending non-maskable condition yields without advancing ip.
func (c *Core) Step() error {
	if err := c.serviceInterrupts(); err != nil {
		return err
	}

	if c.Halted() {
		return nil
	}

	ins, err := c.fetch()
	if err != nil {
		c.deliverTrap(trapFor(err))
		return nil
	}

	if err := c.execute(ins); err != nil {
		var halt *MachineHalt
		if errors.As(err, &halt) {
			return err
		}

		if errors.Is(err, ErrNormalHalt) {
			c.Flags |= FlagHalted

			return nil
		}

		c.deliverTrap(trapFor(err))
	}

	return nil
}

func (c *Core) fetch() (Instruction, error) {
	phys, _, err := c.MMU.Translate(c.IP, mmu.AccessExecute, c.mode())
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	if cached, ok := c.icache[phys]; ok {
		c.IP += 4
		return cached, nil
	}

	w, err := c.Mem.ReadWord(c.ID, phys)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}

	ins := Instruction(w)
	c.icache[phys] = ins
	c.IP += 4

	return ins, nil
}

// serviceInterrupts implements the delivery algorithm of spec.md §4.4. Fault
// vectors (0..7) bypass hardware-interrupts-enabled entirely; maskable IRQs
// (8..) are only popped when interrupts are enabled or the core is halted
// (so a pending interrupt can still wake a halted core per spec.md line 50).
func (c *Core) serviceInterrupts() error {
	var (
		irq uint16
		ok  bool
	)

	if c.IntrEnabled() || c.Halted() {
		irq, ok = c.Intr.PopNext()
	} else {
		irq, ok = c.Intr.PopNextFault()
	}

	if !ok {
		return nil
	}

	vec, ok := c.Intr.Lookup(irq)
	if !ok {
		return &MachineHalt{Code: -1} // double fault: no handler installed
	}

	oldFlags, oldIP, oldSP := c.Flags, c.IP, c.SP

	c.Flags &^= FlagHalted
	c.SP = vec.SP
	c.pushFrame(oldFlags, oldIP, oldSP)
	c.IP = vec.IP
	c.Flags &^= FlagIntrEnabled
	c.Flags |= FlagPrivileged

	c.log.Debug("interrupt delivered", log.String("IRQ", fmt.Sprintf("%d", irq)))

	return nil
}

// frame carries the state RETINT restores, mirroring the return-frame push
// of spec.md §4.4 step 4.
type frame struct {
	flags Flags
	ip    word.Word
	sp    word.Word
}

// pushFrame saves the pre-delivery flags/ip/sp onto the stack RETINT will
// restore from. It is called after the stack has already been switched to
// the handler's vector-configured sp, mirroring real interrupt delivery:
// the return frame lives on the new (privileged) stack, not the one the
// interrupted code was using, so the handler's own pushes/pops don't
// disturb it.
func (c *Core) pushFrame(flags Flags, ip, sp word.Word) {
	c.SP -= 12
	_ = c.Mem.WriteWord(c.ID, c.SP, word.Word(flags))
	_ = c.Mem.WriteWord(c.ID, c.SP+4, ip)
	_ = c.Mem.WriteWord(c.ID, c.SP+8, sp)
}

func (c *Core) popFrame() frame {
	flags, _ := c.Mem.ReadWord(c.ID, c.SP)
	ip, _ := c.Mem.ReadWord(c.ID, c.SP+4)
	sp, _ := c.Mem.ReadWord(c.ID, c.SP+8)

	return frame{flags: Flags(flags), ip: ip, sp: sp}
}

// deliverTrap converts a CPU-raised fault into a pending interrupt, per
// spec.md §7. A trap raised while delivering another trap is a double
// fault and halts the machine.
func (c *Core) deliverTrap(t *Trap) {
	c.Intr.Raise(t.Vector)

	if err := c.serviceInterrupts(); err != nil {
		c.Flags |= FlagHalted
		c.HaltCode = -1
	}
}

// execute dispatches one decoded instruction. Reserved opcodes and
// privilege violations raise the corresponding trap error rather than
// panicking, consistent with spec.md §7's trap taxonomy.
func (c *Core) execute(ins Instruction) error {
	op := ins.Opcode()

	if c.InstrSet != 0 {
		return c.Coproc.Execute(c, CoprocOpcode(op), ins)
	}

	if op.privileged() && !c.Privileged() {
		return fmt.Errorf("%w: opcode %s requires privileged mode", ErrPrivilegeFault, op)
	}

	switch op {
	// Data movement.
	case LI:
		return c.Set(ins.Rd(), ins.Imm())
	case LA:
		addr := c.Get(ins.Rs1()) + ins.MemOffset()
		return c.Set(ins.Rd(), addr)
	case LW:
		return c.load(ins, 4)
	case LS:
		return c.load(ins, 2)
	case LB:
		return c.load(ins, 1)
	case STW:
		return c.store(ins, 4)
	case STS:
		return c.store(ins, 2)
	case STB:
		return c.store(ins, 1)
	case MOV:
		return c.Set(ins.Rd(), c.Get(ins.Rs1()))
	case SWP:
		a, b := c.Get(ins.Rd()), c.Get(ins.Rs1())
		if err := c.Set(ins.Rd(), b); err != nil {
			return err
		}

		return c.Set(ins.Rs1(), a)

	// Arithmetic/logic.
	case ADD, SUB, MUL, AND, OR, XOR, SHL, SHR:
		return c.binop(op, ins)
	case DIV, MOD:
		return c.divmod(op, ins)
	case INC:
		r := c.Get(ins.Rd()) + 1
		c.setArith(r, false)

		return c.Set(ins.Rd(), r)
	case DEC:
		r := c.Get(ins.Rd()) - 1
		c.setArith(r, false)

		return c.Set(ins.Rd(), r)
	case NEG:
		r := -int32(c.Get(ins.Rd()))
		c.setArith(word.Word(r), false)

		return c.Set(ins.Rd(), word.Word(r))
	case NOT:
		r := ^c.Get(ins.Rd())
		c.setArith(r, false)

		return c.Set(ins.Rd(), r)
	case SHIFTL:
		r := c.Get(ins.Rd()) << uint(ins.Imm())
		c.setArith(r, false)

		return c.Set(ins.Rd(), r)

	// Comparison.
	case CMP:
		c.setCompare(c.Get(ins.Rd()), c.Get(ins.Rs1()), false)
		return nil
	case CMPU:
		c.setCompare(c.Get(ins.Rd()), c.Get(ins.Rs1()), true)
		return nil

	// Control transfer.
	case J:
		return c.branch(true, ins)
	case BE:
		return c.branch(c.Flags&FlagEqual != 0, ins)
	case BNE:
		return c.branch(c.Flags&FlagEqual == 0, ins)
	case BZ:
		return c.branch(c.Flags&FlagZero != 0, ins)
	case BNZ:
		return c.branch(c.Flags&FlagZero == 0, ins)
	case BG:
		return c.branch(c.Flags&(FlagEqual|FlagSign) == 0, ins)
	case BGE:
		return c.branch(c.Flags&FlagSign == 0, ins)
	case BL:
		return c.branch(c.Flags&FlagSign != 0, ins)
	case BLE:
		return c.branch(c.Flags&(FlagSign|FlagEqual) != 0, ins)
	case CALL:
		c.SP -= 4
		if err := c.Mem.WriteWord(c.ID, c.SP, c.IP); err != nil {
			return err
		}

		return c.branch(true, ins)
	case RET:
		ra, err := c.Mem.ReadWord(c.ID, c.SP)
		if err != nil {
			return err
		}

		c.SP += 4
		c.setIP(ra)

		return nil
	case INT:
		c.Intr.Raise(uint16(ins.CompoundImm()))
		return nil
	case RETINT:
		fr := c.popFrame()
		c.Flags = fr.flags
		c.IP = fr.ip
		c.SP = fr.sp

		return nil
	case IPI:
		c.Intr.Raise(uint16(c.Get(ins.Rs1())))
		return nil

	// Stack.
	case PUSH:
		c.SP -= 4
		return c.Mem.WriteWord(c.ID, c.SP, c.Get(ins.Rd()))
	case POP:
		v, err := c.Mem.ReadWord(c.ID, c.SP)
		if err != nil {
			return err
		}

		c.SP += 4

		return c.Set(ins.Rd(), v)

	// Privileged.
	case HLT:
		code := int(ins.CompoundImm())
		if code == 0 {
			return ErrNormalHalt
		}

		return &MachineHalt{Code: code}
	case RST:
		*c = *New(c.ID, c.Mem, c.MMU, c.Bus, c.Intr)
		return nil
	case IDLE:
		c.Flags |= FlagHalted
		return nil
	case LPM:
		c.MMU.Map(c.Get(ins.Rd()), c.Get(ins.Rs1()), mem.PageFlags(ins.Flags8()))
		return nil
	case LPT:
		c.PTBase = c.Get(ins.Rd())
		c.MMU.SetPageTableBase(c.PTBase, nil)

		return nil
	case CLI:
		c.Flags &^= FlagIntrEnabled
		return nil
	case STI:
		c.Flags |= FlagIntrEnabled
		return nil
	case FPTC:
		c.MMU.FlushTLB()
		c.FlushICache()

		return nil
	case SIS:
		c.InstrSet = uint8(ins.CompoundImm())
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrInvalidOpcode, op)
	}
}

func (c *Core) branch(taken bool, ins Instruction) error {
	if !taken {
		return nil
	}

	c.setIP(c.IP + ins.BranchOffset() - 4)

	return nil
}

func (c *Core) binop(op Opcode, ins Instruction) error {
	a, b := c.Get(ins.Rd()), c.Get(ins.Rs1())

	var r word.Word

	var overflow bool

	switch op {
	case ADD:
		r = a + b
		overflow = (r < a) != (int32(b) < 0)
	case SUB:
		r = a - b
		overflow = (r > a) != (int32(b) < 0)
	case MUL:
		r = a * b
	case AND:
		r = a & b
	case OR:
		r = a | b
	case XOR:
		r = a ^ b
	case SHL:
		r = a << (b & 31)
	case SHR:
		r = a >> (b & 31)
	}

	c.setArith(r, overflow)

	return c.Set(ins.Rd(), r)
}

func (c *Core) divmod(op Opcode, ins Instruction) error {
	a, b := c.Get(ins.Rd()), c.Get(ins.Rs1())
	if b == 0 {
		return fmt.Errorf("%w", ErrDivisionByZero)
	}

	var r word.Word
	if op == DIV {
		r = a / b
	} else {
		r = a % b
	}

	c.setArith(r, false)

	return c.Set(ins.Rd(), r)
}

func (c *Core) load(ins Instruction, width int) error {
	addr := c.Get(ins.Rs1()) + ins.MemOffset()

	phys, _, err := c.MMU.Translate(addr, mmu.AccessRead, c.mode())
	if err != nil {
		return err
	}

	if v, err, routed := c.readMMIO(phys, width); routed {
		if err != nil {
			return err
		}

		return c.Set(ins.Rd(), v)
	}

	var v word.Word

	switch width {
	case 1:
		b, err := c.Mem.ReadByte(c.ID, phys)
		if err != nil {
			return err
		}

		v = word.Word(b)
	case 2:
		s, err := c.Mem.ReadShort(c.ID, phys)
		if err != nil {
			return err
		}

		v = word.Word(s)
	default:
		v, err = c.Mem.ReadWord(c.ID, phys)
		if err != nil {
			return err
		}
	}

	return c.Set(ins.Rd(), v)
}

func (c *Core) store(ins Instruction, width int) error {
	addr := c.Get(ins.Rs1()) + ins.MemOffset()

	phys, flags, err := c.MMU.Translate(addr, mmu.AccessWrite, c.mode())
	if err != nil {
		return err
	}

	v := c.Get(ins.Rd())

	if err, routed := c.writeMMIO(phys, width, v); routed {
		return err
	}

	switch width {
	case 1:
		err = c.Mem.WriteByte(c.ID, phys, word.Byte(v))
	case 2:
		err = c.Mem.WriteShort(c.ID, phys, word.Short(v))
	default:
		err = c.Mem.WriteWord(c.ID, phys, v)
	}

	if err == nil && flags&mem.Executable != 0 {
		c.invalidateICacheFor(phys)
	}

	return err
}

// readMMIO dispatches a load to the device bus when phys falls inside a
// registered MMIO region. routed is false for any address the bus doesn't
// own, so the caller falls back to ordinary paged memory.
func (c *Core) readMMIO(phys word.Word, width int) (v word.Word, err error, routed bool) {
	v, err = c.Bus.ReadMMIO(phys, width)
	if err != nil {
		if errors.Is(err, bus.ErrMMIOFault) {
			return 0, nil, false
		}

		return 0, err, true
	}

	return v, nil, true
}

// writeMMIO is the store-side counterpart of readMMIO.
func (c *Core) writeMMIO(phys word.Word, width int, v word.Word) (err error, routed bool) {
	err = c.Bus.WriteMMIO(phys, width, v)
	if err != nil {
		if errors.Is(err, bus.ErrMMIOFault) {
			return nil, false
		}

		return err, true
	}

	return nil, true
}
