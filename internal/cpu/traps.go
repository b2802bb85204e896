package cpu

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/mmu"
	"github.com/pombredanne/ducky/internal/word"
)

// Sentinel trap errors not already defined by internal/mem or internal/mmu.
// AccessViolation (mem.ErrAccessViolation, mmu.ErrAccessViolation),
// PageFault (mmu.ErrPageFault) and UnalignedAccess (mem.ErrUnalignedAccess)
// are reused directly rather than duplicated here, per spec.md §7's trap
// taxonomy naming the same conditions the lower layers already raise.
var (
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrPrivilegeFault   = errors.New("privilege fault")
	ErrDoubleFault      = errors.New("double fault")
	ErrInvalidIRQ       = errors.New("invalid irq")
	ErrCoprocessorFault = errors.New("coprocessor fault")
)

// Trap is a CPU-raised condition en route to becoming a pending interrupt,
// per spec.md §7 ("any trap produces a pending interrupt consumed at the
// next boundary").
type Trap struct {
	Vector uint16
	Err    error
	Virt   word.Word
}

func (t *Trap) Error() string {
	return fmt.Sprintf("trap[%d]: %s", t.Vector, t.Err)
}

func (t *Trap) Unwrap() error { return t.Err }

// trapFor classifies err into the reserved fault vector it corresponds to.
// CoprocessorFault has no dedicated vector slot among the 8 the spec
// reserves (it lists 8 vector names but 9 trap names in its error
// taxonomy); it is delivered through VectorInvalidOpcode, since both
// conditions are decode-time rejections of an instruction word against an
// opcode table -- the main one or the active coprocessor's -- and no other
// vector fits better (see DESIGN.md).
func trapFor(err error) *Trap {
	t := &Trap{Err: err}

	switch {
	case errors.Is(err, ErrInvalidOpcode), errors.Is(err, ErrCoprocessorFault):
		t.Vector = intr.VectorInvalidOpcode
	case errors.Is(err, mmu.ErrPageFault), errors.Is(err, mem.ErrPageFault):
		t.Vector = intr.VectorPageFault
	case errors.Is(err, ErrDivisionByZero):
		t.Vector = intr.VectorDivisionByZero
	case errors.Is(err, mmu.ErrAccessViolation), errors.Is(err, mem.ErrAccessViolation):
		t.Vector = intr.VectorProtectionFault
	case errors.Is(err, mem.ErrUnalignedAccess):
		t.Vector = intr.VectorUnalignedAccess
	case errors.Is(err, ErrDoubleFault):
		t.Vector = intr.VectorDoubleFault
	case errors.Is(err, ErrPrivilegeFault), errors.Is(err, ErrRegisterFault):
		t.Vector = intr.VectorPrivilegeViolation
	case errors.Is(err, ErrInvalidIRQ):
		t.Vector = intr.VectorInvalidIRQ
	default:
		t.Vector = intr.VectorInvalidOpcode
	}

	var fault *mmu.Fault
	if errors.As(err, &fault) {
		t.Virt = fault.Virt
	}

	return t
}
