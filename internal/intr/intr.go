// Package intr implements the interrupt controller: an ordered queue of
// pending IRQs, a mask bitmap, and the interrupt vector table (IVT) used to
// resolve a handler's entry point and stack. It is grounded on the teacher's
// basic interrupt line (internal/vm/intr.go), generalized from a single
// fixed-priority-level table to the numerically-indexed IVT of spec.md §3/§4.4
// (fault vectors 0-7 always win; device/software IRQs 8..IVTSize-1 are
// priority- and mask-ordered).
package intr

import (
	"fmt"
	"sync"

	"github.com/pombredanne/ducky/internal/word"
)

// IVTSize is the number of entries in the interrupt vector table. Indices
// 0-7 are reserved for CPU faults; 8..IVTSize-1 are device and software IRQs.
const IVTSize = 256

// NumFaultVectors is the count of reserved, always-unmaskable fault vectors.
const NumFaultVectors = 8

// Fault vector indices, per spec.md §3.
const (
	VectorInvalidOpcode = iota
	VectorPageFault
	VectorDivisionByZero
	VectorProtectionFault
	VectorUnalignedAccess
	VectorDoubleFault
	VectorPrivilegeViolation
	VectorInvalidIRQ
)

// Vector is an entry in the interrupt vector table: the handler's entry
// point and the stack pointer to switch to while it runs.
type Vector struct {
	IP word.Word
	SP word.Word
}

// Controller is the machine's interrupt controller.
type Controller struct {
	mu sync.Mutex

	ivtBase  word.Word
	ivtLimit word.Word
	table    [IVTSize]Vector
	has      [IVTSize]bool
	mask     [IVTSize]bool
	pending  []uint16 // FIFO queue of raised IRQ numbers, in raise order
}

// New creates an interrupt controller with an empty vector table; all IRQs
// start unmasked.
func New() *Controller {
	return &Controller{}
}

// Install configures the IVT's base and limit, i.e. the bounds of the vector
// table address range reported to guest software via the HDT.
func (c *Controller) Install(base, limit word.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ivtBase = base
	c.ivtLimit = limit
}

// Bounds returns the configured IVT base and limit.
func (c *Controller) Bounds() (base, limit word.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ivtBase, c.ivtLimit
}

// SetVector installs the handler entry point and stack pointer for irq.
func (c *Controller) SetVector(irq uint16, ip, sp word.Word) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table[irq] = Vector{IP: ip, SP: sp}
	c.has[irq] = true
}

// Lookup resolves irq to its handler vector. ok is false if no handler has
// been installed for irq, corresponding to a double-fault condition when the
// controller attempts delivery.
func (c *Controller) Lookup(irq uint16) (Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.table[irq], c.has[irq]
}

// Mask sets irq's mask bit; a masked, raised IRQ is held pending
// indefinitely. Fault vectors (0..7) ignore their mask bit at delivery time
// regardless of this call, per spec.md §4.4.
func (c *Controller) Mask(irq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mask[irq] = true
}

// Unmask clears irq's mask bit.
func (c *Controller) Unmask(irq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mask[irq] = false
}

// Masked reports whether irq is currently masked.
func (c *Controller) Masked(irq uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mask[irq]
}

// Raise enqueues irq as pending. Multiple raises are queued in FIFO order so
// that, per spec.md §9, simultaneously-raised IRQs sharing a numeric index
// are delivered in registration/raise order.
func (c *Controller) Raise(irq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, irq)
}

// PopNext dequeues and returns the highest-priority deliverable IRQ: a fault
// vector (0..7) if any is pending, regardless of mask state, else the
// lowest-numbered unmasked pending IRQ, breaking ties in raise order. It
// returns ok=false if nothing is deliverable.
func (c *Controller) PopNext() (irq uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := -1
	bestIRQ := uint16(0)

	for i, v := range c.pending {
		if v < NumFaultVectors {
			best, bestIRQ = i, v

			break
		}

		if c.mask[v] {
			continue
		}

		if best == -1 || v < bestIRQ {
			best, bestIRQ = i, v
		}
	}

	if best == -1 {
		return 0, false
	}

	c.pending = append(c.pending[:best], c.pending[best+1:]...)

	return bestIRQ, true
}

// PopNextFault dequeues and returns a pending fault vector (0..7), ignoring
// any pending maskable IRQ (8..IVTSize-1). It returns ok=false if no fault is
// queued. Used by the core when hardware-interrupts-enabled is clear, so
// that only fault vectors bypass the core's own gate.
func (c *Controller) PopNextFault() (irq uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, v := range c.pending {
		if v < NumFaultVectors {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return v, true
		}
	}

	return 0, false
}

// Pending reports whether any deliverable IRQ (see PopNext) is waiting,
// without consuming it.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.pending {
		if v < NumFaultVectors || !c.mask[v] {
			return true
		}
	}

	return false
}

// State is the exported, gob-encodable snapshot of a controller's vector
// table, mask bitmap and pending queue, used by internal/machine's
// snapshot/restore.
type State struct {
	IVTBase, IVTLimit word.Word
	Table             [IVTSize]Vector
	Has               [IVTSize]bool
	Mask              [IVTSize]bool
	Pending           []uint16
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		IVTBase: c.ivtBase, IVTLimit: c.ivtLimit,
		Table: c.table, Has: c.has, Mask: c.mask,
		Pending: append([]uint16(nil), c.pending...),
	}
}

// Restore replaces the controller's state with s, as produced by a prior
// Snapshot.
func (c *Controller) Restore(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ivtBase, c.ivtLimit = s.IVTBase, s.IVTLimit
	c.table, c.has, c.mask = s.Table, s.Has, s.Mask
	c.pending = append([]uint16(nil), s.Pending...)
}

func (c *Controller) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fmt.Sprintf("intr(base=%s limit=%s pending=%v)", c.ivtBase, c.ivtLimit, c.pending)
}
