package device

import (
	"fmt"
	"sync"

	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// Keyboard register offsets: a status/data pair, following the teacher's
// KBSR/KBDR layout (internal/vm/kbd.go) generalized from a single
// not-empty bit to an explicit ready/enable status register.
const (
	KBDStatus = word.Word(0x00)
	KBDData   = word.Word(0x04)

	// KBDSize is the size, in bytes, of the keyboard's MMIO register block.
	KBDSize = word.Word(0x08)
)

// Keyboard status bits.
const (
	KeyboardReady  word.Word = 1 << 0 // set when the scancode queue is non-empty
	KeyboardEnable word.Word = 1 << 1 // gates whether enqueuing raises the IRQ
)

// queueDepth bounds the scancode backlog; Push blocks once it's full,
// applying backpressure to whatever host input pump is feeding the device,
// mirroring the teacher's Keyboard.Update's blocking behavior.
const queueDepth = 16

// Keyboard is the keyboard device: a host-fed scancode queue drained one
// byte at a time by the guest, raising irq whenever a scancode arrives in a
// previously empty, enabled queue.
type Keyboard struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue  []byte
	enable bool

	irq uint16
	in  *intr.Controller

	log *log.Logger
}

// NewKeyboard creates a keyboard device that raises irq on the interrupt
// controller in.
func NewKeyboard(irq uint16, in *intr.Controller) *Keyboard {
	k := &Keyboard{irq: irq, in: in, log: log.DefaultLogger()}
	k.cond = sync.NewCond(&k.mu)

	return k
}

// Name implements bus.MMIODevice.
func (k *Keyboard) Name() string { return "keyboard" }

// Push enqueues a scancode from the host side (internal/device's Terminal,
// typically). It blocks while the queue is full rather than drop input.
func (k *Keyboard) Push(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for len(k.queue) >= queueDepth {
		k.cond.Wait()
	}

	wasEmpty := len(k.queue) == 0
	k.queue = append(k.queue, b)

	if wasEmpty && k.enable {
		k.in.Raise(k.irq)
	}
}

// ReadMMIO implements bus.MMIODevice.
func (k *Keyboard) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch offset {
	case KBDStatus:
		status := word.Word(0)
		if len(k.queue) > 0 {
			status |= KeyboardReady
		}

		if k.enable {
			status |= KeyboardEnable
		}

		return status, nil
	case KBDData:
		if len(k.queue) == 0 {
			return 0, nil
		}

		b := k.queue[0]
		k.queue = k.queue[1:]
		k.cond.Signal()

		return word.Word(b), nil
	default:
		return 0, offsetError(k.Name(), offset)
	}
}

// WriteMMIO implements bus.MMIODevice. Only the enable bit of the status
// register is guest-writable; the data register is read-only.
func (k *Keyboard) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch offset {
	case KBDStatus:
		k.enable = value&KeyboardEnable != 0
		return nil
	case KBDData:
		return fmt.Errorf("%w: %s", ErrReadOnly, offsetError(k.Name(), offset))
	default:
		return offsetError(k.Name(), offset)
	}
}

// keyboardState is the gob-encodable snapshot of a Keyboard's guest-visible
// state.
type keyboardState struct {
	Queue  []byte
	Enable bool
}

// Snapshot implements Snapshotter.
func (k *Keyboard) Snapshot() (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	q := make([]byte, len(k.queue))
	copy(q, k.queue)

	return keyboardState{Queue: q, Enable: k.enable}, nil
}

// Restore implements Snapshotter.
func (k *Keyboard) Restore(state any) error {
	s, ok := state.(keyboardState)
	if !ok {
		return fmt.Errorf("keyboard: restore: unexpected state type %T", state)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.queue = s.Queue
	k.enable = s.Enable

	return nil
}
