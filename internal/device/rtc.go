package device

import (
	"fmt"
	"time"

	"github.com/pombredanne/ducky/internal/intr"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// RTC register offsets, per spec.md §4.6: seconds, minutes, hours, day,
// month, year, frequency. Each is a full word register (rather than packed
// bytes) so every register answers any of the bus's three access widths the
// same way.
const (
	RTCSeconds   = word.Word(0x00)
	RTCMinutes   = word.Word(0x04)
	RTCHours     = word.Word(0x08)
	RTCDay       = word.Word(0x0c)
	RTCMonth     = word.Word(0x10)
	RTCYear      = word.Word(0x14)
	RTCFrequency = word.Word(0x18)

	// RTCSize is the size, in bytes, of the RTC's MMIO register block.
	RTCSize = word.Word(0x20)
)

// RTC is the real-time-clock device: date/time fields latched from the host
// clock on read, and a programmable-frequency timer IRQ driven off the
// machine's virtual-time instruction counter rather than a host timer, so
// that snapshot/restore and replay stay deterministic per spec.md §5.
type RTC struct {
	irq uint16
	in  *intr.Controller

	// Now returns the current time; overridden in tests. Defaults to
	// time.Now.
	Now func() time.Time

	frequency word.Word // ticks between IRQs; 0 disables the timer
	lastFired uint64    // virtual-clock tick of the last IRQ raised

	log *log.Logger
}

// NewRTC creates an RTC that raises irq when its programmed frequency
// elapses.
func NewRTC(irq uint16, in *intr.Controller) *RTC {
	return &RTC{irq: irq, in: in, Now: time.Now, log: log.DefaultLogger()}
}

// Name implements bus.MMIODevice.
func (r *RTC) Name() string { return "rtc" }

// ReadMMIO implements bus.MMIODevice.
func (r *RTC) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	now := r.Now()

	switch offset {
	case RTCSeconds:
		return word.Word(now.Second()), nil
	case RTCMinutes:
		return word.Word(now.Minute()), nil
	case RTCHours:
		return word.Word(now.Hour()), nil
	case RTCDay:
		return word.Word(now.Day()), nil
	case RTCMonth:
		return word.Word(now.Month()), nil
	case RTCYear:
		return word.Word(now.Year()), nil
	case RTCFrequency:
		return r.frequency, nil
	default:
		return 0, offsetError(r.Name(), offset)
	}
}

// WriteMMIO implements bus.MMIODevice. Only the frequency register accepts
// writes; the date/time registers are read-only reflections of the host
// clock.
func (r *RTC) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	if offset != RTCFrequency {
		return fmt.Errorf("%w: %s", ErrReadOnly, offsetError(r.Name(), offset))
	}

	r.frequency = value
	r.log.Debug("rtc frequency set", log.String("DEVICE", r.Name()), "hz", value)

	return nil
}

// Tick advances the RTC's view of virtual time by one round. cycle is the
// machine's virtual-clock instruction-round counter. When the programmed
// frequency has elapsed since the last IRQ, Tick raises the timer interrupt
// and resets the deadline.
func (r *RTC) Tick(cycle uint64) {
	if r.frequency == 0 {
		return
	}

	period := uint64(r.frequency)
	if cycle-r.lastFired < period {
		return
	}

	r.lastFired = cycle
	r.in.Raise(r.irq)
}

// rtcState is the gob-encodable snapshot of an RTC's programmable state. The
// host-clock-derived date/time fields are deliberately excluded: they are
// never guest-observable state that a restore needs to reproduce, only a
// live read of whatever the host clock says at the time.
type rtcState struct {
	Frequency word.Word
	LastFired uint64
}

// Snapshot implements Snapshotter.
func (r *RTC) Snapshot() (any, error) {
	return rtcState{Frequency: r.frequency, LastFired: r.lastFired}, nil
}

// Restore implements Snapshotter.
func (r *RTC) Restore(state any) error {
	s, ok := state.(rtcState)
	if !ok {
		return fmt.Errorf("rtc: restore: unexpected state type %T", state)
	}

	r.frequency = s.Frequency
	r.lastFired = s.LastFired

	return nil
}
