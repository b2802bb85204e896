package device

import (
	"encoding/gob"
	"fmt"

	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// Snapshotter is implemented by any device whose internal state must
// survive a snapshot/restore cycle (spec.md §4.6's "Snapshot" device and
// §9's restore-equals-original invariant). The machine package gathers one
// state value per registered device and gob-encodes the resulting set; each
// concrete state type returned by Snapshot must be registered with
// encoding/gob, which the init functions below do for every device defined
// in this package.
type Snapshotter interface {
	Snapshot() (any, error)
	Restore(state any) error
}

func init() {
	gob.Register(rtcState{})
	gob.Register(keyboardState{})
	gob.Register(svgaState{})
}

// Snapshot command/status registers, per spec.md §4.6's "on request,
// serializes full machine state to a host file; on load, restores it." The
// device itself only triggers the host-side save/load callbacks the owning
// machine supplies; only the machine knows the full state tree (cores,
// memory, bus, devices) to serialize.
const (
	SnapshotCommand = word.Word(0x00)
	SnapshotStatus  = word.Word(0x04)

	// SnapshotControlSize is the size, in bytes, of the snapshot control
	// device's MMIO register block.
	SnapshotControlSize = word.Word(0x08)
)

// Snapshot commands.
const (
	SnapshotCmdNone word.Word = 0
	SnapshotCmdSave word.Word = 1
	SnapshotCmdLoad word.Word = 2
)

// Snapshot status codes.
const (
	SnapshotStatusOK  word.Word = 0
	SnapshotStatusErr word.Word = 1
)

// SnapshotControl is the MMIO trigger for host-side snapshot save/load,
// taking effect synchronously within the triggering write -- spec.md §5
// also allows a host signal handler to request one between instructions;
// that path calls SaveFunc directly rather than through this register.
type SnapshotControl struct {
	SaveFunc func() error
	LoadFunc func() error

	status word.Word
	log    *log.Logger
}

// NewSnapshotControl creates a snapshot control device. save and load may
// be nil until the owning machine wires them up, in which case a triggering
// write fails with SnapshotStatusErr rather than panicking.
func NewSnapshotControl(save, load func() error) *SnapshotControl {
	return &SnapshotControl{SaveFunc: save, LoadFunc: load, log: log.DefaultLogger()}
}

// Name implements bus.MMIODevice.
func (s *SnapshotControl) Name() string { return "snapshot" }

// ReadMMIO implements bus.MMIODevice.
func (s *SnapshotControl) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	switch offset {
	case SnapshotCommand:
		return SnapshotCmdNone, nil
	case SnapshotStatus:
		return s.status, nil
	default:
		return 0, offsetError(s.Name(), offset)
	}
}

// WriteMMIO implements bus.MMIODevice.
func (s *SnapshotControl) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	if offset != SnapshotCommand {
		return offsetError(s.Name(), offset)
	}

	var err error

	switch value {
	case SnapshotCmdSave:
		err = s.trigger(s.SaveFunc)
	case SnapshotCmdLoad:
		err = s.trigger(s.LoadFunc)
	default:
		return nil
	}

	if err != nil {
		s.status = SnapshotStatusErr
		s.log.Debug("snapshot operation failed", log.String("DEVICE", s.Name()), "error", err)
	} else {
		s.status = SnapshotStatusOK
	}

	return nil
}

func (s *SnapshotControl) trigger(fn func() error) error {
	if fn == nil {
		return fmt.Errorf("snapshot: no handler wired")
	}

	return fn()
}
