package machine

import (
	"errors"

	"github.com/pombredanne/ducky/internal/config"
)

// Host error taxonomy, per spec.md §7: errors that bypass the guest
// interrupt path entirely and abort the run loop, as opposed to traps
// (internal/cpu), which become interrupts the guest itself handles.
// ConfigurationError is config.ErrConfiguration itself -- spec.md names one
// taxonomy, and internal/config already defines the sentinel a malformed
// configuration document fails with, so the two are the same error rather
// than one wrapping the other.
var (
	ErrConfiguration      = config.ErrConfiguration
	ErrBinaryFormat       = errors.New("machine: binary format error")
	ErrDeviceInit         = errors.New("machine: device init error")
	ErrIO                 = errors.New("machine: io error")
	ErrInvariantViolation = errors.New("machine: invariant violation")
)

// Timeout is returned by Run when the configured instruction or wall-clock
// budget is exceeded before every core halts, per spec.md §5.
var ErrTimeout = errors.New("machine: timeout")
