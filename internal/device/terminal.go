package device

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/pombredanne/ducky/internal/log"
)

// InputSource and OutputSink are the two capabilities spec.md §9's redesign
// note asks for in place of the teacher's Backend/Frontend/Master device
// inheritance (internal/vm/kbd.go, internal/vm/disp.go): a source of host
// bytes feeding the keyboard device, and a sink for bytes the TTY device
// writes. internal/tty's host console binds to these instead of to concrete
// device types.
type InputSource interface {
	// Run delivers bytes read from the host to push, one at a time, until
	// ctx is cancelled or the source is exhausted.
	Run(ctx context.Context, push func(byte))
}

// OutputSink accepts bytes written by the TTY device.
type OutputSink interface {
	Write(b byte) error
}

// Terminal binds exactly one InputSource to a Keyboard device and one
// OutputSink to a TTY device, per spec.md §9's "a terminal holds references
// to one input and one output; wiring is validated at boot."
type Terminal struct {
	Input  InputSource
	Output OutputSink

	kbd *Keyboard
	tty *TTY

	log *log.Logger
}

// ErrTerminalUnwired is returned by NewTerminal when either side of the
// binding is missing.
var ErrTerminalUnwired = errors.New("device: terminal requires both an input and output binding")

// NewTerminal validates and constructs a Terminal wiring in to kbd and out
// to tty.
func NewTerminal(in InputSource, kbd *Keyboard, out OutputSink, tty *TTY) (*Terminal, error) {
	if in == nil || out == nil {
		return nil, ErrTerminalUnwired
	}

	tty.Attach(out)

	return &Terminal{Input: in, Output: out, kbd: kbd, tty: tty, log: log.DefaultLogger()}, nil
}

// Run starts the input pump, feeding every byte the host source produces to
// the keyboard device, until ctx is cancelled. It does not return until the
// source does.
func (t *Terminal) Run(ctx context.Context) {
	t.Input.Run(ctx, t.kbd.Push)
}

// StreamInput is an InputSource reading bytes from an arbitrary host
// stream (typically os.Stdin), grounded on the teacher's readTerminal
// goroutine (internal/tty/tty.go) but expressed against the InputSource
// capability instead of a concrete *vm.Keyboard.
type StreamInput struct {
	r io.Reader
}

// NewStreamInput wraps r as an InputSource.
func NewStreamInput(r io.Reader) *StreamInput { return &StreamInput{r: r} }

// Run implements InputSource.
func (s *StreamInput) Run(ctx context.Context, push func(byte)) {
	br := bufio.NewReader(s.r)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := br.ReadByte()
		if err != nil {
			return
		}

		push(b)
	}
}

// StreamOutput is an OutputSink writing bytes to an arbitrary host stream
// (typically os.Stdout).
type StreamOutput struct {
	w io.Writer
}

// NewStreamOutput wraps w as an OutputSink.
func NewStreamOutput(w io.Writer) *StreamOutput { return &StreamOutput{w: w} }

// Write implements OutputSink.
func (s *StreamOutput) Write(b byte) error {
	_, err := s.w.Write([]byte{b})
	return err
}
