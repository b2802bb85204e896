package device_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pombredanne/ducky/internal/device"
	"github.com/pombredanne/ducky/internal/intr"
)

func TestTTYWriteForwardsToSink(t *testing.T) {
	var buf bytes.Buffer

	tty := device.NewTTY()
	tty.Attach(device.NewStreamOutput(&buf))

	if err := tty.WriteMMIO(device.TTYData, 1, 'H'); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	if got := buf.String(); got != "H" {
		t.Errorf("sink = %q, want %q", got, "H")
	}
}

func TestTTYDataRegisterIsWriteOnly(t *testing.T) {
	tty := device.NewTTY()

	if _, err := tty.ReadMMIO(device.TTYData, 1); err == nil {
		t.Fatalf("ReadMMIO: expected error, got nil")
	}
}

func TestTerminalPumpsHostInputToKeyboard(t *testing.T) {
	in := intr.New()
	kbd := device.NewKeyboard(9, in)
	tty := device.NewTTY()

	var out bytes.Buffer

	term, err := device.NewTerminal(
		device.NewStreamInput(bytes.NewBufferString("hi")),
		kbd,
		device.NewStreamOutput(&out),
		tty,
	)
	if err != nil {
		t.Fatalf("NewTerminal: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		term.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		status, err := kbd.ReadMMIO(device.KBDStatus, 4)
		if err == nil && status&device.KeyboardReady != 0 {
			break
		}

		time.Sleep(time.Millisecond)
	}

	b, err := kbd.ReadMMIO(device.KBDData, 4)
	if err != nil || b != 'h' {
		t.Fatalf("first byte = %v, %v; want 'h', nil", b, err)
	}
}

func TestNewTerminalRejectsMissingBindings(t *testing.T) {
	kbd := device.NewKeyboard(9, intr.New())
	tty := device.NewTTY()

	if _, err := device.NewTerminal(nil, kbd, device.NewStreamOutput(&bytes.Buffer{}), tty); err == nil {
		t.Fatalf("expected ErrTerminalUnwired, got nil")
	}
}
