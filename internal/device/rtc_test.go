package device_test

import (
	"testing"
	"time"

	"github.com/pombredanne/ducky/internal/device"
	"github.com/pombredanne/ducky/internal/intr"
)

func TestRTCReadsLatchedFromHostClock(t *testing.T) {
	in := intr.New()
	r := device.NewRTC(8, in)
	r.Now = func() time.Time { return time.Date(2026, time.July, 31, 12, 34, 56, 0, time.UTC) }

	if v, err := r.ReadMMIO(device.RTCSeconds, 4); err != nil || v != 56 {
		t.Errorf("seconds = %v, %v; want 56, nil", v, err)
	}

	if v, err := r.ReadMMIO(device.RTCMinutes, 4); err != nil || v != 34 {
		t.Errorf("minutes = %v, %v; want 34, nil", v, err)
	}

	if v, err := r.ReadMMIO(device.RTCHours, 4); err != nil || v != 12 {
		t.Errorf("hours = %v, %v; want 12, nil", v, err)
	}

	if v, err := r.ReadMMIO(device.RTCYear, 4); err != nil || v != 2026 {
		t.Errorf("year = %v, %v; want 2026, nil", v, err)
	}
}

func TestRTCRaisesIRQAtProgrammedFrequency(t *testing.T) {
	in := intr.New()
	r := device.NewRTC(8, in)

	if err := r.WriteMMIO(device.RTCFrequency, 4, 10); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	for cycle := uint64(0); cycle < 9; cycle++ {
		r.Tick(cycle)
	}

	if in.Pending() {
		t.Fatalf("IRQ raised before frequency elapsed")
	}

	r.Tick(10)

	if !in.Pending() {
		t.Fatalf("IRQ not raised once frequency elapsed")
	}

	irq, ok := in.PopNext()
	if !ok || irq != 8 {
		t.Errorf("PopNext = %d, %v; want 8, true", irq, ok)
	}
}

func TestRTCFrequencyRegisterIsReadWrite(t *testing.T) {
	in := intr.New()
	r := device.NewRTC(8, in)

	if err := r.WriteMMIO(device.RTCFrequency, 4, 60); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	v, err := r.ReadMMIO(device.RTCFrequency, 4)
	if err != nil || v != 60 {
		t.Errorf("frequency = %v, %v; want 60, nil", v, err)
	}
}

func TestRTCDateFieldsAreReadOnly(t *testing.T) {
	in := intr.New()
	r := device.NewRTC(8, in)

	if err := r.WriteMMIO(device.RTCSeconds, 4, 1); err == nil {
		t.Fatalf("WriteMMIO(seconds): expected error, got nil")
	}
}

func TestRTCSnapshotRoundTrip(t *testing.T) {
	in := intr.New()
	r := device.NewRTC(8, in)

	if err := r.WriteMMIO(device.RTCFrequency, 4, 30); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	r.Tick(30)

	state, err := r.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	r2 := device.NewRTC(8, in)
	if err := r2.Restore(state); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	v, err := r2.ReadMMIO(device.RTCFrequency, 4)
	if err != nil || v != 30 {
		t.Errorf("restored frequency = %v, %v; want 30, nil", v, err)
	}
}
