package device_test

import (
	"errors"
	"testing"

	"github.com/pombredanne/ducky/internal/device"
)

func TestSnapshotControlTriggersSave(t *testing.T) {
	saved := false

	s := device.NewSnapshotControl(
		func() error { saved = true; return nil },
		func() error { return nil },
	)

	if err := s.WriteMMIO(device.SnapshotCommand, 4, device.SnapshotCmdSave); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	if !saved {
		t.Errorf("SaveFunc was not called")
	}

	status, err := s.ReadMMIO(device.SnapshotStatus, 4)
	if err != nil || status != device.SnapshotStatusOK {
		t.Errorf("status = %v, %v; want OK, nil", status, err)
	}
}

func TestSnapshotControlReportsFailure(t *testing.T) {
	s := device.NewSnapshotControl(
		func() error { return errors.New("disk full") },
		nil,
	)

	if err := s.WriteMMIO(device.SnapshotCommand, 4, device.SnapshotCmdSave); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	status, _ := s.ReadMMIO(device.SnapshotStatus, 4)
	if status != device.SnapshotStatusErr {
		t.Errorf("status = %v, want Err", status)
	}
}

func TestSnapshotControlUnwiredLoadFails(t *testing.T) {
	s := device.NewSnapshotControl(nil, nil)

	if err := s.WriteMMIO(device.SnapshotCommand, 4, device.SnapshotCmdLoad); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	status, _ := s.ReadMMIO(device.SnapshotStatus, 4)
	if status != device.SnapshotStatusErr {
		t.Errorf("status = %v, want Err", status)
	}
}
