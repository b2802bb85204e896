package hdt_test

import (
	"errors"
	"testing"

	"github.com/pombredanne/ducky/internal/hdt"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blob, err := hdt.NewBuilder().
		AddCPU(4, 1).
		AddMemory(1 << 24).
		AddArgument("root", "/dev/blk0").
		AddDevice(hdt.DeviceEntry{
			Name:       "tty0",
			Identifier: "ducky,tty",
			Flags:      1,
			MMIOBase:   0x9000,
			Size:       16,
			IRQ:        3,
		}).
		Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	table, err := hdt.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(table.Entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(table.Entries))
	}

	cpu := table.Entries[0]
	if cpu.Type != hdt.EntryCPU || cpu.CPU == nil {
		t.Fatalf("entry 0: got %+v, want a parsed CPU entry", cpu)
	}

	if cpu.CPU.Cores != 4 || cpu.CPU.CoresPerCPU != 1 {
		t.Errorf("CPU entry = %+v, want Cores=4 CoresPerCPU=1", cpu.CPU)
	}

	mem := table.Entries[1]
	if mem.Memory == nil || mem.Memory.Size != 1<<24 {
		t.Errorf("MEMORY entry = %+v, want Size=%d", mem.Memory, 1<<24)
	}

	arg := table.Entries[2]
	if arg.Argument == nil || arg.Argument.Name != "root" || arg.Argument.Value != "/dev/blk0" {
		t.Errorf("ARGUMENT entry = %+v, want Name=root Value=/dev/blk0", arg.Argument)
	}

	dev := table.Entries[3]
	if dev.Device == nil {
		t.Fatalf("DEVICE entry not parsed: %+v", dev)
	}

	want := hdt.DeviceEntry{Name: "tty0", Identifier: "ducky,tty", Flags: 1, MMIOBase: 0x9000, Size: 16, IRQ: 3}
	if *dev.Device != want {
		t.Errorf("DEVICE entry = %+v, want %+v", *dev.Device, want)
	}
}

func TestDeviceEntryNegativeIRQMeansNone(t *testing.T) {
	blob, err := hdt.NewBuilder().
		AddDevice(hdt.DeviceEntry{Name: "rtc0", Identifier: "ducky,rtc", IRQ: -1}).
		Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	table, err := hdt.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if table.Entries[0].Device.IRQ != -1 {
		t.Errorf("IRQ = %d, want -1", table.Entries[0].Device.IRQ)
	}
}

func TestFieldTooLongIsRejected(t *testing.T) {
	_, err := hdt.NewBuilder().
		AddArgument("this-name-is-far-too-long-for-the-fixed-field", "x").
		Encode()
	if !errors.Is(err, hdt.ErrFieldTooLong) {
		t.Fatalf("Encode error = %v, want ErrFieldTooLong", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	blob, err := hdt.NewBuilder().AddMemory(4096).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	blob[0] ^= 0xff

	if _, err := hdt.Decode(blob); !errors.Is(err, hdt.ErrBadMagic) {
		t.Fatalf("Decode error = %v, want ErrBadMagic", err)
	}
}

func TestDecodeRejectsTruncatedTable(t *testing.T) {
	blob, err := hdt.NewBuilder().AddCPU(1, 1).AddMemory(4096).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := hdt.Decode(blob[:len(blob)-2]); !errors.Is(err, hdt.ErrTotalLength) {
		t.Fatalf("Decode error = %v, want ErrTotalLength", err)
	}
}

func TestDecodeUnknownEntryKeepsRaw(t *testing.T) {
	blob, err := hdt.NewBuilder().AddMemory(4096).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Forge a trailing entry of an unrecognized type to confirm the decoder
	// doesn't choke on forward-looking record kinds it doesn't know yet.
	forged := append([]byte(nil), blob...)
	forged[4] = 2 // entry count: 1 -> 2
	forged = append(forged, 0xff, 0x00, 0x02, 0x00, 0xaa, 0xbb)
	forged[8] = byte(len(forged))

	table, err := hdt.Decode(forged)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(table.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(table.Entries))
	}

	unknown := table.Entries[1]
	if unknown.CPU != nil || unknown.Memory != nil || unknown.Argument != nil || unknown.Device != nil {
		t.Errorf("unknown entry got a typed field set: %+v", unknown)
	}

	if len(unknown.Raw) != 2 || unknown.Raw[0] != 0xaa || unknown.Raw[1] != 0xbb {
		t.Errorf("unknown entry Raw = %v, want [0xaa 0xbb]", unknown.Raw)
	}
}
