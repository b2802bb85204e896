package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/pombredanne/ducky/internal/config"
)

const sample = `
# machine configuration
[machine]
cpus = 1
cores-per-cpu = 2

[memory]
size = 0x10000

[bootloader]
path = "boot/image.bin"
origin = 0x1000

[binary-0]
path = prog.bin
origin = 0x2000

[device-0]
klass = tty
driver = console
mmio-base = 0x100

[device-1]
klass = rtc
driver = default
mmio-base = 0x200
frequency = 60
`

func mustParse(t *testing.T) *config.Document {
	t.Helper()

	doc, err := config.Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	return doc
}

func TestParseSectionsAndKeys(t *testing.T) {
	doc := mustParse(t)

	machine, ok := doc.Section("machine")
	if !ok {
		t.Fatalf("missing [machine] section")
	}

	cpus, err := machine.Int("cpus", 0)
	if err != nil || cpus != 1 {
		t.Errorf("cpus = %v, %v; want 1, nil", cpus, err)
	}

	cores, err := machine.Int("cores-per-cpu", 0)
	if err != nil || cores != 2 {
		t.Errorf("cores-per-cpu = %v, %v; want 2, nil", cores, err)
	}
}

func TestParseHexWordValues(t *testing.T) {
	doc := mustParse(t)

	mem, ok := doc.Section("memory")
	if !ok {
		t.Fatalf("missing [memory] section")
	}

	size, err := mem.Word("size", 0)
	if err != nil || size != 0x10000 {
		t.Errorf("size = %v, %v; want 0x10000, nil", size, err)
	}
}

func TestParseQuotedValue(t *testing.T) {
	doc := mustParse(t)

	boot, ok := doc.Section("bootloader")
	if !ok {
		t.Fatalf("missing [bootloader] section")
	}

	path, ok := boot.String("path")
	if !ok || path != "boot/image.bin" {
		t.Errorf("path = %q, %v; want %q, true", path, ok, "boot/image.bin")
	}

	origin, err := boot.Word("origin", 0)
	if err != nil || origin != 0x1000 {
		t.Errorf("origin = %v, %v; want 0x1000, nil", origin, err)
	}
}

func TestWithPrefixCollectsRepeatedSections(t *testing.T) {
	doc := mustParse(t)

	devices := doc.WithPrefix("device-")
	if len(devices) != 2 {
		t.Fatalf("got %d device sections, want 2", len(devices))
	}

	if devices[0].Name != "device-0" || devices[1].Name != "device-1" {
		t.Errorf("device sections out of order: %q, %q", devices[0].Name, devices[1].Name)
	}

	klass, ok := devices[1].String("klass")
	if !ok || klass != "rtc" {
		t.Errorf("device-1 klass = %q, %v; want rtc, true", klass, ok)
	}

	freq, err := devices[1].Word("frequency", 0)
	if err != nil || freq != 60 {
		t.Errorf("device-1 frequency = %v, %v; want 60, nil", freq, err)
	}
}

func TestRequiredMissingKeyFails(t *testing.T) {
	doc := mustParse(t)

	dev, _ := doc.Section("device-0")

	if _, err := dev.Required("storage-id"); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Required error = %v, want ErrConfiguration", err)
	}
}

func TestKeyOutsideSectionFails(t *testing.T) {
	_, err := config.Parse(strings.NewReader("cpus = 1\n[machine]\n"))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Parse error = %v, want ErrConfiguration", err)
	}
}

func TestUnterminatedSectionHeaderFails(t *testing.T) {
	_, err := config.Parse(strings.NewReader("[machine\n"))
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("Parse error = %v, want ErrConfiguration", err)
	}
}

func TestBoolParsing(t *testing.T) {
	doc, err := config.Parse(strings.NewReader("[cpu]\nframe-checks = yes\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cpu, _ := doc.Section("cpu")

	v, err := cpu.Bool("frame-checks", false)
	if err != nil || !v {
		t.Errorf("frame-checks = %v, %v; want true, nil", v, err)
	}
}
