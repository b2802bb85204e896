package machine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pombredanne/ducky/internal/config"
	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/loader"
	"github.com/pombredanne/ducky/internal/machine"
	"github.com/pombredanne/ducky/internal/word"
)

// encodeWords packs words little-endian into a byte slice, matching
// loader.Section.Words' decoding.
func encodeWords(words ...word.Word) []byte {
	out := make([]byte, 0, len(words)*4)
	for _, w := range words {
		b := w.Bytes()
		out = append(out, b[0], b[1], b[2], b[3])
	}

	return out
}

func writeObject(t *testing.T, dir, name string, obj *loader.Object) string {
	t.Helper()

	blob, err := loader.Encode(obj)
	if err != nil {
		t.Fatalf("encode object: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		t.Fatalf("write object: %v", err)
	}

	return path
}

// haltWithCodeObject builds a single TEXT section that executes
// "HLT <code>" at its base address, the minimal bootloader spec.md §8's
// scenario 1 ("Halt-with-code") needs.
func haltWithCodeObject(base word.Word, code word.Word) *loader.Object {
	return &loader.Object{
		Sections: []loader.Section{
			{
				Name:  "TEXT",
				Type:  loader.SectionText,
				Flags: loader.SectionExecutable,
				Base:  base,
				Data:  encodeWords(word.Word(cpu.EncodeCompound(cpu.HLT, code))),
			},
		},
	}
}

func baseConfig(t *testing.T, bootPath string, entry word.Word) *config.Document {
	t.Helper()

	src := strings.NewReader(`
[machine]
cpus=1
cores-per-cpu=1

[memory]
size=65536

[bootloader]
path=` + bootPath + `
origin=` + entry.String() + `
`)

	doc, err := config.Parse(src)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	return doc
}

func TestRunHaltsWithCode(t *testing.T) {
	dir := t.TempDir()
	entry := word.Word(0x2000)

	bootPath := writeObject(t, dir, "boot.obj", haltWithCodeObject(entry, 0x42))
	doc := baseConfig(t, bootPath, entry)

	m, err := machine.New(doc)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	code, err := m.Run(context.Background(), machine.Budget{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if code != 0x42 {
		t.Fatalf("exit code = %#x, want 0x42", code)
	}
}

func TestRunHaltZeroIsNormalExit(t *testing.T) {
	dir := t.TempDir()
	entry := word.Word(0x2000)

	bootPath := writeObject(t, dir, "boot.obj", haltWithCodeObject(entry, 0))
	doc := baseConfig(t, bootPath, entry)

	m, err := machine.New(doc)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	code, err := m.Run(context.Background(), machine.Budget{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

// TestRunInstructionBudgetTimesOut exercises spec.md §5's instruction-budget
// timeout: a core that never halts must stop the run loop once the
// configured instruction budget is exhausted.
func TestRunInstructionBudgetTimesOut(t *testing.T) {
	dir := t.TempDir()
	entry := word.Word(0x2000)

	// BG is taken while the compare flags are clear, and nothing here sets
	// them, so this branch to itself never halts.
	obj := &loader.Object{
		Sections: []loader.Section{
			{
				Name:  "TEXT",
				Type:  loader.SectionText,
				Flags: loader.SectionExecutable,
				Base:  entry,
				Data:  encodeWords(word.Word(cpu.EncodeBranch(cpu.BG, cpu.CondAlways, 0))),
			},
		},
	}

	bootPath := writeObject(t, dir, "boot.obj", obj)
	doc := baseConfig(t, bootPath, entry)

	m, err := machine.New(doc)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	_, err = m.Run(context.Background(), machine.Budget{Instructions: 10})
	if err != machine.ErrTimeout {
		t.Fatalf("Run err = %v, want ErrTimeout", err)
	}
}

// TestSnapshotRestoreRoundTrip exercises spec.md §8's scenario 6: saving a
// machine mid-run and restoring it reproduces the same subsequent halt
// code, i.e. the restored machine resumes exactly where the original left
// off.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	entry := word.Word(0x2000)

	bootPath := writeObject(t, dir, "boot.obj", haltWithCodeObject(entry, 0x7))
	doc := baseConfig(t, bootPath, entry)

	m, err := machine.New(doc)
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	snapPath := filepath.Join(dir, "snap.gob")
	m.SnapshotPath = snapPath

	if err := m.Save(snapPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2, err := machine.New(doc)
	if err != nil {
		t.Fatalf("machine.New (second): %v", err)
	}

	if err := m2.Load(snapPath); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	code, err := m2.Run(ctx, machine.Budget{})
	if err != nil {
		t.Fatalf("Run after restore: %v", err)
	}

	if code != 0x7 {
		t.Fatalf("exit code after restore = %#x, want 0x7", code)
	}
}
