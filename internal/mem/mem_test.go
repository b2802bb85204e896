package mem_test

import (
	"errors"
	"testing"

	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

func newController(t *testing.T) *mem.Controller {
	t.Helper()
	return mem.New(mem.Config{Size: 4096})
}

func TestReadAfterWriteRoundTrip(t *testing.T) {
	m := newController(t)

	base, err := m.Alloc(0, mem.Readable|mem.Writable)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	for b := word.Word(0); b < mem.PageSize; b++ {
		if err := m.WriteByte(0, base+b, word.Byte(b)); err != nil {
			t.Fatalf("write %d: %v", b, err)
		}
	}

	for b := word.Word(0); b < mem.PageSize; b++ {
		got, err := m.ReadByte(0, base+b)
		if err != nil {
			t.Fatalf("read %d: %v", b, err)
		}

		if got != word.Byte(b) {
			t.Errorf("byte %d: want %d, got %d", b, b, got)
		}
	}
}

func TestPageBoundaryCrossing(t *testing.T) {
	m := newController(t)

	base1, _ := m.Alloc(0, mem.Readable|mem.Writable)
	base2, _ := m.Alloc(0, mem.Readable|mem.Writable)

	if base2 != base1+mem.PageSize {
		t.Fatalf("expected contiguous allocation, got %s then %s", base1, base2)
	}

	if err := m.WriteByte(0, base1+mem.PageSize-1, 0xaa); err != nil {
		t.Fatalf("write last byte: %v", err)
	}

	if err := m.WriteByte(0, base2, 0xbb); err != nil {
		t.Fatalf("write first byte of next page: %v", err)
	}

	last, _ := m.ReadByte(0, base1+mem.PageSize-1)
	first, _ := m.ReadByte(0, base2)

	if last != 0xaa || first != 0xbb {
		t.Errorf("page boundary corrupted: last=%s first=%s", last, first)
	}
}

func TestWriteReadOnlyPageFails(t *testing.T) {
	m := newController(t)

	base, _ := m.Alloc(0, mem.Readable)

	err := m.WriteByte(0, base, 1)
	if !errors.Is(err, mem.ErrAccessViolation) {
		t.Errorf("want AccessViolation, got %v", err)
	}
}

func TestReadUnallocatedIsPageFault(t *testing.T) {
	m := newController(t)

	_, err := m.ReadWord(0, 0x100)
	if !errors.Is(err, mem.ErrPageFault) {
		t.Errorf("want PageFault, got %v", err)
	}
}

func TestReadOutsideRegionIsInvalidAddress(t *testing.T) {
	m := newController(t)

	_, err := m.ReadWord(0, 0x10000)
	if !errors.Is(err, mem.ErrInvalidAddress) {
		t.Errorf("want InvalidAddress, got %v", err)
	}
}

func TestUnalignedAccessDefaultsToFail(t *testing.T) {
	m := newController(t)
	base, _ := m.Alloc(0, mem.Readable|mem.Writable)

	if err := m.WriteWord(0, base+1, 0xdeadbeef); !errors.Is(err, mem.ErrUnalignedAccess) {
		t.Errorf("want UnalignedAccess, got %v", err)
	}
}

func TestUnalignedAccessPermitted(t *testing.T) {
	m := mem.New(mem.Config{Size: 4096, AllowUnaligned: true})
	base, _ := m.Alloc(0, mem.Readable|mem.Writable)

	if err := m.WriteWord(0, base+1, 0xdeadbeef); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := m.ReadWord(0, base+1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got != 0xdeadbeef {
		t.Errorf("want 0xdeadbeef, got %s", got)
	}
}

func TestFreeUnallocatedFails(t *testing.T) {
	m := newController(t)

	if err := m.Free(0x800); !errors.Is(err, mem.ErrInvalidPage) {
		t.Errorf("want InvalidPage, got %v", err)
	}
}

func TestCrossCoreAccessViolation(t *testing.T) {
	m := newController(t)
	base, _ := m.Alloc(1, mem.Readable|mem.Writable)

	_, err := m.ReadByte(2, base)
	if !errors.Is(err, mem.ErrAccessViolation) {
		t.Errorf("want AccessViolation, got %v", err)
	}
}

func TestGlobalPageAllowsCrossCoreAccess(t *testing.T) {
	m := newController(t)
	base, _ := m.Alloc(1, mem.Readable|mem.Writable|mem.Global)

	if _, err := m.ReadByte(2, base); err != nil {
		t.Errorf("global page: want no error, got %v", err)
	}
}
