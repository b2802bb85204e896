// Package mmu implements per-core virtual-to-physical address translation: a
// two-level software page table, a translation cache (TLB) and the fault
// semantics described by the machine's memory-management unit. It is new
// code -- the teacher (an LC-3 simulator) has no MMU since LC-3 addresses
// physical memory directly -- informed by the page-table walking style of
// the ARM MMU reference in the retrieval pack
// (_examples/other_examples/*usbarmory-tamago*arm64-mmu.go) adapted to a
// software (not hardware-register) page table suited to an interpreter.
package mmu

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

// AccessKind is the kind of access being translated.
type AccessKind uint8

// Access kinds.
const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExecute
)

func (a AccessKind) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Mode is the privilege mode under which a translation is requested.
type Mode uint8

// Privilege modes.
const (
	ModeKernel Mode = iota
	ModeUser
)

// Sentinel errors wrapped by Fault.
var (
	ErrPageFault       = errors.New("page fault")
	ErrAccessViolation = errors.New("access violation")
)

// Fault is returned when a translation misses the page table or violates the
// target page's access flags. It carries the fault code the CPU attaches to
// the corresponding trap.
type Fault struct {
	Err  error
	Virt word.Word
	Kind AccessKind
	Mode Mode
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: virt=%s kind=%s mode=%d", f.Err, f.Virt, f.Kind, f.Mode)
}

func (f *Fault) Unwrap() error { return f.Err }

// entriesPerLevel is the fan-out of each level of the page table: 12 bits of
// virtual address index each level, leaving 8 bits (PageSize=256) for the
// in-page offset: 12 + 12 + 8 = 32.
const (
	offsetBits = 8
	innerBits  = 12
	outerBits  = 12

	innerMask = 1<<innerBits - 1
	outerMask = 1<<outerBits - 1
)

// PTE is a page-table entry: a mapping from a virtual page to a physical
// page plus access flags.
type PTE struct {
	PhysPage word.Word
	Flags    mem.PageFlags
}

// Table is a two-level software page table. Inner tables are allocated
// lazily, so sparse address spaces cost little.
type Table struct {
	outer map[uint32]map[uint32]PTE
}

// NewTable creates an empty page table.
func NewTable() *Table {
	return &Table{outer: make(map[uint32]map[uint32]PTE)}
}

func split(v word.Word) (outerIdx, innerIdx uint32) {
	rest := uint32(v) >> offsetBits
	innerIdx = rest & innerMask
	outerIdx = (rest >> innerBits) & outerMask

	return outerIdx, innerIdx
}

// Map installs a mapping from the virtual page containing v to phys, with
// the given flags.
func (t *Table) Map(v, phys word.Word, flags mem.PageFlags) {
	outerIdx, innerIdx := split(v)

	inner, ok := t.outer[outerIdx]
	if !ok {
		inner = make(map[uint32]PTE)
		t.outer[outerIdx] = inner
	}

	inner[innerIdx] = PTE{PhysPage: phys, Flags: flags}
}

// Lookup returns the page-table entry mapping the page containing v.
func (t *Table) Lookup(v word.Word) (PTE, bool) {
	outerIdx, innerIdx := split(v)

	inner, ok := t.outer[outerIdx]
	if !ok {
		return PTE{}, false
	}

	pte, ok := inner[innerIdx]

	return pte, ok
}

type tlbEntry struct {
	phys  word.Word
	flags mem.PageFlags
}

// DefaultTLBCapacity is the number of translations cached per core before
// the oldest is evicted. The TLB is advisory: a miss always falls back to
// the authoritative table, so capacity affects performance, not semantics.
const DefaultTLBCapacity = 64

// MMU translates virtual addresses for a single core.
type MMU struct {
	table *Table
	ptBase word.Word

	tlb     map[word.Word]tlbEntry
	tlbKeys []word.Word
	tlbCap  int
}

// New creates an MMU with an empty page table.
func New() *MMU {
	return &MMU{
		table:  NewTable(),
		tlb:    make(map[word.Word]tlbEntry),
		tlbCap: DefaultTLBCapacity,
	}
}

// SetPageTableBase installs a new page-table-base register value. Per spec,
// changing the base flushes the TLB. The base value here identifies a table
// the boot/kernel code has already populated via Map; there is no guest-
// memory PTE wire format to walk (see DESIGN.md).
func (m *MMU) SetPageTableBase(base word.Word, table *Table) {
	m.ptBase = base
	if table != nil {
		m.table = table
	}

	m.FlushTLB()
}

// PageTableBase returns the current page-table-base register value.
func (m *MMU) PageTableBase() word.Word { return m.ptBase }

// Map installs a mapping directly into the MMU's current page table. This is
// the primitive behind the LPM instruction.
func (m *MMU) Map(virt, phys word.Word, flags mem.PageFlags) {
	m.table.Map(virt, phys, flags)
	delete(m.tlb, pageOf(virt))
}

// FlushTLB invalidates every cached translation.
func (m *MMU) FlushTLB() {
	m.tlb = make(map[word.Word]tlbEntry)
	m.tlbKeys = m.tlbKeys[:0]
}

func pageOf(v word.Word) word.Word { return v &^ (mem.PageSize - 1) }

// Translate resolves a virtual address to a physical address, consulting the
// TLB first and falling back to the page table on a miss.
func (m *MMU) Translate(virt word.Word, access AccessKind, mode Mode) (word.Word, mem.PageFlags, error) {
	vpn := pageOf(virt)
	offset := virt % mem.PageSize

	entry, hit := m.tlb[vpn]
	if !hit {
		pte, ok := m.table.Lookup(virt)
		if !ok {
			return 0, 0, &Fault{Err: ErrPageFault, Virt: virt, Kind: access, Mode: mode}
		}

		entry = tlbEntry{phys: pte.PhysPage, flags: pte.Flags}
		m.cache(vpn, entry)
	}

	if err := checkFlags(entry.flags, access, mode); err != nil {
		return 0, 0, &Fault{Err: err, Virt: virt, Kind: access, Mode: mode}
	}

	return entry.phys + offset, entry.flags, nil
}

func checkFlags(flags mem.PageFlags, access AccessKind, mode Mode) error {
	if mode == ModeUser && flags&mem.User == 0 {
		return ErrAccessViolation
	}

	switch access {
	case AccessExecute:
		if flags&mem.Executable == 0 {
			return ErrAccessViolation
		}
	case AccessWrite:
		if flags&mem.Writable == 0 {
			return ErrAccessViolation
		}
	case AccessRead:
		if flags&mem.Readable == 0 {
			return ErrAccessViolation
		}
	}

	return nil
}

func (m *MMU) cache(vpn word.Word, entry tlbEntry) {
	if _, ok := m.tlb[vpn]; !ok && len(m.tlbKeys) >= m.tlbCap {
		oldest := m.tlbKeys[0]
		m.tlbKeys = m.tlbKeys[1:]
		delete(m.tlb, oldest)
	}

	if _, ok := m.tlb[vpn]; !ok {
		m.tlbKeys = append(m.tlbKeys, vpn)
	}

	m.tlb[vpn] = entry
}

// Invalidate removes any cached translation and instruction-cache entry (the
// latter is the CPU's responsibility; see internal/cpu) covering v. It backs
// the FPTC instruction's TLB half.
func (m *MMU) Invalidate(v word.Word) {
	delete(m.tlb, pageOf(v))
}

// MappingImage is one exported page-table mapping, used by internal/machine
// to snapshot and restore a core's address space wholesale. Unlike PTE, it
// carries the virtual page address too, since Table's internal two-level
// index split is not something a caller outside this package should know
// how to rebuild from.
type MappingImage struct {
	Virt  word.Word
	Phys  word.Word
	Flags mem.PageFlags
}

// Entries returns every mapping installed in the MMU's current page table.
func (m *MMU) Entries() []MappingImage {
	var out []MappingImage

	for outerIdx, inner := range m.table.outer {
		for innerIdx, pte := range inner {
			virt := (word.Word(outerIdx)<<innerBits | word.Word(innerIdx)) << offsetBits
			out = append(out, MappingImage{Virt: virt, Phys: pte.PhysPage, Flags: pte.Flags})
		}
	}

	return out
}

// LoadTable replaces the MMU's page table with one built from entries, as
// produced by a prior call to Entries, and flushes the TLB and page-table
// base the same way SetPageTableBase does.
func (m *MMU) LoadTable(base word.Word, entries []MappingImage) {
	table := NewTable()
	for _, e := range entries {
		table.Map(e.Virt, e.Phys, e.Flags)
	}

	m.SetPageTableBase(base, table)
}
