// Package mem implements the machine's physical memory controller: page
// allocation, word/short/byte access, alignment and access-control
// enforcement. It is grounded on the teacher's single memory-data-register
// controller (internal/vm/mem.go) generalized from a flat 16-bit address
// space to a paged, multi-core 32-bit one.
package mem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// PageSize is the fixed size, in bytes, of a physical page.
const PageSize = 256

// CoreID identifies the owning core of a non-global page.
type CoreID uint8

// PageFlags records the access permissions and bookkeeping bits of a page.
type PageFlags uint8

// Page flag bits.
const (
	Readable PageFlags = 1 << iota
	Writable
	Executable
	Dirty
	Cached
	Global

	// User marks a page-table mapping as accessible from user mode. It is
	// meaningful only as an MMU page-table-entry flag (internal/mmu); the
	// physical memory controller itself does not enforce privilege.
	User
)

func (f PageFlags) String() string {
	s := ""
	for _, b := range []struct {
		flag PageFlags
		c    byte
	}{{Readable, 'r'}, {Writable, 'w'}, {Executable, 'x'}, {Dirty, 'd'}, {Cached, 'c'}, {Global, 'g'}, {User, 'u'}} {
		if f&b.flag != 0 {
			s += string(b.c)
		} else {
			s += "-"
		}
	}

	return s
}

// Page is a fixed 256-byte block of physical memory.
type Page struct {
	Flags PageFlags
	Owner CoreID
	data  [PageSize]byte
}

// Sentinel errors. Each is wrapped with the offending address by the
// operation that raised it.
var (
	ErrUnalignedAccess = errors.New("unaligned access")
	ErrInvalidPage     = errors.New("invalid page")
	ErrAccessViolation = errors.New("access violation")
	ErrPageFault       = errors.New("page fault")
	ErrInvalidAddress  = errors.New("invalid address")
)

// AddrError wraps a memory error with the address that triggered it.
type AddrError struct {
	Err  error
	Addr word.Word
}

func (e *AddrError) Error() string { return fmt.Sprintf("%s: addr %s", e.Err, e.Addr) }
func (e *AddrError) Unwrap() error { return e.Err }

// Config configures a memory controller.
type Config struct {
	// Size is the size, in bytes, of the configured memory region. Addresses
	// at or beyond Size are InvalidAddress.
	Size word.Word

	// AllowUnaligned permits unaligned word/short access, decomposed into
	// byte operations. When false, unaligned access is UnalignedAccess.
	AllowUnaligned bool
}

// Controller is the machine's physical memory controller.
type Controller struct {
	mu sync.Mutex

	size           word.Word
	allowUnaligned bool
	pages          map[word.Word]*Page // keyed by page-aligned base address

	log *log.Logger
}

// New creates a memory controller for the given configuration.
func New(cfg Config) *Controller {
	return &Controller{
		size:           cfg.Size,
		allowUnaligned: cfg.AllowUnaligned,
		pages:          make(map[word.Word]*Page),
		log:            log.DefaultLogger(),
	}
}

func pageBase(addr word.Word) word.Word { return addr &^ (PageSize - 1) }

// Alloc allocates a zeroed page at the next unused page-aligned address
// within the configured region and returns its base address.
func (m *Controller) Alloc(owner CoreID, flags PageFlags) (word.Word, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for base := word.Word(0); base < m.size; base += PageSize {
		if _, ok := m.pages[base]; ok {
			continue
		}

		m.pages[base] = &Page{Flags: flags, Owner: owner}

		return base, nil
	}

	return 0, &AddrError{Err: fmt.Errorf("%w: region exhausted", ErrInvalidPage), Addr: m.size}
}

// AllocAt allocates a zeroed page at a specific, caller-chosen page-aligned
// base address. Used by the boot sequence to place the bootloader image and
// the HDT at well-known addresses. If a page is already allocated at base,
// its contents are kept and only its flags and owner are replaced.
func (m *Controller) AllocAt(base word.Word, owner CoreID, flags PageFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if base%PageSize != 0 {
		return &AddrError{Err: fmt.Errorf("%w: unaligned base", ErrInvalidPage), Addr: base}
	} else if base >= m.size {
		return &AddrError{Err: ErrInvalidAddress, Addr: base}
	}

	if p, ok := m.pages[base]; ok {
		p.Flags = flags
		p.Owner = owner

		return nil
	}

	m.pages[base] = &Page{Flags: flags, Owner: owner}

	return nil
}

// Free releases the page at base. Freeing an address that is not a page
// base, or an unallocated page, fails with InvalidPage.
func (m *Controller) Free(base word.Word) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if base%PageSize != 0 {
		return &AddrError{Err: fmt.Errorf("%w: unaligned base", ErrInvalidPage), Addr: base}
	}

	if _, ok := m.pages[base]; !ok {
		return &AddrError{Err: ErrInvalidPage, Addr: base}
	}

	delete(m.pages, base)

	return nil
}

// PageAt returns the page containing addr, if allocated.
func (m *Controller) PageAt(addr word.Word) (*Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[pageBase(addr)]

	return p, ok
}

func (m *Controller) page(addr word.Word, write bool, core CoreID) (*Page, error) {
	if addr >= m.size {
		return nil, &AddrError{Err: ErrInvalidAddress, Addr: addr}
	}

	p, ok := m.pages[pageBase(addr)]
	if !ok {
		return nil, &AddrError{Err: ErrPageFault, Addr: addr}
	}

	if p.Flags&Global == 0 && p.Owner != core {
		return nil, &AddrError{Err: fmt.Errorf("%w: cross-core access", ErrAccessViolation), Addr: addr}
	}

	if write && p.Flags&Writable == 0 {
		return nil, &AddrError{Err: ErrAccessViolation, Addr: addr}
	}

	if !write && p.Flags&Readable == 0 {
		return nil, &AddrError{Err: ErrAccessViolation, Addr: addr}
	}

	return p, nil
}

// ReadByte reads a single byte at addr.
func (m *Controller) ReadByte(core CoreID, addr word.Word) (word.Byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, false, core)
	if err != nil {
		return 0, fmt.Errorf("mem: read: %w", err)
	}

	return word.Byte(p.data[addr%PageSize]), nil
}

// WriteByte writes a single byte at addr.
func (m *Controller) WriteByte(core CoreID, addr word.Word, v word.Byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, true, core)
	if err != nil {
		return fmt.Errorf("mem: write: %w", err)
	}

	p.data[addr%PageSize] = byte(v)
	p.Flags |= Dirty

	return nil
}

// ReadShort reads a 16-bit value at addr. A misaligned address (addr%2!=0)
// fails with UnalignedAccess unless the controller permits it, in which case
// the access is decomposed into two byte reads in ascending address order.
func (m *Controller) ReadShort(core CoreID, addr word.Word) (word.Short, error) {
	if addr%2 != 0 {
		if !m.allowUnaligned {
			return 0, &AddrError{Err: ErrUnalignedAccess, Addr: addr}
		}

		lo, err := m.ReadByte(core, addr)
		if err != nil {
			return 0, err
		}

		hi, err := m.ReadByte(core, addr+1)
		if err != nil {
			return 0, err
		}

		return word.Short(lo) | word.Short(hi)<<8, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, false, core)
	if err != nil {
		return 0, fmt.Errorf("mem: read: %w", err)
	}

	off := addr % PageSize

	return word.ShortFromBytes(p.data[off : off+2]), nil
}

// WriteShort writes a 16-bit value at addr, subject to the same alignment
// rule as ReadShort.
func (m *Controller) WriteShort(core CoreID, addr word.Word, v word.Short) error {
	if addr%2 != 0 {
		if !m.allowUnaligned {
			return &AddrError{Err: ErrUnalignedAccess, Addr: addr}
		}

		b := v.Bytes()
		if err := m.WriteByte(core, addr, word.Byte(b[0])); err != nil {
			return err
		}

		return m.WriteByte(core, addr+1, word.Byte(b[1]))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, true, core)
	if err != nil {
		return fmt.Errorf("mem: write: %w", err)
	}

	off := addr % PageSize
	b := v.Bytes()
	copy(p.data[off:off+2], b[:])
	p.Flags |= Dirty

	return nil
}

// ReadWord reads a 32-bit word at addr. Aligned access (addr%4==0) is a
// single atomic load against the backing page. Unaligned access follows the
// same permissive-decomposition rule as ReadShort, one byte at a time, and is
// not atomic.
func (m *Controller) ReadWord(core CoreID, addr word.Word) (word.Word, error) {
	if addr%4 != 0 {
		if !m.allowUnaligned {
			return 0, &AddrError{Err: ErrUnalignedAccess, Addr: addr}
		}

		var bs [4]byte

		for i := 0; i < 4; i++ {
			b, err := m.ReadByte(core, addr+word.Word(i))
			if err != nil {
				return 0, err
			}

			bs[i] = byte(b)
		}

		return word.WordFromBytes(bs[:]), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, false, core)
	if err != nil {
		return 0, fmt.Errorf("mem: read: %w", err)
	}

	off := addr % PageSize
	if off+4 > PageSize {
		// A word-aligned 4-byte access never straddles a page boundary
		// since PageSize is a multiple of 4; this path is unreachable but
		// guarded defensively against future PageSize changes.
		return 0, &AddrError{Err: ErrInvalidAddress, Addr: addr}
	}

	return word.WordFromBytes(p.data[off : off+4]), nil
}

// WriteWord writes a 32-bit word at addr, subject to the same alignment rule
// as ReadWord.
func (m *Controller) WriteWord(core CoreID, addr word.Word, v word.Word) error {
	if addr%4 != 0 {
		if !m.allowUnaligned {
			return &AddrError{Err: ErrUnalignedAccess, Addr: addr}
		}

		b := v.Bytes()

		for i := 0; i < 4; i++ {
			if err := m.WriteByte(core, addr+word.Word(i), word.Byte(b[i])); err != nil {
				return err
			}
		}

		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.page(addr, true, core)
	if err != nil {
		return fmt.Errorf("mem: write: %w", err)
	}

	off := addr % PageSize
	b := v.Bytes()
	copy(p.data[off:off+4], b[:])
	p.Flags |= Dirty

	return nil
}

// Size returns the configured size of the memory region.
func (m *Controller) Size() word.Word { return m.size }

// PageImage is the exported, gob-encodable image of one allocated page,
// used by internal/machine to snapshot and restore physical memory
// wholesale.
type PageImage struct {
	Base  word.Word
	Flags PageFlags
	Owner CoreID
	Data  [PageSize]byte
}

// Snapshot returns an image of every allocated page, in no particular
// order.
func (m *Controller) Snapshot() []PageImage {
	m.mu.Lock()
	defer m.mu.Unlock()

	images := make([]PageImage, 0, len(m.pages))

	for base, p := range m.pages {
		images = append(images, PageImage{Base: base, Flags: p.Flags, Owner: p.Owner, Data: p.data})
	}

	return images
}

// Restore replaces the controller's entire page set with images, as
// produced by a prior Snapshot. Existing pages not present in images are
// discarded.
func (m *Controller) Restore(images []PageImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := make(map[word.Word]*Page, len(images))

	for _, img := range images {
		if img.Base%PageSize != 0 {
			return &AddrError{Err: fmt.Errorf("%w: unaligned base", ErrInvalidPage), Addr: img.Base}
		}

		pages[img.Base] = &Page{Flags: img.Flags, Owner: img.Owner, data: img.Data}
	}

	m.pages = pages

	return nil
}
