// Package loader reads the binary object/executable format the boot
// sequence consumes and stores its sections into memory. It is grounded on
// the teacher's object loader (internal/vm/loader.go): a small decoder that
// reads a fixed header off a byte slice and a Loader that copies the
// decoded payload into the machine's memory controller, generalized from
// the teacher's flat origin+words format to the section-table layout
// spec.md §6 describes.
package loader

import (
	"errors"
	"fmt"

	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

// Magic identifies a valid object/executable blob.
const Magic uint32 = 0x4455434b

const (
	headerSize        = 8  // magic u32, flags u16, section count u16
	sectionRecordSize = 30 // name[16], type u8, flags u8, base u32, items u32, data_size u32
	sectionNameWidth  = 16
	symbolNameWidth   = 16
	symbolEntrySize   = symbolNameWidth + 4 + 1 // name, value, flags
	relocNameWidth    = 16
	relocEntrySize    = 4 + 1 + relocNameWidth // address, kind, symbol name
)

// ObjectFlags tags properties of the whole object file.
type ObjectFlags uint16

const (
	// FlagRelocatable marks an object carrying RELOC sections that a Loader
	// must resolve against a symbol table before the image is runnable.
	// Absent, section Base addresses are already final.
	FlagRelocatable ObjectFlags = 1 << iota
)

// SectionType tags the kind of record a Section holds.
type SectionType uint8

// Section kinds, per spec.md §6.
const (
	SectionText SectionType = 1 + iota
	SectionData
	SectionBSS
	SectionSymbols
	SectionReloc
	SectionStrings
)

func (t SectionType) String() string {
	switch t {
	case SectionText:
		return "TEXT"
	case SectionData:
		return "DATA"
	case SectionBSS:
		return "BSS"
	case SectionSymbols:
		return "SYMBOLS"
	case SectionReloc:
		return "RELOC"
	case SectionStrings:
		return "STRINGS"
	default:
		return fmt.Sprintf("SECTION(%d)", uint8(t))
	}
}

// SectionFlags carries section-level attributes beyond what Type implies.
type SectionFlags uint8

// Section flag bits.
const (
	SectionWritable SectionFlags = 1 << iota
	SectionExecutable
)

// RelocKind selects how a Relocation patches its target word.
type RelocKind uint8

// Relocation kinds, per spec.md §6.
const (
	RelocAbsoluteWord RelocKind = 1 + iota
	RelocPCRelativeBranch
	RelocSymbolLow
	RelocSymbolHigh
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbsoluteWord:
		return "absolute-word"
	case RelocPCRelativeBranch:
		return "pc-relative-branch"
	case RelocSymbolLow:
		return "symbol-low"
	case RelocSymbolHigh:
		return "symbol-high"
	default:
		return fmt.Sprintf("reloc(%d)", uint8(k))
	}
}

// Symbol names one address exported by a SYMBOLS section.
type Symbol struct {
	Name  string
	Value word.Word
	Flags uint8
}

// Relocation names one fixup a RELOC section asks the loader to apply.
// Address is the absolute address of the word to patch; Symbol is resolved
// against the merged symbol table at load time.
type Relocation struct {
	Address word.Word
	Kind    RelocKind
	Symbol  string
}

// Section is one decoded section: its table entry plus, depending on Type,
// either its raw payload (TEXT/DATA/STRINGS) or its parsed records
// (SYMBOLS/RELOC). BSS carries neither -- Items gives the byte count to
// zero-fill at Base.
type Section struct {
	Name  string
	Type  SectionType
	Flags SectionFlags
	Base  word.Word
	Items uint32
	Data  []byte

	Symbols []Symbol
	Relocs  []Relocation
}

// Words decodes a TEXT or DATA section's raw payload as a sequence of
// 32-bit words.
func (s Section) Words() ([]word.Word, error) {
	if len(s.Data)%4 != 0 {
		return nil, fmt.Errorf("%w: section %s: %d bytes is not word-aligned", ErrMalformed, s.Name, len(s.Data))
	}

	out := make([]word.Word, 0, len(s.Data)/4)
	for off := 0; off < len(s.Data); off += 4 {
		out = append(out, word.WordFromBytes(s.Data[off:off+4]))
	}

	return out, nil
}

// Object is a fully decoded object/executable file.
type Object struct {
	Flags    ObjectFlags
	Sections []Section
}

// Sentinel errors.
var (
	ErrBadMagic      = errors.New("loader: bad magic")
	ErrTruncated     = errors.New("loader: truncated object")
	ErrMalformed     = errors.New("loader: malformed section")
	ErrFieldTooLong  = errors.New("loader: field exceeds its fixed width")
	ErrUndefined     = errors.New("loader: undefined symbol")
	ErrUnaligned     = errors.New("loader: unaligned relocation target")
)

func putField(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrFieldTooLong, s, len(dst))
	}

	for i := range dst {
		dst[i] = 0
	}

	copy(dst, s)

	return nil
}

func getField(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}

	return string(b[:n])
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Encode serializes obj into its on-disk representation: header, section
// table, then concatenated section payloads, in section order.
func Encode(obj *Object) ([]byte, error) {
	table := make([]byte, 0, len(obj.Sections)*sectionRecordSize)
	payload := make([]byte, 0)

	for _, s := range obj.Sections {
		body, err := sectionPayload(s)
		if err != nil {
			return nil, err
		}

		rec := make([]byte, sectionRecordSize)
		if err := putField(rec[0:sectionNameWidth], s.Name); err != nil {
			return nil, err
		}

		off := sectionNameWidth
		rec[off] = byte(s.Type)
		off++
		rec[off] = byte(s.Flags)
		off++
		putU32(rec[off:off+4], uint32(s.Base))
		off += 4
		putU32(rec[off:off+4], s.Items)
		off += 4
		putU32(rec[off:off+4], uint32(len(body)))

		table = append(table, rec...)
		payload = append(payload, body...)
	}

	out := make([]byte, headerSize+len(table)+len(payload))
	putU32(out[0:4], Magic)
	out[4] = byte(obj.Flags)
	out[5] = byte(obj.Flags >> 8)
	out[6] = byte(len(obj.Sections))
	out[7] = byte(len(obj.Sections) >> 8)
	copy(out[headerSize:], table)
	copy(out[headerSize+len(table):], payload)

	return out, nil
}

func sectionPayload(s Section) ([]byte, error) {
	switch s.Type {
	case SectionText, SectionData, SectionStrings:
		return s.Data, nil
	case SectionBSS:
		return nil, nil
	case SectionSymbols:
		body := make([]byte, len(s.Symbols)*symbolEntrySize)

		for i, sym := range s.Symbols {
			rec := body[i*symbolEntrySize : (i+1)*symbolEntrySize]
			if err := putField(rec[0:symbolNameWidth], sym.Name); err != nil {
				return nil, err
			}

			putU32(rec[symbolNameWidth:symbolNameWidth+4], uint32(sym.Value))
			rec[symbolNameWidth+4] = sym.Flags
		}

		return body, nil
	case SectionReloc:
		body := make([]byte, len(s.Relocs)*relocEntrySize)

		for i, r := range s.Relocs {
			rec := body[i*relocEntrySize : (i+1)*relocEntrySize]
			putU32(rec[0:4], uint32(r.Address))
			rec[4] = byte(r.Kind)

			if err := putField(rec[5:5+relocNameWidth], r.Symbol); err != nil {
				return nil, err
			}
		}

		return body, nil
	default:
		return nil, fmt.Errorf("%w: unknown section type %s", ErrMalformed, s.Type)
	}
}

// Decode parses an object/executable blob.
func Decode(data []byte) (*Object, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}

	magic := getU32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: got %#x", ErrBadMagic, magic)
	}

	flags := ObjectFlags(uint16(data[4]) | uint16(data[5])<<8)
	count := int(uint16(data[6]) | uint16(data[7])<<8)

	off := headerSize
	if off+count*sectionRecordSize > len(data) {
		return nil, fmt.Errorf("%w: section table", ErrTruncated)
	}

	type rawSection struct {
		name     string
		typ      SectionType
		flags    SectionFlags
		base     word.Word
		items    uint32
		dataSize uint32
	}

	raws := make([]rawSection, count)

	for i := 0; i < count; i++ {
		rec := data[off : off+sectionRecordSize]
		off += sectionRecordSize

		r := rawSection{
			name:  getField(rec[0:sectionNameWidth]),
			typ:   SectionType(rec[sectionNameWidth]),
			flags: SectionFlags(rec[sectionNameWidth+1]),
			base:  word.Word(getU32(rec[sectionNameWidth+2 : sectionNameWidth+6])),
			items: getU32(rec[sectionNameWidth+6 : sectionNameWidth+10]),
		}
		r.dataSize = getU32(rec[sectionNameWidth+10 : sectionNameWidth+14])
		raws[i] = r
	}

	obj := &Object{Flags: flags}

	for i, r := range raws {
		if off+int(r.dataSize) > len(data) {
			return nil, fmt.Errorf("%w: section %d (%s) payload", ErrTruncated, i, r.name)
		}

		body := data[off : off+int(r.dataSize)]
		off += int(r.dataSize)

		s := Section{Name: r.name, Type: r.typ, Flags: r.flags, Base: r.base, Items: r.items}

		switch r.typ {
		case SectionText, SectionData, SectionStrings:
			s.Data = append([]byte(nil), body...)
		case SectionBSS:
			// no payload; Items gives the byte count to zero-fill at Base.
		case SectionSymbols:
			if len(body)%symbolEntrySize != 0 {
				return nil, fmt.Errorf("%w: section %d (%s) symbol table", ErrMalformed, i, r.name)
			}

			for b := 0; b < len(body); b += symbolEntrySize {
				rec := body[b : b+symbolEntrySize]
				s.Symbols = append(s.Symbols, Symbol{
					Name:  getField(rec[0:symbolNameWidth]),
					Value: word.Word(getU32(rec[symbolNameWidth : symbolNameWidth+4])),
					Flags: rec[symbolNameWidth+4],
				})
			}
		case SectionReloc:
			if len(body)%relocEntrySize != 0 {
				return nil, fmt.Errorf("%w: section %d (%s) relocation table", ErrMalformed, i, r.name)
			}

			for b := 0; b < len(body); b += relocEntrySize {
				rec := body[b : b+relocEntrySize]
				s.Relocs = append(s.Relocs, Relocation{
					Address: word.Word(getU32(rec[0:4])),
					Kind:    RelocKind(rec[4]),
					Symbol:  getField(rec[5 : 5+relocNameWidth]),
				})
			}
		default:
			return nil, fmt.Errorf("%w: section %d: unknown type %s", ErrMalformed, i, r.typ)
		}

		obj.Sections = append(obj.Sections, s)
	}

	return obj, nil
}

// Loader copies a decoded Object's sections into a machine's memory and
// applies its relocations.
type Loader struct {
	mem  *mem.Controller
	core mem.CoreID
	log  *log.Logger
}

// NewLoader creates an object loader writing into mem on behalf of core.
func NewLoader(m *mem.Controller, core mem.CoreID) *Loader {
	return &Loader{mem: m, core: core, log: log.DefaultLogger()}
}

// Load stores every TEXT/DATA/BSS section of obj at its configured base
// address and applies any RELOC sections against the symbols obj itself
// exports plus externalSymbols (e.g. firmware entry points loaded earlier).
// It returns the merged symbol table so a subsequently loaded object can
// resolve references into this one.
func (l *Loader) Load(obj *Object, externalSymbols map[string]word.Word) (map[string]word.Word, error) {
	symbols := make(map[string]word.Word, len(externalSymbols))
	for k, v := range externalSymbols {
		symbols[k] = v
	}

	for _, s := range obj.Sections {
		if s.Type == SectionSymbols {
			for _, sym := range s.Symbols {
				symbols[sym.Name] = sym.Value
			}
		}
	}

	for _, s := range obj.Sections {
		var err error

		switch s.Type {
		case SectionText, SectionData:
			err = l.loadWords(s)
		case SectionBSS:
			err = l.zeroFill(s)
		}

		if err != nil {
			return nil, err
		}
	}

	for _, s := range obj.Sections {
		if s.Type != SectionReloc {
			continue
		}

		for _, r := range s.Relocs {
			if err := l.applyReloc(r, symbols); err != nil {
				return nil, err
			}
		}
	}

	return symbols, nil
}

func (l *Loader) loadWords(s Section) error {
	words, err := s.Words()
	if err != nil {
		return err
	}

	addr := s.Base
	for _, w := range words {
		if err := l.mem.WriteWord(l.core, addr, w); err != nil {
			return fmt.Errorf("loader: section %s at %s: %w", s.Name, addr, err)
		}

		addr += 4
	}

	l.log.Debug("loaded section", "name", s.Name, "type", s.Type, "base", s.Base, "words", len(words))

	return nil
}

func (l *Loader) zeroFill(s Section) error {
	for i := uint32(0); i < s.Items; i++ {
		addr := s.Base + word.Word(i)
		if err := l.mem.WriteByte(l.core, addr, 0); err != nil {
			return fmt.Errorf("loader: bss %s at %s: %w", s.Name, addr, err)
		}
	}

	l.log.Debug("zero-filled bss", "name", s.Name, "base", s.Base, "bytes", s.Items)

	return nil
}

func (l *Loader) applyReloc(r Relocation, symbols map[string]word.Word) error {
	target, ok := symbols[r.Symbol]
	if !ok {
		return fmt.Errorf("%w: %q at %s", ErrUndefined, r.Symbol, r.Address)
	}

	switch r.Kind {
	case RelocAbsoluteWord:
		return l.mem.WriteWord(l.core, r.Address, target)
	case RelocPCRelativeBranch:
		delta := int32(target) - int32(r.Address)
		if delta%4 != 0 {
			return fmt.Errorf("%w: branch to %s from %s", ErrUnaligned, target, r.Address)
		}

		raw, err := l.mem.ReadWord(l.core, r.Address)
		if err != nil {
			return err
		}

		ins := cpu.Instruction(raw)
		patched := cpu.EncodeBranch(ins.Opcode(), ins.Cond(), word.Word(delta/4))

		return l.mem.WriteWord(l.core, r.Address, word.Word(patched))
	case RelocSymbolLow, RelocSymbolHigh:
		raw, err := l.mem.ReadWord(l.core, r.Address)
		if err != nil {
			return err
		}

		ins := cpu.Instruction(raw)

		half := target & 0xffff
		if r.Kind == RelocSymbolHigh {
			half = (target >> 16) & 0xffff
		}

		patched := cpu.EncodeCompound(ins.Opcode(), half)

		return l.mem.WriteWord(l.core, r.Address, word.Word(patched))
	default:
		return fmt.Errorf("%w: relocation kind %s", ErrMalformed, r.Kind)
	}
}
