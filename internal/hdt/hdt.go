// Package hdt encodes and decodes the Hardware Description Table: the
// tagged-record blob the boot sequence places in guest-visible memory,
// through which guest software discovers the machine's core count, memory
// size, boot arguments and device inventory (spec.md §3/§6). It follows the
// binary-framing style of the teacher's object-code reader
// (internal/vm/loader.go): a fixed header read with encoding/binary,
// followed by a sequence of length-prefixed records.
package hdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic identifies a valid HDT blob.
const Magic uint32 = 0x48445421 // ASCII "HDT!", most significant byte first

// headerSize is the byte length of the table header: magic, entry count,
// total length, each a 32-bit field.
const headerSize = 12

// recordHeaderSize is the byte length of each entry's type/length prefix.
const recordHeaderSize = 4

// EntryType tags the kind of record an Entry holds.
type EntryType uint16

// Entry kinds, per spec.md §3.
const (
	EntryCPU EntryType = 1 + iota
	EntryMemory
	EntryArgument
	EntryDevice
)

func (t EntryType) String() string {
	switch t {
	case EntryCPU:
		return "CPU"
	case EntryMemory:
		return "MEMORY"
	case EntryArgument:
		return "ARGUMENT"
	case EntryDevice:
		return "DEVICE"
	default:
		return fmt.Sprintf("ENTRY(%d)", uint16(t))
	}
}

// Fixed field widths for the string fields the spec bounds by byte count.
const (
	argFieldWidth          = 16
	deviceNameWidth        = 10
	deviceIdentifierWidth  = 32
	cpuBodySize            = 8
	memoryBodySize         = 4
	argumentBodySize       = 2 * argFieldWidth
	deviceFixedBodySize    = deviceNameWidth + deviceIdentifierWidth + 1 + 4 + 4 + 4
)

// Sentinel errors.
var (
	ErrBadMagic     = errors.New("hdt: bad magic")
	ErrTruncated    = errors.New("hdt: truncated table")
	ErrEntryCount   = errors.New("hdt: entry count mismatch")
	ErrTotalLength  = errors.New("hdt: total length mismatch")
	ErrFieldTooLong = errors.New("hdt: field exceeds its fixed width")
	ErrMalformed    = errors.New("hdt: malformed entry")
)

// CPUEntry reports the machine's core topology.
type CPUEntry struct {
	Cores       uint32
	CoresPerCPU uint32
}

// MemoryEntry reports the size, in bytes, of the machine's physical memory.
type MemoryEntry struct {
	Size uint32
}

// ArgumentEntry carries one boot-time name/value pair (e.g. kernel command
// line fragments). Name and Value must each fit in argFieldWidth bytes;
// Encode rejects a longer one with ErrFieldTooLong.
type ArgumentEntry struct {
	Name  string
	Value string
}

// DeviceEntry describes one device enumerated on the bus, per spec.md §3's
// device descriptor. IRQ is -1 when the device raises no interrupt.
type DeviceEntry struct {
	Name       string
	Identifier string
	Flags      uint8
	MMIOBase   uint32
	Size       uint32
	IRQ        int32
}

// Entry is one decoded HDT record. Raw holds the entry's undecoded body;
// exactly one of CPU/Memory/Argument/Device is set, matching Type, when the
// type is recognized and its body parses cleanly -- an entry of an unknown
// or malformed type is still returned with Raw populated, so a newer guest
// or a newer encoder's extra record kinds don't break an older decoder.
type Entry struct {
	Type EntryType
	Raw  []byte

	CPU      *CPUEntry
	Memory   *MemoryEntry
	Argument *ArgumentEntry
	Device   *DeviceEntry
}

// Table is a fully decoded HDT.
type Table struct {
	Entries []Entry
}

// Builder accumulates entries for Encode. The zero value is ready to use.
type Builder struct {
	entries []Entry
}

// NewBuilder creates an empty HDT builder.
func NewBuilder() *Builder { return &Builder{} }

// AddCPU appends a CPU entry.
func (b *Builder) AddCPU(cores, coresPerCPU uint32) *Builder {
	b.entries = append(b.entries, Entry{Type: EntryCPU, CPU: &CPUEntry{Cores: cores, CoresPerCPU: coresPerCPU}})
	return b
}

// AddMemory appends a MEMORY entry.
func (b *Builder) AddMemory(size uint32) *Builder {
	b.entries = append(b.entries, Entry{Type: EntryMemory, Memory: &MemoryEntry{Size: size}})
	return b
}

// AddArgument appends an ARGUMENT entry.
func (b *Builder) AddArgument(name, value string) *Builder {
	b.entries = append(b.entries, Entry{Type: EntryArgument, Argument: &ArgumentEntry{Name: name, Value: value}})
	return b
}

// AddDevice appends a DEVICE entry.
func (b *Builder) AddDevice(d DeviceEntry) *Builder {
	b.entries = append(b.entries, Entry{Type: EntryDevice, Device: &d})
	return b
}

// Encode serializes the accumulated entries into an HDT blob.
func (b *Builder) Encode() ([]byte, error) {
	var body bytes.Buffer

	for _, e := range b.entries {
		rec, err := encodeEntry(e)
		if err != nil {
			return nil, err
		}

		body.Write(rec)
	}

	out := make([]byte, headerSize+body.Len())
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(b.entries)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(out)))
	copy(out[headerSize:], body.Bytes())

	return out, nil
}

func encodeEntry(e Entry) ([]byte, error) {
	var body []byte

	var err error

	switch e.Type {
	case EntryCPU:
		body = make([]byte, cpuBodySize)
		binary.LittleEndian.PutUint32(body[0:4], e.CPU.Cores)
		binary.LittleEndian.PutUint32(body[4:8], e.CPU.CoresPerCPU)
	case EntryMemory:
		body = make([]byte, memoryBodySize)
		binary.LittleEndian.PutUint32(body[0:4], e.Memory.Size)
	case EntryArgument:
		body = make([]byte, argumentBodySize)
		if err = putField(body[0:argFieldWidth], e.Argument.Name); err != nil {
			return nil, err
		}

		if err = putField(body[argFieldWidth:2*argFieldWidth], e.Argument.Value); err != nil {
			return nil, err
		}
	case EntryDevice:
		body = make([]byte, deviceFixedBodySize)

		if err = putField(body[0:deviceNameWidth], e.Device.Name); err != nil {
			return nil, err
		}

		off := deviceNameWidth
		if err = putField(body[off:off+deviceIdentifierWidth], e.Device.Identifier); err != nil {
			return nil, err
		}

		off += deviceIdentifierWidth
		body[off] = e.Device.Flags
		off++
		binary.LittleEndian.PutUint32(body[off:off+4], e.Device.MMIOBase)
		off += 4
		binary.LittleEndian.PutUint32(body[off:off+4], e.Device.Size)
		off += 4
		binary.LittleEndian.PutUint32(body[off:off+4], uint32(e.Device.IRQ))
	default:
		return nil, fmt.Errorf("%w: unknown entry type %s", ErrMalformed, e.Type)
	}

	rec := make([]byte, recordHeaderSize+len(body))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(e.Type))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(body)))
	copy(rec[recordHeaderSize:], body)

	return rec, nil
}

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
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}

	return string(b[:n])
}

// Decode parses an HDT blob, validating the magic, entry count and total
// length invariants of spec.md §3.
func Decode(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("%w: got %#x", ErrBadMagic, magic)
	}

	count := binary.LittleEndian.Uint32(data[4:8])
	total := binary.LittleEndian.Uint32(data[8:12])

	if int(total) != len(data) {
		return nil, fmt.Errorf("%w: header says %d, blob is %d bytes", ErrTotalLength, total, len(data))
	}

	t := &Table{}
	off := headerSize

	for i := uint32(0); i < count; i++ {
		if off+recordHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: entry %d header", ErrTruncated, i)
		}

		typ := EntryType(binary.LittleEndian.Uint16(data[off : off+2]))
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		off += recordHeaderSize

		if off+length > len(data) {
			return nil, fmt.Errorf("%w: entry %d body", ErrTruncated, i)
		}

		body := data[off : off+length]
		off += length

		e, err := decodeEntry(typ, body)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		t.Entries = append(t.Entries, e)
	}

	if uint32(len(t.Entries)) != count {
		return nil, fmt.Errorf("%w: header says %d, parsed %d", ErrEntryCount, count, len(t.Entries))
	}

	return t, nil
}

func decodeEntry(typ EntryType, body []byte) (Entry, error) {
	e := Entry{Type: typ, Raw: append([]byte(nil), body...)}

	switch typ {
	case EntryCPU:
		if len(body) != cpuBodySize {
			return e, nil
		}

		e.CPU = &CPUEntry{
			Cores:       binary.LittleEndian.Uint32(body[0:4]),
			CoresPerCPU: binary.LittleEndian.Uint32(body[4:8]),
		}
	case EntryMemory:
		if len(body) != memoryBodySize {
			return e, nil
		}

		e.Memory = &MemoryEntry{Size: binary.LittleEndian.Uint32(body[0:4])}
	case EntryArgument:
		if len(body) != argumentBodySize {
			return e, nil
		}

		e.Argument = &ArgumentEntry{
			Name:  getField(body[0:argFieldWidth]),
			Value: getField(body[argFieldWidth : 2*argFieldWidth]),
		}
	case EntryDevice:
		if len(body) != deviceFixedBodySize {
			return e, nil
		}

		off := 0
		name := getField(body[off : off+deviceNameWidth])
		off += deviceNameWidth
		ident := getField(body[off : off+deviceIdentifierWidth])
		off += deviceIdentifierWidth
		flags := body[off]
		off++
		mmioBase := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		size := binary.LittleEndian.Uint32(body[off : off+4])
		off += 4
		irq := int32(binary.LittleEndian.Uint32(body[off : off+4]))

		e.Device = &DeviceEntry{
			Name: name, Identifier: ident, Flags: flags,
			MMIOBase: mmioBase, Size: size, IRQ: irq,
		}
	}

	return e, nil
}
