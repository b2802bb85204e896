package loader_test

import (
	"errors"
	"testing"

	"github.com/pombredanne/ducky/internal/cpu"
	"github.com/pombredanne/ducky/internal/loader"
	"github.com/pombredanne/ducky/internal/mem"
	"github.com/pombredanne/ducky/internal/word"
)

func newMem(t *testing.T, pages int) *mem.Controller {
	t.Helper()

	m := mem.New(mem.Config{Size: word.Word(pages * mem.PageSize)})
	for i := 0; i < pages; i++ {
		base := word.Word(i * mem.PageSize)
		if err := m.AllocAt(base, 0, mem.Readable|mem.Writable|mem.Executable); err != nil {
			t.Fatalf("AllocAt(%s): %v", base, err)
		}
	}

	return m
}

func wordBytes(w word.Word) []byte {
	b := w.Bytes()
	return b[:]
}

func encodeDecode(t *testing.T, obj *loader.Object) *loader.Object {
	t.Helper()

	blob, err := loader.Encode(obj)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := loader.Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	return decoded
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	text := word.Word(cpu.EncodeRI(cpu.LI, 0, 0, 42))

	obj := &loader.Object{
		Sections: []loader.Section{
			{
				Name: "text", Type: loader.SectionText, Flags: loader.SectionExecutable,
				Base: 0, Items: 1, Data: wordBytes(text),
			},
			{Name: "bss", Type: loader.SectionBSS, Base: 0x100, Items: 16},
			{
				Name: "symtab", Type: loader.SectionSymbols,
				Symbols: []loader.Symbol{{Name: "_start", Value: 0}},
			},
		},
	}

	decoded := encodeDecode(t, obj)

	if len(decoded.Sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(decoded.Sections))
	}

	words, err := decoded.Sections[0].Words()
	if err != nil {
		t.Fatalf("Words: %v", err)
	}

	if len(words) != 1 || words[0] != text {
		t.Errorf("text section = %v, want [%v]", words, text)
	}

	if decoded.Sections[1].Items != 16 {
		t.Errorf("bss Items = %d, want 16", decoded.Sections[1].Items)
	}

	if len(decoded.Sections[2].Symbols) != 1 || decoded.Sections[2].Symbols[0].Name != "_start" {
		t.Errorf("symtab = %+v, want one _start symbol", decoded.Sections[2].Symbols)
	}
}

func TestLoaderLoadsTextDataAndBSS(t *testing.T) {
	m := newMem(t, 2)

	li := word.Word(cpu.EncodeRI(cpu.LI, 1, 0, 7))

	obj := &loader.Object{
		Sections: []loader.Section{
			{Name: "text", Type: loader.SectionText, Base: 0, Data: wordBytes(li)},
			{Name: "bss", Type: loader.SectionBSS, Base: 0x100, Items: 4},
		},
	}

	l := loader.NewLoader(m, 0)

	if _, err := l.Load(obj, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := m.ReadWord(0, 0)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}

	if got != li {
		t.Errorf("text at 0 = %s, want %s", got, li)
	}

	for i := word.Word(0); i < 4; i++ {
		b, err := m.ReadByte(0, 0x100+i)
		if err != nil {
			t.Fatalf("ReadByte: %v", err)
		}

		if b != 0 {
			t.Errorf("bss byte %d = %d, want 0", i, b)
		}
	}
}

func TestLoaderResolvesAbsoluteWordRelocation(t *testing.T) {
	m := newMem(t, 1)

	// A data word that starts as zero and should end up holding the
	// resolved address of "target".
	obj := &loader.Object{
		Flags: loader.FlagRelocatable,
		Sections: []loader.Section{
			{Name: "data", Type: loader.SectionData, Base: 0, Data: wordBytes(0)},
			{
				Name: "reloc", Type: loader.SectionReloc,
				Relocs: []loader.Relocation{{Address: 0, Kind: loader.RelocAbsoluteWord, Symbol: "target"}},
			},
		},
	}

	l := loader.NewLoader(m, 0)

	if _, err := l.Load(obj, map[string]word.Word{"target": 0xcafe}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, err := m.ReadWord(0, 0)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}

	if got != 0xcafe {
		t.Errorf("patched word = %#x, want 0xcafe", got)
	}
}

func TestLoaderResolvesPCRelativeBranchRelocation(t *testing.T) {
	m := newMem(t, 1)

	branch := word.Word(cpu.EncodeBranch(cpu.J, cpu.CondAlways, 0))

	obj := &loader.Object{
		Sections: []loader.Section{
			{Name: "text", Type: loader.SectionText, Base: 0, Data: wordBytes(branch)},
			{
				Name: "reloc", Type: loader.SectionReloc,
				Relocs: []loader.Relocation{{Address: 0, Kind: loader.RelocPCRelativeBranch, Symbol: "target"}},
			},
		},
	}

	l := loader.NewLoader(m, 0)

	if _, err := l.Load(obj, map[string]word.Word{"target": 16}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	raw, err := m.ReadWord(0, 0)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}

	ins := cpu.Instruction(raw)
	if ins.Opcode() != cpu.J {
		t.Fatalf("opcode = %s, want J", ins.Opcode())
	}

	if ins.BranchOffset() != 16 {
		t.Errorf("BranchOffset = %d, want 16", ins.BranchOffset())
	}
}

func TestLoaderUndefinedSymbolFails(t *testing.T) {
	m := newMem(t, 1)

	obj := &loader.Object{
		Sections: []loader.Section{
			{Name: "data", Type: loader.SectionData, Base: 0, Data: wordBytes(0)},
			{
				Name: "reloc", Type: loader.SectionReloc,
				Relocs: []loader.Relocation{{Address: 0, Kind: loader.RelocAbsoluteWord, Symbol: "missing"}},
			},
		},
	}

	l := loader.NewLoader(m, 0)

	if _, err := l.Load(obj, nil); !errors.Is(err, loader.ErrUndefined) {
		t.Fatalf("Load error = %v, want ErrUndefined", err)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	obj := &loader.Object{Sections: []loader.Section{{Name: "bss", Type: loader.SectionBSS, Items: 4}}}

	blob, err := loader.Encode(obj)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	blob[0] ^= 0xff

	if _, err := loader.Decode(blob); !errors.Is(err, loader.ErrBadMagic) {
		t.Fatalf("Decode error = %v, want ErrBadMagic", err)
	}
}
