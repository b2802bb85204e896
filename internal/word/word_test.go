package word_test

import (
	"testing"

	"github.com/pombredanne/ducky/internal/word"
)

func TestSext(t *testing.T) {
	w := word.Word(0x0000000a) // 0b1010, bottom 4 bits
	w.Sext(4)

	if w != 0xfffffffa {
		t.Errorf("sext: want 0xfffffffa, got %s", w)
	}
}

func TestSextPositive(t *testing.T) {
	w := word.Word(0x00000005)
	w.Sext(4)

	if w != 0x00000005 {
		t.Errorf("sext: want 0x5, got %s", w)
	}
}

func TestZext(t *testing.T) {
	w := word.Word(0xffffffff)
	w.Zext(8)

	if w != 0x000000ff {
		t.Errorf("zext: want 0xff, got %s", w)
	}
}

func TestWordBytesRoundTrip(t *testing.T) {
	w := word.Word(0xdeadbeef)
	b := w.Bytes()

	got := word.WordFromBytes(b[:])
	if got != w {
		t.Errorf("round trip: want %s, got %s", w, got)
	}
}

func TestShortBytesRoundTrip(t *testing.T) {
	s := word.Short(0xcafe)
	b := s.Bytes()

	got := word.ShortFromBytes(b[:])
	if got != s {
		t.Errorf("round trip: want %s, got %s", s, got)
	}
}
