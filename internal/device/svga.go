package device

import (
	"fmt"
	"io"

	"github.com/pombredanne/ducky/internal/log"
	"github.com/pombredanne/ducky/internal/word"
)

// SVGA is a minimal framebuffer device: a byte-per-pixel grayscale
// framebuffer mapped at a configured MMIO base, with no hardware
// acceleration and no mode registers -- there is no terminal graphics
// toolkit anywhere in the retrieval pack to build a real display driver
// against, so this renders directly to a host file as a PPM image instead
// of a live window, per spec.md §4.6's "display device renders it to the
// host."
type SVGA struct {
	width, height int
	fb            []byte

	log *log.Logger
}

// NewSVGA creates a width x height grayscale framebuffer device.
func NewSVGA(width, height int) *SVGA {
	return &SVGA{width: width, height: height, fb: make([]byte, width*height), log: log.DefaultLogger()}
}

// Name implements bus.MMIODevice.
func (s *SVGA) Name() string { return "svga" }

// Size is the size, in bytes, of the framebuffer's MMIO window: one byte
// per pixel.
func (s *SVGA) Size() word.Word { return word.Word(len(s.fb)) }

// ReadMMIO implements bus.MMIODevice: offset is a pixel index.
func (s *SVGA) ReadMMIO(offset word.Word, _ int) (word.Word, error) {
	if int(offset) >= len(s.fb) {
		return 0, offsetError(s.Name(), offset)
	}

	return word.Word(s.fb[offset]), nil
}

// WriteMMIO implements bus.MMIODevice.
func (s *SVGA) WriteMMIO(offset word.Word, _ int, value word.Word) error {
	if int(offset) >= len(s.fb) {
		return offsetError(s.Name(), offset)
	}

	s.fb[offset] = byteOf(value)

	return nil
}

// Render writes the current framebuffer contents to w as a binary
// grayscale PPM (P5).
func (s *SVGA) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "P5\n%d %d\n255\n", s.width, s.height); err != nil {
		return fmt.Errorf("svga: render: %w", err)
	}

	if _, err := w.Write(s.fb); err != nil {
		return fmt.Errorf("svga: render: %w", err)
	}

	return nil
}

// svgaState is the gob-encodable snapshot of an SVGA's framebuffer.
type svgaState struct {
	Width, Height int
	Framebuffer   []byte
}

// Snapshot implements Snapshotter.
func (s *SVGA) Snapshot() (any, error) {
	fb := make([]byte, len(s.fb))
	copy(fb, s.fb)

	return svgaState{Width: s.width, Height: s.height, Framebuffer: fb}, nil
}

// Restore implements Snapshotter.
func (s *SVGA) Restore(state any) error {
	st, ok := state.(svgaState)
	if !ok {
		return fmt.Errorf("svga: restore: unexpected state type %T", state)
	}

	s.width, s.height = st.Width, st.Height
	s.fb = st.Framebuffer

	return nil
}
