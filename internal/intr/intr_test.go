package intr_test

import (
	"testing"

	"github.com/pombredanne/ducky/internal/intr"
)

func TestPopNextEmpty(t *testing.T) {
	c := intr.New()

	if _, ok := c.PopNext(); ok {
		t.Errorf("expected no pending IRQ")
	}
}

func TestPopNextOrdersByPriority(t *testing.T) {
	c := intr.New()

	c.Raise(40)
	c.Raise(9)
	c.Raise(200)

	got, ok := c.PopNext()
	if !ok || got != 9 {
		t.Fatalf("want 9, got %d ok=%v", got, ok)
	}

	got, ok = c.PopNext()
	if !ok || got != 40 {
		t.Fatalf("want 40, got %d ok=%v", got, ok)
	}
}

func TestFaultVectorsAlwaysWinOverMaskedIRQs(t *testing.T) {
	c := intr.New()

	c.Mask(intr.VectorPageFault)
	c.Raise(intr.VectorPageFault)
	c.Raise(50)

	got, ok := c.PopNext()
	if !ok || got != intr.VectorPageFault {
		t.Fatalf("fault vector should win even when masked, got %d ok=%v", got, ok)
	}
}

func TestMaskedIRQHeldPending(t *testing.T) {
	c := intr.New()

	c.Mask(20)
	c.Raise(20)

	if _, ok := c.PopNext(); ok {
		t.Errorf("masked IRQ should not be delivered")
	}

	c.Unmask(20)

	got, ok := c.PopNext()
	if !ok || got != 20 {
		t.Fatalf("want 20 after unmask, got %d ok=%v", got, ok)
	}
}

func TestSamePriorityTieBreaksByRaiseOrder(t *testing.T) {
	c := intr.New()

	c.Raise(15)
	c.Raise(15)
	c.Raise(15)

	for i := 0; i < 3; i++ {
		got, ok := c.PopNext()
		if !ok || got != 15 {
			t.Fatalf("pop %d: want 15, got %d ok=%v", i, got, ok)
		}
	}

	if _, ok := c.PopNext(); ok {
		t.Errorf("expected queue drained")
	}
}

func TestLookupUnsetVectorIsNotOK(t *testing.T) {
	c := intr.New()

	if _, ok := c.Lookup(5); ok {
		t.Errorf("unset vector should report ok=false")
	}

	c.SetVector(5, 0x2000, 0x3000)

	v, ok := c.Lookup(5)
	if !ok || v.IP != 0x2000 || v.SP != 0x3000 {
		t.Errorf("lookup mismatch: %+v ok=%v", v, ok)
	}
}

func TestPendingReflectsDeliverableState(t *testing.T) {
	c := intr.New()

	if c.Pending() {
		t.Errorf("expected no pending state initially")
	}

	c.Mask(30)
	c.Raise(30)

	if c.Pending() {
		t.Errorf("masked-only IRQ should not count as pending")
	}

	c.Unmask(30)

	if !c.Pending() {
		t.Errorf("expected pending after unmask")
	}
}
