package ids

import (
	"testing"
	"time"
)

func TestNewIsSortableAndValid(t *testing.T) {
	base := time.Now()
	a := NewAt(base)
	b := NewAt(base.Add(time.Millisecond))
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
	if Valid("not-an-id") {
		t.Fatalf("unexpected valid id")
	}
}
