package logbuf

import (
	"fmt"
	"testing"
)

func TestTailOrdersChronologicallyBeforeWrap(t *testing.T) {
	b := New(5, "")
	b.Append("a")
	b.Append("b")
	b.Append("c")

	got := b.Tail()
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q got %q", i, want[i], got[i])
		}
	}
}

func TestTailEvictsOldestOnWrap(t *testing.T) {
	b := New(3, "")
	for i := 0; i < 5; i++ {
		b.Append(fmt.Sprintf("line-%d", i))
	}
	got := b.Tail()
	want := []string{"line-2", "line-3", "line-4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: expected %q got %q", i, want[i], got[i])
		}
	}
}
