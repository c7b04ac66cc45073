package portalloc

import (
	"testing"
	"time"
)

type fakeLive struct{ used map[int]bool }

func (f *fakeLive) PortInUse(port int) bool { return f.used[port] }

func TestAllocateIsIdempotentForSameInstance(t *testing.T) {
	a := New(50000, 50010, time.Minute, nil)

	p1, err := a.Allocate("inst-a", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := a.Allocate("inst-a", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected same port on retry, got %d then %d", p1, p2)
	}
}

func TestAllocateNeverDoublesAPort(t *testing.T) {
	a := New(50000, 50001, time.Minute, nil)

	p1, err := a.Allocate("a", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := a.Allocate("b", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1 == p2 {
		t.Fatalf("two distinct instances got the same port %d", p1)
	}
}

func TestAllocateRespectsPreferredPort(t *testing.T) {
	a := New(50000, 50010, time.Minute, nil)
	p, err := a.Allocate("a", 50007, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 50007 {
		t.Fatalf("expected preferred port 50007, got %d", p)
	}
}

func TestAllocateSkipsPortsInUseByLiveInstances(t *testing.T) {
	live := &fakeLive{used: map[int]bool{50000: true}}
	a := New(50000, 50001, time.Minute, live)

	p, err := a.Allocate("a", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 50001 {
		t.Fatalf("expected allocator to skip in-use port 50000, got %d", p)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	live := &fakeLive{used: map[int]bool{}}
	a := New(50000, 50000, time.Minute, live)

	if _, err := a.Allocate("a", 0, 0); err != nil {
		t.Fatalf("unexpected error on first allocation: %v", err)
	}
	if _, err := a.Allocate("b", 0, 0); err == nil {
		t.Fatalf("expected exhaustion error for second distinct instance")
	}
}

func TestClearForInstanceFreesThePort(t *testing.T) {
	a := New(50000, 50000, time.Minute, nil)
	if _, err := a.Allocate("a", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.ClearForInstance("a")

	if _, err := a.Allocate("b", 0, 0); err != nil {
		t.Fatalf("expected port free for a new instance after clear, got %v", err)
	}
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	a := New(50000, 50000, time.Millisecond, nil)
	base := time.Now()
	a.SetClock(func() time.Time { return base })

	if _, err := a.Allocate("a", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.SetClock(func() time.Time { return base.Add(time.Second) })
	if _, err := a.Allocate("b", 0, 0); err != nil {
		t.Fatalf("expected expired reservation to free the port, got %v", err)
	}
}

func TestCountReflectsOutstandingReservations(t *testing.T) {
	a := New(50000, 50010, time.Minute, nil)
	if a.Count() != 0 {
		t.Fatalf("expected 0 reservations initially")
	}
	if _, err := a.Allocate("a", 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Count() != 1 {
		t.Fatalf("expected 1 outstanding reservation, got %d", a.Count())
	}
	a.ClearForInstance("a")
	if a.Count() != 0 {
		t.Fatalf("expected 0 reservations after clear, got %d", a.Count())
	}
}

// TestAllocateMinPortRaisesFloor mirrors spec.md §8 scenario 3: A holds
// 50001; B's preferred=50001 collides so it gets 50002; C then requests
// preferred=50001 with minPort=50010 and must get 50010, not 50002's
// neighbor.
func TestAllocateMinPortRaisesFloor(t *testing.T) {
	live := &fakeLive{used: map[int]bool{50001: true}}
	a := New(50000, 50020, time.Minute, live)

	pb, err := a.Allocate("b", 50001, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pb != 50002 {
		t.Fatalf("expected B to get 50002, got %d", pb)
	}

	pc, err := a.Allocate("c", 50001, 50010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc != 50010 {
		t.Fatalf("expected C to get 50010 honoring minPort floor, got %d", pc)
	}
}

// TestAllocatePreferredAndMinAt65535 covers the top-of-range boundary:
// both preferred and min pinned to 65535 must return exactly that port
// when free, and PORT_EXHAUSTED when not.
func TestAllocatePreferredAndMinAt65535(t *testing.T) {
	a := New(60000, 65535, time.Minute, nil)
	p, err := a.Allocate("a", 65535, 65535)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 65535 {
		t.Fatalf("expected port 65535, got %d", p)
	}

	if _, err := a.Allocate("b", 65535, 65535); err == nil {
		t.Fatalf("expected PORT_EXHAUSTED for second request at the same pinned port")
	}
}
