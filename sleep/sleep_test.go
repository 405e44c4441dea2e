package sleep

import "testing"

func TestFetchReturnsAssertedWaker(t *testing.T) {
	var s Sleeper
	var w1, w2 Waker
	s.AddWaker(&w1, 1)
	s.AddWaker(&w2, 2)

	w2.Assert()
	id, ok := s.Fetch(true)
	if !ok || id != 2 {
		t.Fatalf("got (%d, %v), want (2, true)", id, ok)
	}

	if _, ok := s.Fetch(false); ok {
		t.Fatalf("expected no waker ready")
	}
}

func TestAssertBeforeAddWaker(t *testing.T) {
	var s Sleeper
	var w Waker
	w.Assert()
	s.AddWaker(&w, 7)

	id, ok := s.Fetch(true)
	if !ok || id != 7 {
		t.Fatalf("got (%d, %v), want (7, true)", id, ok)
	}
}

func TestRepeatedAssertCoalesces(t *testing.T) {
	var s Sleeper
	var w Waker
	s.AddWaker(&w, 1)

	w.Assert()
	w.Assert()

	if _, ok := s.Fetch(true); !ok {
		t.Fatalf("expected a ready waker")
	}
	if _, ok := s.Fetch(false); ok {
		t.Fatalf("expected the second Assert to have coalesced, not queued twice")
	}
}
