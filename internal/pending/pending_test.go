package pending

import (
	"testing"

	"brickd/internal/protocol"
)

type fakeSink struct{ name string }

func (f *fakeSink) Deliver(protocol.Frame) {}

func TestFIFOPairing(t *testing.T) {
	q := New(DefaultBound)
	x, y := &fakeSink{"x"}, &fakeSink{"y"}

	q.Register(1, [2]byte{1, 0x10}, x)
	q.Register(1, [2]byte{1, 0x11}, y)

	gotY, ok := q.Pop(1, [2]byte{1, 0x11})
	if !ok || gotY != y {
		t.Fatalf("expected y for its own key")
	}
	gotX, ok := q.Pop(1, [2]byte{1, 0x10})
	if !ok || gotX != x {
		t.Fatalf("expected x for its own key")
	}
}

func TestFIFOOrderWithinKey(t *testing.T) {
	q := New(DefaultBound)
	a, b := &fakeSink{"a"}, &fakeSink{"b"}
	q.Register(1, [2]byte{1, 1}, a)
	q.Register(1, [2]byte{1, 1}, b)

	first, _ := q.Pop(1, [2]byte{1, 1})
	second, _ := q.Pop(1, [2]byte{1, 1})
	if first != a || second != b {
		t.Fatalf("FIFO order violated")
	}
	if _, ok := q.Pop(1, [2]byte{1, 1}); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestOverflowDropsNewRegistration(t *testing.T) {
	q := New(2)
	a, b, c := &fakeSink{"a"}, &fakeSink{"b"}, &fakeSink{"c"}
	q.Register(1, [2]byte{1, 1}, a)
	q.Register(1, [2]byte{1, 1}, b)
	q.Register(1, [2]byte{1, 1}, c) // dropped: queue already at bound 2

	first, _ := q.Pop(1, [2]byte{1, 1})
	second, _ := q.Pop(1, [2]byte{1, 1})
	if first != a || second != b {
		t.Fatalf("expected a then b to survive the overflow")
	}
	if _, ok := q.Pop(1, [2]byte{1, 1}); ok {
		t.Fatalf("expected c to have been dropped")
	}
}

func TestRemoveSinkOnDisconnect(t *testing.T) {
	q := New(DefaultBound)
	a, b := &fakeSink{"a"}, &fakeSink{"b"}
	q.Register(1, [2]byte{1, 1}, a)
	q.Register(1, [2]byte{1, 1}, b)

	q.RemoveSink(a)

	only, ok := q.Pop(1, [2]byte{1, 1})
	if !ok || only != b {
		t.Fatalf("expected only b to remain")
	}
}
