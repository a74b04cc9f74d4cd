package routing

import "testing"

func TestIdentityRoundTrip(t *testing.T) {
	table := NewTable()
	for local := 1; local < 255; local++ {
		global := table.ToGlobal(byte(local))
		if global != byte(local) {
			t.Fatalf("identity broken at %d: got %d", local, global)
		}
		if table.ToLocal(table.ToGlobal(byte(local))) != byte(local) {
			t.Fatalf("round trip broken at local=%d", local)
		}
	}
}

func TestRemapRoundTrip(t *testing.T) {
	table := NewTable()
	table.Remap(1, 2)

	if got := table.ToGlobal(1); got != 2 {
		t.Fatalf("ToGlobal(1) = %d, want 2", got)
	}
	if got := table.ToLocal(2); got != 1 {
		t.Fatalf("ToLocal(2) = %d, want 1", got)
	}
	// in[out[in[l]]] == in[l] and out[in[l]] == l, per spec.md §8.
	l := byte(1)
	if got := table.ToGlobal(table.ToLocal(table.ToGlobal(l))); got != table.ToGlobal(l) {
		t.Fatalf("round-trip invariant violated: %d", got)
	}
	if got := table.ToLocal(table.ToGlobal(l)); got != l {
		t.Fatalf("out[in[l]] != l: got %d", got)
	}
}

func TestApplyInOutMutateByteZero(t *testing.T) {
	table := NewTable()
	table.Remap(5, 9)

	out := []byte{9, 1, 2, 3}
	table.ApplyOut(out)
	if out[0] != 5 {
		t.Fatalf("ApplyOut: byte0 = %d, want 5", out[0])
	}

	in := []byte{5, 1, 2, 3}
	table.ApplyIn(in)
	if in[0] != 9 {
		t.Fatalf("ApplyIn: byte0 = %d, want 9", in[0])
	}
}
