package terminalhost

import "testing"

func TestOutputRingSnapshotWithinCapacity(t *testing.T) {
	r := newOutputRing(16)
	r.Write([]byte("hello"))
	r.Write([]byte(" world"))

	got := string(r.Snapshot())
	want := "hello world"
	if got != want {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
	if r.TotalWritten() != uint64(len(want)) {
		t.Fatalf("total written = %d, want %d", r.TotalWritten(), len(want))
	}
}

func TestOutputRingOverwritesOldestOnWrap(t *testing.T) {
	r := newOutputRing(5)
	r.Write([]byte("abcde"))
	r.Write([]byte("fg"))

	got := string(r.Snapshot())
	want := "cdefg"
	if got != want {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
}

func TestOutputRingWriteLargerThanCapacityKeepsTail(t *testing.T) {
	r := newOutputRing(4)
	r.Write([]byte("abcdefgh"))

	got := string(r.Snapshot())
	want := "efgh"
	if got != want {
		t.Fatalf("snapshot = %q, want %q", got, want)
	}
}

func TestOutputRingEmptySnapshotIsNil(t *testing.T) {
	r := newOutputRing(8)
	if got := r.Snapshot(); got != nil {
		t.Fatalf("expected nil snapshot on empty ring, got %q", got)
	}
}
