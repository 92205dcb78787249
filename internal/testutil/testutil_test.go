package testutil

import (
	"testing"
	"time"
)

func TestTimeSeq(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seq := TimeSeq(start, time.Second, 3)
	if len(seq) != 3 {
		t.Fatalf("len = %d, want 3", len(seq))
	}
	if !seq[0].Equal(start) {
		t.Errorf("seq[0] = %v, want %v", seq[0], start)
	}
	if got := seq[2].Sub(seq[0]); got != 2*time.Second {
		t.Errorf("span = %v, want 2s", got)
	}

	if got := TimeSeq(start, time.Second, 0); len(got) != 0 {
		t.Errorf("empty seq has %d elements", len(got))
	}
}

func TestTimesAt(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seq := TimesAt(base, 0, 0.5, 4)
	if len(seq) != 3 {
		t.Fatalf("len = %d, want 3", len(seq))
	}
	if !seq[0].Equal(base) {
		t.Errorf("seq[0] = %v, want %v", seq[0], base)
	}
	if got := seq[1].Sub(base); got != 500*time.Millisecond {
		t.Errorf("seq[1] offset = %v, want 500ms", got)
	}
	if got := seq[2].Sub(base); got != 4*time.Second {
		t.Errorf("seq[2] offset = %v, want 4s", got)
	}

	// Out-of-order offsets are preserved, not sorted.
	seq = TimesAt(base, 1, 0)
	if !seq[1].Equal(base) {
		t.Errorf("seq[1] = %v, want base", seq[1])
	}
}
