package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(90 * time.Minute)
	if got := f.Now(); !got.Equal(start.Add(90 * time.Minute)) {
		t.Errorf("Now = %v", got)
	}
}

func TestFixedRNG_Bounds(t *testing.T) {
	if got := (FixedRNG{Value: 50}).Int63n(10); got != 9 {
		t.Errorf("Int63n = %d, want 9", got)
	}
	if got := (RealRNG{}).Int63n(5); got < 0 || got >= 5 {
		t.Errorf("RealRNG out of range: %d", got)
	}
}
