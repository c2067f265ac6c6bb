package clock

import (
	"testing"
	"time"
)

func TestSystemIsUTC(t *testing.T) {
	if loc := NewSystem().Now().Location(); loc != time.UTC {
		t.Fatalf("system clock location: got %v want UTC", loc)
	}
}

func TestFixedNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("X", 3*3600)
	in := time.Date(2030, 5, 1, 12, 0, 0, 0, loc)
	got := NewFixed(in).Now()
	if !got.Equal(in) || got.Location() != time.UTC {
		t.Fatalf("fixed: got %v", got)
	}
}

func TestManualAdvance(t *testing.T) {
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	m.Advance(90 * time.Second)
	if got := m.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("after advance: got %v", got)
	}
	m.Set(start)
	if got := m.Now(); !got.Equal(start) {
		t.Fatalf("after set: got %v", got)
	}
}
