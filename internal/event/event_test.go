package event

import (
	"testing"
	"time"

	"joinbot/internal/apperr"
)

var base = time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) Event {
	return Event{ID: 1, Name: "Raid", StartAt: base.Add(d), Status: Pending}
}

func TestShouldWarnWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		left   time.Duration
		status Status
		want   bool
	}{
		{name: "inside", left: 10 * time.Minute, want: true},
		{name: "just above low", left: 2*time.Minute + time.Second, want: true},
		{name: "at low bound", left: 2 * time.Minute},
		{name: "at high bound", left: 30 * time.Minute},
		{name: "far future", left: 3 * time.Hour},
		{name: "past due", left: -5 * time.Minute},
		{name: "already warned", left: 10 * time.Minute, status: Warned},
		{name: "fired", left: 10 * time.Minute, status: Fired},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := at(tt.left)
			ev.Status = tt.status
			if got := ev.ShouldWarn(base); got != tt.want {
				t.Fatalf("ShouldWarn(%v left, %v) = %v, want %v", tt.left, tt.status, got, tt.want)
			}
		})
	}
}

func TestShouldFireIncludesOverdue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		left time.Duration
		want bool
	}{
		{left: time.Minute, want: true},
		{left: 30 * time.Second, want: true},
		{left: 0, want: true},
		{left: -48 * time.Hour, want: true},
		{left: time.Minute + time.Second, want: false},
		{left: 10 * time.Minute, want: false},
	}
	for _, tt := range tests {
		if got := at(tt.left).ShouldFire(base); got != tt.want {
			t.Fatalf("ShouldFire(%v left) = %v, want %v", tt.left, got, tt.want)
		}
	}
	warned := at(-time.Minute)
	warned.Status = Warned
	if !warned.ShouldFire(base) {
		t.Fatal("warned events must still fire")
	}
}

func TestAdvanceNeverRegresses(t *testing.T) {
	t.Parallel()
	ev := at(time.Hour)
	if !ev.Advance(Warned) || ev.Status != Warned {
		t.Fatalf("Pending->Warned failed: %v", ev.Status)
	}
	if ev.Advance(Pending) || ev.Status != Warned {
		t.Fatalf("regression to Pending accepted: %v", ev.Status)
	}
	if ev.Advance(Warned) {
		t.Fatal("same-status advance should report false")
	}
	if !ev.Advance(Fired) || ev.Status != Fired {
		t.Fatalf("Warned->Fired failed: %v", ev.Status)
	}
	direct := at(time.Hour)
	if !direct.Advance(Fired) {
		t.Fatal("Pending->Fired should be allowed")
	}
}

func TestFormatRemaining(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{d: 0, want: "0 seconds"},
		{d: -time.Minute, want: "0 seconds"},
		{d: 45 * time.Second, want: "45 seconds"},
		{d: time.Minute + time.Second, want: "1 minute 1 second"},
		{d: 3*time.Hour + 4*time.Minute + 5*time.Second, want: "3 hours 4 minutes"},
		{d: 2*24*time.Hour + 5*time.Minute, want: "2 days 5 minutes"},
		{d: 24 * time.Hour, want: "1 day"},
	}
	for _, tt := range tests {
		if got := FormatRemaining(tt.d); got != tt.want {
			t.Fatalf("FormatRemaining(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseAddEvent(t *testing.T) {
	t.Parallel()
	now := time.Date(2098, 12, 31, 0, 0, 0, 0, time.UTC)
	ev, err := Parse(`!addevent "Raid Night" "2099-01-01 20:00" "bring potions"`, now, time.UTC)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if ev.Name != "Raid Night" || ev.Description != "bring potions" || ev.Status != Pending {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if want := time.Date(2099, 1, 1, 20, 0, 0, 0, time.UTC); !ev.StartAt.Equal(want) {
		t.Fatalf("StartAt = %v, want %v", ev.StartAt, want)
	}
	if ev.ID != 0 {
		t.Fatalf("ID must be unassigned before insert, got %d", ev.ID)
	}
}

func TestParseLocalTimeStoredAsUTC(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2098, 12, 31, 0, 0, 0, 0, time.UTC)
	ev, err := Parse(`!addevent "Raid" "2099-01-01 20:00"`, now, loc)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if want := time.Date(2099, 1, 1, 19, 0, 0, 0, time.UTC); !ev.StartAt.Equal(want) || ev.StartAt.Location() != time.UTC {
		t.Fatalf("StartAt = %v, want %v UTC", ev.StartAt, want)
	}
	if got, want := ev.StartText(loc), "2099-01-01 20:00 (+0100)"; got != want {
		t.Fatalf("StartText = %q, want %q", got, want)
	}
	if ev.Description != "" {
		t.Fatalf("description should default to empty, got %q", ev.Description)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		text string
	}{
		{name: "one field", text: `!addevent "Raid"`},
		{name: "no quotes", text: `!addevent Raid 2030-01-02 12:00`},
		{name: "past", text: `!addevent "Raid" "2029-12-31 12:00"`},
		{name: "now", text: `!addevent "Raid" "2030-01-01 12:00"`},
		{name: "bad format", text: `!addevent "Raid" "01/02/2030 12:00"`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.text, now, time.UTC)
			if !apperr.Is(err, apperr.Validation) {
				t.Fatalf("Parse(%q) err = %v, want validation error", tt.text, err)
			}
		})
	}
}
