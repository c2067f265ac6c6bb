// Package event holds the one-shot reminder entity and its timing rules. Nothing here does I/O.
package event

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"joinbot/internal/apperr"
)

const (
	WarnLow    = 2 * time.Minute
	WarnHigh   = 30 * time.Minute
	FireWithin = 1 * time.Minute

	// DateFormat is the layout accepted by !addevent and shown in listings.
	DateFormat = "2006-01-02 15:04"

	MaxNameLen        = 128
	MaxDescriptionLen = 256
)

type Status uint8

const (
	Pending Status = iota
	Warned
	Fired
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Warned:
		return "warned"
	case Fired:
		return "fired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

type Event struct {
	ID          int64
	Name        string
	Description string
	StartAt     time.Time // UTC
	Status      Status
}

// Remaining is negative once StartAt has passed.
func (e Event) Remaining(now time.Time) time.Duration {
	return e.StartAt.Sub(now)
}

// ShouldWarn is true only while Pending and strictly inside (WarnLow, WarnHigh).
func (e Event) ShouldWarn(now time.Time) bool {
	if e.Status != Pending {
		return false
	}
	r := e.Remaining(now)
	return r > WarnLow && r < WarnHigh
}

// ShouldFire includes overdue events so a late tick or a restart never drops one.
func (e Event) ShouldFire(now time.Time) bool {
	if e.Status == Fired {
		return false
	}
	return e.Remaining(now) <= FireWithin
}

// Advance moves the status forward. It reports false and leaves e untouched for any
// transition that is not strictly forward.
func (e *Event) Advance(to Status) bool {
	if to <= e.Status || to > Fired {
		return false
	}
	e.Status = to
	return true
}

func (e Event) Active() bool { return e.Status != Fired }

// StartText renders the start instant in loc with its zone offset, e.g. "2030-01-02 20:00 (+0100)".
func (e Event) StartText(loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return e.StartAt.In(loc).Format(DateFormat + " (-0700)")
}

// RemainingText renders the time left using the two largest non-zero units.
func (e Event) RemainingText(now time.Time) string {
	return FormatRemaining(e.Remaining(now))
}

func FormatRemaining(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	d = d.Truncate(time.Second)

	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	parts := make([]string, 0, 2)
	for _, u := range units {
		n := int64(d / u.size)
		d -= time.Duration(n) * u.size
		if n == 0 {
			continue
		}
		parts = append(parts, plural(n, u.name))
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, " ")
}

func plural(n int64, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// New validates fields and parses startText (DateFormat, interpreted in loc).
// The start instant must be strictly after now.
func New(name, startText, description string, now time.Time, loc *time.Location) (Event, error) {
	const op = "event.new"
	if loc == nil {
		loc = time.UTC
	}
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" {
		return Event{}, apperr.New(apperr.Validation, op, "name is required")
	}
	if err := CheckLengths(name, description); err != nil {
		return Event{}, err
	}
	t, err := time.ParseInLocation(DateFormat, strings.TrimSpace(startText), loc)
	if err != nil {
		return Event{}, &apperr.Error{Kind: apperr.Validation, Op: op, Msg: "bad start time", Err: err}
	}
	t = t.UTC()
	if !t.After(now) {
		return Event{}, apperr.Newf(apperr.Validation, op, "start time %s is not in the future", t.Format(DateFormat))
	}
	return Event{Name: name, Description: description, StartAt: t, Status: Pending}, nil
}

func CheckLengths(name, description string) error {
	if utf8.RuneCountInString(name) > MaxNameLen {
		return apperr.Newf(apperr.Validation, "event.check", "name longer than %d characters", MaxNameLen)
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		return apperr.Newf(apperr.Validation, "event.check", "description longer than %d characters", MaxDescriptionLen)
	}
	return nil
}

var quoted = regexp.MustCompile(`"(.+?)"`)

// Parse reads the !addevent grammar: "<name>" "<start>" ["<description>"].
// Anything outside the quotes is ignored.
func Parse(text string, now time.Time, loc *time.Location) (Event, error) {
	m := quoted.FindAllStringSubmatch(text, -1)
	if len(m) < 2 {
		return Event{}, apperr.New(apperr.Validation, "event.parse", "need a quoted name and start time")
	}
	var desc string
	if len(m) > 2 {
		desc = m[2][1]
	}
	return New(m[0][1], m[1][1], desc, now, loc)
}
