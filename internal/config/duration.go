package config

import (
	"strings"
	"time"

	"joinbot/internal/apperr"
)

// events.tick bounds. A tick slower than the one-minute fire window starts events late.
const (
	MinEventsTick = time.Second
	MaxEventsTick = time.Minute
)

// ParseDurationWithin parses a Go duration string for the config key path. An empty
// value yields def unchecked; anything else must fall in [lo, hi]. hi <= 0 means no
// upper bound. Negative durations are always rejected.
func ParseDurationWithin(path, raw string, def, lo, hi time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &apperr.Error{Kind: apperr.Validation, Op: "config", Msg: path + ": invalid duration " + `"` + raw + `"`, Err: err}
	}
	if d < 0 {
		return 0, apperr.Newf(apperr.Validation, "config", "%s: duration must be >= 0, got %s", path, d)
	}
	if hi > 0 && (d < lo || d > hi) {
		return 0, apperr.Newf(apperr.Validation, "config", "%s: %s is outside [%s, %s]", path, d, lo, hi)
	}
	if d < lo {
		return 0, apperr.Newf(apperr.Validation, "config", "%s: must be at least %s, got %s", path, lo, d)
	}
	return d, nil
}

// ParseDurationField parses a non-negative duration; "" is 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	return ParseDurationWithin(path, raw, 0, 0, 0)
}

// ParseDurationOrDefault is ParseDurationField with def standing in for "" and zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseEventsTick parses events.tick; "" yields def.
func ParseEventsTick(raw string, def time.Duration) (time.Duration, error) {
	return ParseDurationWithin("events.tick", raw, def, MinEventsTick, MaxEventsTick)
}
