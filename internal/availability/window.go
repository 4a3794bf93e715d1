package availability

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned when a requested date range is empty or inverted.
var ErrInvalidRange = errors.New("invalid date range")

// Window is a half-open [Start, End) time range within a single day, in
// minutes from midnight.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Duration returns the window length in minutes.
func (w Window) Duration() int { return w.End - w.Start }

// Overlaps reports whether w and o share any time.
func (w Window) Overlaps(o Window) bool {
	return w.Start < o.End && o.Start < w.End
}

// Subtract removes the block range from w, returning zero, one, or two
// remaining windows. Zero-duration remainders are dropped.
func (w Window) Subtract(block Window) []Window {
	if !w.Overlaps(block) {
		return []Window{w}
	}

	var out []Window
	if block.Start > w.Start {
		out = append(out, Window{Start: w.Start, End: block.Start})
	}
	if block.End < w.End {
		out = append(out, Window{Start: block.End, End: w.End})
	}
	return out
}

// ParseClock converts an "HH:MM" string to minutes from midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock converts minutes from midnight to "HH:MM".
func FormatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Midnight truncates t to midnight UTC. All dates in the scheduling layer are
// normalized this way before storage or comparison.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a "2006-01-02" date into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Midnight(t), nil
}
