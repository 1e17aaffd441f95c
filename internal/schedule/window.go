// Package schedule holds the time-of-day window used to gate unit dispatch.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time of day with second resolution,
// stored as seconds since midnight.
type TimeOfDay int

const secondsPerDay = 24 * 60 * 60

var reTimeOfDay = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

var errBadTimeOfDay = errors.New("want HH:MM or HH:MM:SS")

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" (24h clock).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	m := reTimeOfDay.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0, errBadTimeOfDay
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	if hh > 23 {
		return 0, fmt.Errorf("hour %d out of range", hh)
	}
	if mm > 59 {
		return 0, fmt.Errorf("minute %d out of range", mm)
	}
	if ss > 59 {
		return 0, fmt.Errorf("second %d out of range", ss)
	}
	return TimeOfDay(hh*3600 + mm*60 + ss), nil
}

// Of returns the time of day of t in t's own location. Sub-second parts are dropped.
func Of(t time.Time) TimeOfDay {
	h, m, s := t.Clock()
	return TimeOfDay(h*3600 + m*60 + s)
}

func (t TimeOfDay) String() string {
	v := int(t) % secondsPerDay
	return fmt.Sprintf("%02d:%02d:%02d", v/3600, v%3600/60, v%60)
}

// ParseError reports a window bound that could not be used.
type ParseError struct {
	Field string // "start", "end" or "window"
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field == "window" {
		return fmt.Sprintf("invalid window %s: %v", e.Value, e.Err)
	}
	return fmt.Sprintf("invalid window %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrInvertedWindow is returned for windows whose end is before their start.
// Windows that cross midnight are not supported; configure two units instead.
var ErrInvertedWindow = errors.New("end is before start (windows may not cross midnight)")

// Window is an inclusive time-of-day interval. The zero value covers only 00:00:00.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// ParseWindow builds a Window from two time-of-day strings.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return Window{}, &ParseError{Field: "start", Value: start, Err: err}
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return Window{}, &ParseError{Field: "end", Value: end, Err: err}
	}
	if e < s {
		return Window{}, &ParseError{Field: "window", Value: s.String() + "-" + e.String(), Err: ErrInvertedWindow}
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether now's time of day lies in [Start, End].
func (w Window) Contains(now time.Time) bool {
	t := Of(now)
	return w.Start <= t && t <= w.End
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }
