package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a duration field. It accepts a Go duration
// ("1m30s") or a bare integer in milliseconds ("1500"), matching the
// *_ms unit fields. Empty means 0. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return millisField(path, ms)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (want e.g. \"30s\" or milliseconds): %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// maxMillis keeps ms*time.Millisecond inside int64 nanoseconds.
const maxMillis = int64(1<<63-1) / int64(time.Millisecond)

// millisField converts an integer millisecond field such as delay_ms.
func millisField(path string, ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", path)
	}
	if ms > maxMillis {
		return 0, fmt.Errorf("%s: %d ms is out of range", path, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
