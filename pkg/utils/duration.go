package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

var durationRe = regexp.MustCompile(`^(0|[1-9][0-9]*) ?(ms|sec|s|min|m|h|d)$`)

// ParseDuration parses durations of the shape <int><unit>, where the
// unit is one of ms, s, sec, m, min, h or d. Surrounding whitespace is
// tolerated. The stdlib parser is not used because grid configurations
// write days and the sec/min aliases.
func ParseDuration(duration string) (time.Duration, error) {
	duration = strings.TrimSpace(duration)

	parts := durationRe.FindStringSubmatch(duration)
	if parts == nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrParse, duration)
	}

	value, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration %q", ErrParse, duration)
	}

	switch parts[2] {
	case "ms":
		return time.Duration(value) * time.Millisecond, nil
	case "s", "sec":
		return time.Duration(value) * time.Second, nil
	case "m", "min":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	}

	return 0, fmt.Errorf("%w: invalid duration %q", ErrParse, duration)
}

// FormatDuration emits the largest unit that divides the duration
// evenly. The output round-trips through ParseDuration.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

// DurationValue converts a configuration value to a duration. Strings
// are parsed with ParseDuration, integers are interpreted as
// milliseconds. Nil or unconvertible values yield the default.
func DurationValue(value any, def time.Duration) time.Duration {
	switch v := value.(type) {
	case nil:
		return def
	case string:
		d, err := ParseDuration(v)
		if err != nil {
			return def
		}
		return d
	case time.Duration:
		return v
	default:
		millis, err := cast.ToInt64E(value)
		if err != nil {
			return def
		}
		return time.Duration(millis) * time.Millisecond
	}
}

// IntValue converts a configuration value to an int, falling back to
// the default when the value is absent or not a number.
func IntValue(value any, def int) int {
	if value == nil {
		return def
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return def
	}
	return i
}
