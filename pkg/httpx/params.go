package httpx

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/nicktill/timeindex/pkg/timetree"
)

// ParseTime accepts RFC3339 (with optional fractional seconds) or Unix
// seconds. Parse failures are request errors.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: invalid time %q (want RFC3339 or unix seconds)", timetree.ErrRequest, s)
}

// TimeParam reads a time query parameter, returning def when absent
func TimeParam(q url.Values, key string, def time.Time) (time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	t, err := ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

// IntParam reads a non-negative integer query parameter capped at max
func IntParam(q url.Values, key string, def, max int) (int, error) {
	raw := q.Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", timetree.ErrRequest, key, raw)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}
