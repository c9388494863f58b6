package timetree

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is one level of the time hierarchy
type Granularity int

const (
	Year Granularity = iota
	Month
	Day
	Hour
	Minute
	Second
)

var granularityNames = [...]string{"year", "month", "day", "hour", "minute", "second"}

func (g Granularity) String() string {
	if g < Year || g > Second {
		return fmt.Sprintf("granularity(%d)", int(g))
	}
	return granularityNames[g]
}

// Position is the path component index holding this granularity's value.
// Component 0 is always the index name.
func (g Granularity) Position() int {
	return int(g) + 1
}

// valueOf extracts this granularity's calendar value from t (UTC).
// Years are only meaningful inside [MinInstant, MaxInstant).
func (g Granularity) valueOf(t time.Time) uint32 {
	t = t.UTC()
	switch g {
	case Year:
		return uint32(t.Year())
	case Month:
		return uint32(t.Month())
	case Day:
		return uint32(t.Day())
	case Hour:
		return uint32(t.Hour())
	case Minute:
		return uint32(t.Minute())
	default:
		return uint32(t.Second())
	}
}

// truncate pins every field finer than g to 1, matching PathTime's defaults
func (g Granularity) truncate(t time.Time) time.Time {
	t = t.UTC()
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	switch g {
	case Year:
		return time.Date(y, 1, 1, 1, 1, 1, 0, time.UTC)
	case Month:
		return time.Date(y, mo, 1, 1, 1, 1, 0, time.UTC)
	case Day:
		return time.Date(y, mo, d, 1, 1, 1, 0, time.UTC)
	case Hour:
		return time.Date(y, mo, d, h, 1, 1, 0, time.UTC)
	case Minute:
		return time.Date(y, mo, d, h, mi, 1, 0, time.UTC)
	default:
		return time.Date(y, mo, d, h, mi, s, 0, time.UTC)
	}
}

// granularityForLen maps a path's component count to the granularity of its children
func granularityForLen(n int) (Granularity, error) {
	if n < 1 || n > int(Second)+1 {
		return 0, internalErrorf("expected path of length 1-6, got %d", n)
	}
	return Granularity(n - 1), nil
}

// Order is the direction of a span query
type Order int

const (
	Asc Order = iota
	Desc
)

func (o Order) String() string {
	if o == Desc {
		return "desc"
	}
	return "asc"
}

// Strategy selects the traversal used to resolve a span
type Strategy int

const (
	BFS Strategy = iota
	DFS
)

func (s Strategy) String() string {
	if s == DFS {
		return "dfs"
	}
	return "bfs"
}

// ParseStrategy accepts "bfs" or "dfs" (case-insensitive); empty means BFS
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "bfs":
		return BFS, nil
	case "dfs":
		return DFS, nil
	default:
		return BFS, requestErrorf("unknown strategy %q", s)
	}
}

// DefaultDepth is always materialized as tree levels
var DefaultDepth = []Granularity{Year, Month, Day}

// Settings is the immutable index configuration shared by every query.
// Build one with NewSettings at startup and pass it by value.
type Settings struct {
	interval time.Duration
	depth    []Granularity
}

// NewSettings derives the index depth from the bucket interval.
// Finer intervals need finer tree levels so that one container never
// holds more than a bounded number of buckets.
func NewSettings(interval time.Duration) (Settings, error) {
	if interval <= 0 {
		return Settings{}, requestErrorf("bucket interval must be > 0, got %v", interval)
	}

	var depth []Granularity
	switch {
	case interval < time.Second:
		depth = []Granularity{Second, Minute, Hour, Day}
	case interval < time.Minute:
		depth = []Granularity{Minute, Hour, Day}
	case interval < time.Hour:
		depth = []Granularity{Hour, Day}
	default:
		depth = []Granularity{Day}
	}
	return Settings{interval: interval, depth: depth}, nil
}

// MustSettings is NewSettings for constant intervals; it panics on error
func MustSettings(interval time.Duration) Settings {
	s, err := NewSettings(interval)
	if err != nil {
		panic(err)
	}
	return s
}

// Interval is the fixed bucket width
func (s Settings) Interval() time.Duration {
	return s.interval
}

// IndexDepth returns the configured depth, finest first
func (s Settings) IndexDepth() []Granularity {
	return append([]Granularity(nil), s.depth...)
}

// Enabled reports whether g is materialized as a tree level
func (s Settings) Enabled(g Granularity) bool {
	if g <= Day {
		return true
	}
	for _, d := range s.depth {
		if d == g {
			return true
		}
	}
	return false
}

// Levels lists the enabled granularities coarsest first
func (s Settings) Levels() []Granularity {
	levels := make([]Granularity, 0, int(Second)+1)
	for g := Year; g <= Second; g++ {
		if s.Enabled(g) {
			levels = append(levels, g)
		}
	}
	return levels
}

// ContainerLen is the component count of a terminal node: the path whose
// children are buckets rather than further time levels.
func (s Settings) ContainerLen() int {
	return len(DefaultDepth) + len(s.depth)
}

// ValidateBucket rejects buckets that could never have been produced by
// BucketFor under these settings, or that start after now.
func (s Settings) ValidateBucket(b Bucket, now time.Time) error {
	if b.Start().After(now) {
		return requestErrorf("bucket cannot start in the future (%s > %s)", b.Start(), now.UTC())
	}
	if b.Width() != s.interval {
		return requestErrorf("bucket width %v does not equal interval %v", b.Width(), s.interval)
	}
	if int64(b.From)%int64(s.interval) != 0 {
		return requestErrorf("bucket start %v is not aligned to interval %v", b.From, s.interval)
	}
	return nil
}
