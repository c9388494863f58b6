package timetree

import (
	"fmt"
	"time"
)

// Bucket is a half-open interval [From, Until) measured as nanoseconds
// since the Unix epoch. Every bucket's width equals the index interval.
type Bucket struct {
	From  time.Duration `json:"from"`
	Until time.Duration `json:"until"`
}

// Bucket bounds are int64 nanoseconds, so only instants in
// [MinInstant, MaxInstant) can be indexed or queried.
var (
	MinInstant = time.Date(1678, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxInstant = time.Date(2262, 1, 1, 0, 0, 0, 0, time.UTC)
)

func checkInstant(t time.Time) error {
	if t.Before(MinInstant) || !t.Before(MaxInstant) {
		return requestErrorf("time %s is outside the indexable range %d-%d",
			t.UTC().Format(time.RFC3339), MinInstant.Year(), MaxInstant.Year()-1)
	}
	return nil
}

// BucketFor returns the bucket containing t. Floor division keeps
// instants before the epoch in the correct bucket.
func BucketFor(t time.Time, interval time.Duration) Bucket {
	ns := t.UnixNano()
	width := int64(interval)
	idx := ns / width
	if ns%width != 0 && ns < 0 {
		idx--
	}
	from := idx * width
	return Bucket{From: time.Duration(from), Until: time.Duration(from + width)}
}

// Start is the inclusive start instant
func (b Bucket) Start() time.Time {
	return time.Unix(0, int64(b.From)).UTC()
}

// End is the exclusive end instant
func (b Bucket) End() time.Time {
	return time.Unix(0, int64(b.Until)).UTC()
}

// Width is Until - From
func (b Bucket) Width() time.Duration {
	return b.Until - b.From
}

// Contains reports whether t falls in [From, Until)
func (b Bucket) Contains(t time.Time) bool {
	ns := time.Duration(t.UnixNano())
	return ns >= b.From && ns < b.Until
}

// Overlaps reports whether the bucket shares any instant with [lo, hi]
func (b Bucket) Overlaps(lo, hi time.Time) bool {
	return !b.Start().After(hi) && b.End().After(lo)
}

// Previous returns the bucket n widths earlier
func (b Bucket) Previous(n int) Bucket {
	shift := time.Duration(n) * b.Width()
	return Bucket{From: b.From - shift, Until: b.Until - shift}
}

func (b Bucket) String() string {
	return fmt.Sprintf("[%s, %s)", b.Start().Format(time.RFC3339Nano), b.End().Format(time.RFC3339Nano))
}
