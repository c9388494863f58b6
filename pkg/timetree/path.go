package timetree

import (
	"encoding/binary"
	"time"
	"unicode/utf8"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Component tags. The first byte of every component says what follows.
const (
	tagName   byte = 0x00 // 0x00 | utf8 index name
	tagValue  byte = 0x01 // 0x01 | u32 BE calendar value
	tagBucket byte = 0x02 // 0x02 | i64 BE from | i64 BE until
)

const (
	valueLen  = 1 + 4
	bucketLen = 1 + 8 + 8
)

// EncodeName builds the root component of an index
func EncodeName(name string) storage.Component {
	c := make(storage.Component, 0, 1+len(name))
	c = append(c, tagName)
	return append(c, name...)
}

// DecodeName reverses EncodeName
func DecodeName(c storage.Component) (string, error) {
	if len(c) < 1 || c[0] != tagName {
		return "", decodeErrorf("component is not an index name")
	}
	if !utf8.Valid(c[1:]) {
		return "", decodeErrorf("index name is not valid utf8")
	}
	return string(c[1:]), nil
}

// EncodeValue builds a time-level component
func EncodeValue(v uint32) storage.Component {
	c := make(storage.Component, valueLen)
	c[0] = tagValue
	binary.BigEndian.PutUint32(c[1:], v)
	return c
}

// DecodeValue reverses EncodeValue
func DecodeValue(c storage.Component) (uint32, error) {
	if len(c) != valueLen || c[0] != tagValue {
		return 0, decodeErrorf("component is not a time value (%d bytes)", len(c))
	}
	return binary.BigEndian.Uint32(c[1:]), nil
}

// EncodeBucket builds a bucket component
func EncodeBucket(b Bucket) storage.Component {
	c := make(storage.Component, bucketLen)
	c[0] = tagBucket
	binary.BigEndian.PutUint64(c[1:9], uint64(b.From))
	binary.BigEndian.PutUint64(c[9:], uint64(b.Until))
	return c
}

// DecodeBucket reverses EncodeBucket
func DecodeBucket(c storage.Component) (Bucket, error) {
	if len(c) != bucketLen || c[0] != tagBucket {
		return Bucket{}, decodeErrorf("component is not a bucket (%d bytes)", len(c))
	}
	b := Bucket{
		From:  time.Duration(int64(binary.BigEndian.Uint64(c[1:9]))),
		Until: time.Duration(int64(binary.BigEndian.Uint64(c[9:]))),
	}
	if b.Until <= b.From {
		return Bucket{}, decodeErrorf("bucket until %d is not after from %d", b.Until, b.From)
	}
	return b, nil
}

func isBucket(c storage.Component) bool {
	return len(c) > 0 && c[0] == tagBucket
}

// fieldRange holds the inclusive valid range for positions 2-6
var fieldRange = [...]struct{ lo, hi uint32 }{
	Month:  {1, 12},
	Day:    {1, 31},
	Hour:   {0, 23},
	Minute: {0, 59},
	Second: {0, 59},
}

// PathTime reads the instant encoded by positions 1-6 of path. Year is
// required; missing finer positions default to 1. A bucket component in
// the final position ends the time levels and is ignored.
func PathTime(path storage.Path) (time.Time, error) {
	if len(path) < 2 {
		return time.Time{}, decodeErrorf("path of length %d has no year", len(path))
	}

	fields := [int(Second) + 1]uint32{0, 1, 1, 1, 1, 1}
	for g := Year; g <= Second; g++ {
		pos := g.Position()
		if pos >= len(path) {
			break
		}
		c := path[pos]
		if isBucket(c) && pos == len(path)-1 && g != Year {
			if _, err := DecodeBucket(c); err != nil {
				return time.Time{}, err
			}
			break
		}
		v, err := DecodeValue(c)
		if err != nil {
			return time.Time{}, decodeErrorf("position %d (%s): %v", pos, g, err)
		}
		if g != Year && (v < fieldRange[g].lo || v > fieldRange[g].hi) {
			return time.Time{}, decodeErrorf("%s value %d out of range", g, v)
		}
		fields[g] = v
	}

	return time.Date(int(fields[Year]), time.Month(fields[Month]), int(fields[Day]),
		int(fields[Hour]), int(fields[Minute]), int(fields[Second]), 0, time.UTC), nil
}

// PathBucket decodes the final component of a bucket path
func PathBucket(path storage.Path) (Bucket, error) {
	if len(path) == 0 {
		return Bucket{}, decodeErrorf("empty path has no bucket")
	}
	return DecodeBucket(path[len(path)-1])
}

// Segment describes one decoded path component
type Segment struct {
	Index       string  `json:"index,omitempty"`
	Granularity string  `json:"granularity,omitempty"`
	Value       *uint32 `json:"value,omitempty"`
	Bucket      *Bucket `json:"bucket,omitempty"`
}

// DescribePath decodes every component of path for display
func DescribePath(path storage.Path) ([]Segment, error) {
	out := make([]Segment, 0, len(path))
	for i, c := range path {
		switch {
		case i == 0:
			name, err := DecodeName(c)
			if err != nil {
				return nil, err
			}
			out = append(out, Segment{Index: name})
		case isBucket(c):
			b, err := DecodeBucket(c)
			if err != nil {
				return nil, err
			}
			out = append(out, Segment{Bucket: &b})
		default:
			v, err := DecodeValue(c)
			if err != nil {
				return nil, err
			}
			g, err := granularityForLen(i)
			if err != nil {
				return nil, decodeErrorf("too many time levels: %v", err)
			}
			out = append(out, Segment{Granularity: g.String(), Value: &v})
		}
	}
	return out, nil
}

// TimePath builds the container path holding instant at
func (s Settings) TimePath(name string, at time.Time) storage.Path {
	path := make(storage.Path, 0, s.ContainerLen()+1)
	path = append(path, EncodeName(name))
	for _, g := range s.Levels() {
		path = append(path, EncodeValue(g.valueOf(at)))
	}
	return path
}

// BucketPath builds the full path of b under index name
func (s Settings) BucketPath(name string, b Bucket) storage.Path {
	return s.TimePath(name, b.Start()).Append(EncodeBucket(b))
}
