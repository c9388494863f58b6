package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ErrCorruptPath is returned when a framed path cannot be decoded
var ErrCorruptPath = errors.New("corrupt path encoding")

// Addr is a sha256 content address
type Addr [32]byte

// HashBytes returns the content address of raw bytes
func HashBytes(data []byte) Addr {
	return Addr(sha256.Sum256(data))
}

// ParseAddr parses the hex form produced by Addr.String
func ParseAddr(s string) (Addr, error) {
	var a Addr
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid address %q: want %d bytes, got %d", s, len(a), len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

func (a Addr) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether a is the zero address
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Tag labels a link. Filters match by prefix.
type Tag string

// Matches reports whether t is selected by prefix (empty prefix selects all)
func (t Tag) Matches(prefix Tag) bool {
	return strings.HasPrefix(string(t), string(prefix))
}

// LinkID identifies a link. Derived from link content so re-creating an
// identical link yields the same id.
type LinkID uint64

// Link is a directed, tagged edge between two addresses
type Link struct {
	ID        LinkID    `json:"id"`
	Base      Addr      `json:"base"`
	Target    Addr      `json:"target"`
	Tag       Tag       `json:"tag"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLink builds a Link from a request, deriving its id
func NewLink(req LinkRequest) Link {
	h := xxhash.New()
	h.Write(req.Base[:])
	h.Write(req.Target[:])
	h.WriteString(string(req.Tag))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(req.Timestamp.UnixNano()))
	h.Write(ts[:])

	return Link{
		ID:        LinkID(h.Sum64()),
		Base:      req.Base,
		Target:    req.Target,
		Tag:       req.Tag,
		Timestamp: req.Timestamp.UTC(),
	}
}

// Component is one opaque segment of a Path
type Component []byte

// Path is an ordered sequence of components
type Path []Component

// Prefix returns the first n components
func (p Path) Prefix(n int) Path {
	return p[:n:n]
}

// Append returns a new path with c added; p is not modified
func (p Path) Append(c Component) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, c)
}

// Equal reports component-wise equality
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !bytes.Equal(p[i], o[i]) {
			return false
		}
	}
	return true
}

// EncodePath frames a path as length-prefixed components
func EncodePath(p Path) []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	for _, c := range p {
		buf = binary.AppendUvarint(buf, uint64(len(c)))
		buf = append(buf, c...)
	}
	return buf
}

// DecodePath reverses EncodePath
func DecodePath(data []byte) (Path, error) {
	n, read := binary.Uvarint(data)
	if read <= 0 {
		return nil, ErrCorruptPath
	}
	data = data[read:]
	if n > uint64(len(data)) {
		return nil, ErrCorruptPath
	}

	p := make(Path, 0, n)
	for i := uint64(0); i < n; i++ {
		size, read := binary.Uvarint(data)
		if read <= 0 || size > uint64(len(data)-read) {
			return nil, ErrCorruptPath
		}
		data = data[read:]
		c := make(Component, size)
		copy(c, data[:size])
		p = append(p, c)
		data = data[size:]
	}
	if len(data) != 0 {
		return nil, ErrCorruptPath
	}
	return p, nil
}

// HashPath returns the content address of a path. Every Store shares it so
// that a path resolves to the same address regardless of backend.
func HashPath(p Path) Addr {
	return HashBytes(append([]byte("path:"), EncodePath(p)...))
}

// SortLinks orders links by timestamp, then id
func SortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if !links[i].Timestamp.Equal(links[j].Timestamp) {
			return links[i].Timestamp.Before(links[j].Timestamp)
		}
		return links[i].ID < links[j].ID
	})
}
