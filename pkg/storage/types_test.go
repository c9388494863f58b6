package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPathFraming(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOf(rapid.SliceOf(rapid.Byte())).Draw(t, "components")
		p := make(Path, len(raw))
		for i, c := range raw {
			p[i] = Component(c)
		}

		decoded, err := DecodePath(EncodePath(p))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !decoded.Equal(p) {
			t.Fatalf("round trip changed path: %q -> %q", p, decoded)
		}
	})
}

func TestDecodePath_Corrupt(t *testing.T) {
	good := EncodePath(Path{Component("idx"), Component("2024")})

	for name, data := range map[string][]byte{
		"empty":          nil,
		"truncated":      good[:len(good)-1],
		"trailing bytes": append(append([]byte(nil), good...), 0),
		"huge count":     {0xff, 0x01},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePath(data)
			assert.ErrorIs(t, err, ErrCorruptPath)
		})
	}
}

func TestHashPath_PrefixFree(t *testing.T) {
	// Framing keeps ("ab") and ("a","b") distinct
	assert.NotEqual(t,
		HashPath(Path{Component("ab")}),
		HashPath(Path{Component("a"), Component("b")}))
	assert.NotEqual(t, HashPath(Path{Component("x")}), HashBytes([]byte("x")))
}

func TestAddr_Text(t *testing.T) {
	a := HashBytes([]byte("entry"))

	parsed, err := ParseAddr(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
	assert.False(t, a.IsZero())
	assert.True(t, Addr{}.IsZero())

	_, err = ParseAddr("zz")
	assert.Error(t, err)
	_, err = ParseAddr("abcd")
	assert.Error(t, err)
}

func TestTagMatches(t *testing.T) {
	assert.True(t, Tag("note/work").Matches(""))
	assert.True(t, Tag("note/work").Matches("note/"))
	assert.False(t, Tag("photo").Matches("note/"))
}

func TestNewLink_StableID(t *testing.T) {
	req := LinkRequest{
		Base:      HashBytes([]byte("b")),
		Target:    HashBytes([]byte("t")),
		Tag:       "note",
		Timestamp: time.Date(2021, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600)),
	}
	l1, l2 := NewLink(req), NewLink(req)
	assert.Equal(t, l1.ID, l2.ID)
	assert.Equal(t, time.UTC, l1.Timestamp.Location())

	req.Tag = "other"
	assert.NotEqual(t, l1.ID, NewLink(req).ID)
}

func TestSortLinks(t *testing.T) {
	t0 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	links := []Link{
		{ID: 3, Timestamp: t0.Add(time.Second)},
		{ID: 2, Timestamp: t0},
		{ID: 1, Timestamp: t0},
	}
	SortLinks(links)
	assert.Equal(t, []LinkID{1, 2, 3}, []LinkID{links[0].ID, links[1].ID, links[2].ID})
}
