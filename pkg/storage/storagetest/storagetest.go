// Package storagetest holds the behaviour every storage.Store backend must
// share, run by each backend's own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Opener returns a fresh, empty store. Run closes it.
type Opener func(t *testing.T) storage.Store

var base = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func path(parts ...string) storage.Path {
	p := make(storage.Path, len(parts))
	for i, s := range parts {
		p[i] = storage.Component(s)
	}
	return p
}

// Run exercises open's store against the storage.Store contract
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"EnsurePathAndChildren", testEnsurePath},
		{"Entries", testEntries},
		{"Links", testLinks},
		{"DeleteLink", testDeleteLink},
		{"CanceledContext", testCanceled},
		{"ConcurrentLinks", testConcurrentLinks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func testEnsurePath(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.EnsurePath(ctx, path("idx", "2024", "01", "a")))
	require.NoError(t, s.EnsurePath(ctx, path("idx", "2024", "01", "b")))
	require.NoError(t, s.EnsurePath(ctx, path("idx", "2024", "02", "a")))
	// Repeating a path adds nothing
	require.NoError(t, s.EnsurePath(ctx, path("idx", "2024", "01", "a")))

	kids, err := s.ChildrenOf(ctx, path("idx"))
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.True(t, kids[0].Equal(path("idx", "2024")))

	kids, err = s.ChildrenOf(ctx, path("idx", "2024"))
	require.NoError(t, err)
	assert.Len(t, kids, 2)

	kids, err = s.ChildrenOf(ctx, path("idx", "2024", "01"))
	require.NoError(t, err)
	require.Len(t, kids, 2)
	var leaves []string
	for _, k := range kids {
		require.Len(t, k, 4)
		leaves = append(leaves, string(k[3]))
	}
	assert.ElementsMatch(t, []string{"a", "b"}, leaves)

	kids, err = s.ChildrenOf(ctx, path("other"))
	require.NoError(t, err)
	assert.Empty(t, kids)

	assert.Error(t, s.EnsurePath(ctx, nil))
	assert.Equal(t, storage.HashPath(path("idx", "2024")), s.PathAddr(path("idx", "2024")))
}

func testEntries(t *testing.T, s storage.Store) {
	ctx := context.Background()

	addr, err := s.CreateEntry(ctx, []byte(`{"title":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, storage.HashBytes([]byte(`{"title":"hello"}`)), addr)

	again, err := s.CreateEntry(ctx, []byte(`{"title":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	data, found, err := s.GetEntry(ctx, addr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"title":"hello"}`, string(data))

	_, found, err = s.GetEntry(ctx, storage.HashBytes([]byte("missing")))
	require.NoError(t, err)
	assert.False(t, found)
}

func testLinks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	from := storage.HashBytes([]byte("bucket"))
	a := storage.HashBytes([]byte("a"))
	b := storage.HashBytes([]byte("b"))

	lb, err := s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: b, Tag: "note/work", Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)
	la, err := s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: a, Tag: "note/home", Timestamp: base})
	require.NoError(t, err)
	_, err = s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: a, Tag: "photo", Timestamp: base})
	require.NoError(t, err)

	// Identical link keeps its id
	dup, err := s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: a, Tag: "note/home", Timestamp: base})
	require.NoError(t, err)
	assert.Equal(t, la.ID, dup.ID)

	all, err := s.GetLinks(ctx, from, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.False(t, all[len(all)-1].Timestamp.Before(all[0].Timestamp), "oldest first")
	assert.Equal(t, lb.ID, all[2].ID)

	notes, err := s.GetLinks(ctx, from, "note/")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, a, notes[0].Target)
	assert.Equal(t, base, notes[0].Timestamp)
	assert.Equal(t, b, notes[1].Target)

	none, err := s.GetLinks(ctx, a, "")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDeleteLink(t *testing.T, s storage.Store) {
	ctx := context.Background()
	from := storage.HashBytes([]byte("bucket"))

	keep, err := s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: storage.HashBytes([]byte("k")), Tag: "t", Timestamp: base})
	require.NoError(t, err)
	drop, err := s.CreateLink(ctx, storage.LinkRequest{Base: from, Target: storage.HashBytes([]byte("d")), Tag: "t", Timestamp: base})
	require.NoError(t, err)

	require.NoError(t, s.DeleteLink(ctx, drop.ID))
	require.NoError(t, s.DeleteLink(ctx, drop.ID), "deleting twice is not an error")

	links, err := s.GetLinks(ctx, from, "")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, keep.ID, links[0].ID)
}

func testCanceled(t *testing.T, s storage.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.EnsurePath(ctx, path("idx", "x")), context.Canceled)
	_, err := s.ChildrenOf(ctx, path("idx"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.CreateEntry(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.GetLinks(ctx, storage.Addr{}, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func testConcurrentLinks(t *testing.T, s storage.Store) {
	ctx := context.Background()
	from := storage.HashBytes([]byte("bucket"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := s.CreateLink(ctx, storage.LinkRequest{
					Base:      from,
					Target:    storage.HashBytes([]byte{byte(i), byte(j)}),
					Tag:       "t",
					Timestamp: base.Add(time.Duration(j) * time.Second),
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	links, err := s.GetLinks(ctx, from, "")
	require.NoError(t, err)
	assert.Len(t, links, 200)
}
