package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/storage/memory"
	"github.com/nicktill/timeindex/pkg/timetree"
)

var testNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestIndexer(t *testing.T, interval time.Duration, opts ...Option) *Indexer {
	t.Helper()
	store := memory.New(memory.WithClock(func() time.Time { return testNow }))
	return New(store, timetree.MustSettings(interval), opts...)
}

func putNote(t *testing.T, ix *Indexer, index, title string, at time.Time, tag storage.Tag) Note {
	t.Helper()
	note, err := NewNote(title, "", at)
	require.NoError(t, err)
	_, err = Put(context.Background(), ix, index, note, tag)
	require.NoError(t, err)
	return note
}

func titles(notes []Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.Title
	}
	return out
}

func TestThreeEntriesTwoBuckets(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	base := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	putNote(t, ix, "feed", "a", base, "post")
	putNote(t, ix, "feed", "b", base.Add(5*time.Second), "post")
	putNote(t, ix, "feed", "c", base.Add(15*time.Second), "post")

	for _, strategy := range []timetree.Strategy{timetree.BFS, timetree.DFS} {
		links, err := ix.GetLinksForTimeSpan(ctx, SpanQuery{
			Index:    "feed",
			From:     base,
			Until:    base.Add(20 * time.Second),
			Strategy: strategy,
		})
		require.NoError(t, err)
		assert.Len(t, links, 3, strategy.String())
	}

	buckets, err := ix.GetIndexesForTimeSpan(ctx, "feed", base, base.Add(20*time.Second), "")
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	first, second := buckets[0], buckets[1]
	assert.NotEqual(t, first.Addr, second.Addr)
	assert.Len(t, first.Links, 2)
	assert.Len(t, second.Links, 1)
	for _, bl := range buckets {
		assert.Equal(t, 10*time.Second, bl.Bucket.Width())
		assert.Zero(t, int64(bl.Bucket.From)%int64(10*time.Second))
	}
	assert.Equal(t, first.Bucket.Until, second.Bucket.From)
}

func TestGetLatestIndexEmpty(t *testing.T) {
	ix := newTestIndexer(t, time.Minute)

	b, err := ix.GetLatestIndex(context.Background(), "never-written")
	require.NoError(t, err)
	assert.Nil(t, b)

	bl, err := ix.LatestLinks(context.Background(), "never-written", "")
	require.NoError(t, err)
	assert.Nil(t, bl)
}

func TestRemoveIndexKeepsSiblings(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	at := testNow.Add(-time.Hour)

	gone := putNote(t, ix, "notes", "gone", at, "note")
	putNote(t, ix, "notes", "kept", at.Add(time.Second), "note")

	removed, err := ix.RemoveIndex(ctx, gone.Address())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	q := SpanQuery{Index: "notes", From: at.Add(-time.Minute), Until: at.Add(time.Minute)}
	notes, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, titles(notes))

	backLinks, err := ix.Store().GetLinks(ctx, gone.Address(), BackLinkTag)
	require.NoError(t, err)
	assert.Empty(t, backLinks)

	removed, err = ix.RemoveIndex(ctx, gone.Address())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveIndexAcrossBuckets(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()

	note := putNote(t, ix, "a", "shared", testNow.Add(-time.Hour), "note")
	_, err := ix.IndexEntry(ctx, "b", note, "note")
	require.NoError(t, err)

	removed, err := ix.RemoveIndex(ctx, note.Address())
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, index := range []string{"a", "b"} {
		links, err := ix.GetLinksForTimeSpan(ctx, SpanQuery{Index: index, From: testNow.Add(-2 * time.Hour), Until: testNow})
		require.NoError(t, err)
		assert.Empty(t, links, index)
	}
}

func TestIndexEntryIsIdempotent(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()

	note := putNote(t, ix, "notes", "twice", testNow.Add(-time.Minute), "note")
	_, err := Put(ctx, ix, "notes", note, "note")
	require.NoError(t, err)

	links, err := ix.GetLinksForTimeSpan(ctx, SpanQuery{Index: "notes", From: testNow.Add(-time.Hour), Until: testNow})
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestIndexEntryRejects(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	note, err := NewNote("n", "", testNow.Add(-time.Minute))
	require.NoError(t, err)

	_, err = ix.IndexEntry(ctx, "notes", note, ReservedTagPrefix+"mine")
	assert.ErrorIs(t, err, timetree.ErrRequest)

	_, err = ix.IndexEntry(ctx, "", note, "note")
	assert.ErrorIs(t, err, timetree.ErrRequest)

	future, err := NewNote("later", "", testNow.Add(time.Hour))
	require.NoError(t, err)
	_, err = ix.IndexEntry(ctx, "notes", future, "note")
	assert.ErrorIs(t, err, timetree.ErrRequest)

	_, err = NewNote(" ", "", testNow)
	assert.ErrorIs(t, err, timetree.ErrRequest)
}

func TestSpanNarrowerThanIntervalIsRejected(t *testing.T) {
	ix := newTestIndexer(t, time.Minute)
	ctx := context.Background()

	for _, q := range []SpanQuery{
		{Index: "notes", From: testNow.Add(-30 * time.Second), Until: testNow},
		{Index: "notes", From: testNow, Until: testNow.Add(-30 * time.Second), Strategy: timetree.DFS},
	} {
		_, err := ix.GetLinksForTimeSpan(ctx, q)
		assert.ErrorIs(t, err, timetree.ErrRequest)

		_, err = LoadForTimeSpan(ctx, ix, q, DecodeNote)
		assert.ErrorIs(t, err, timetree.ErrRequest)
	}

	_, err := ix.GetIndexesForTimeSpan(ctx, "notes", testNow.Add(-time.Second), testNow, "")
	assert.ErrorIs(t, err, timetree.ErrRequest)
}

func seedNotes(t *testing.T, ix *Indexer) []string {
	t.Helper()
	var want []string
	offsets := []time.Duration{
		50 * time.Hour,
		26 * time.Hour,
		3*time.Hour + 5*time.Second,
		3 * time.Hour,
		90 * time.Minute,
		61 * time.Minute,
		time.Minute,
		4 * time.Second,
	}
	for i, off := range offsets {
		title := fmt.Sprintf("note-%d", i)
		putNote(t, ix, "notes", title, testNow.Add(-off), "note")
		want = append(want, title)
	}
	return want
}

func TestLoadForTimeSpanStrategiesAgree(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	all := seedNotes(t, ix)

	spans := []SpanQuery{
		{Index: "notes", From: testNow.Add(-100 * time.Hour), Until: testNow},
		{Index: "notes", From: testNow, Until: testNow.Add(-100 * time.Hour)},
		{Index: "notes", From: testNow.Add(-4 * time.Hour), Until: testNow.Add(-time.Hour)},
	}
	for _, q := range spans {
		q.Strategy = timetree.BFS
		bfs, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
		require.NoError(t, err)

		q.Strategy = timetree.DFS
		dfs, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
		require.NoError(t, err)

		assert.Equal(t, titles(bfs), titles(dfs))
	}

	notes, err := LoadForTimeSpan(ctx, ix, spans[0], DecodeNote)
	require.NoError(t, err)
	assert.Equal(t, all, titles(notes))

	notes, err = LoadForTimeSpan(ctx, ix, spans[2], DecodeNote)
	require.NoError(t, err)
	assert.Equal(t, []string{"note-2", "note-3", "note-4", "note-5"}, titles(notes))
}

func TestLimitKeepsClosestToBoundary(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	seedNotes(t, ix)

	for _, strategy := range []timetree.Strategy{timetree.BFS, timetree.DFS} {
		t.Run(strategy.String(), func(t *testing.T) {
			asc := SpanQuery{Index: "notes", From: testNow.Add(-100 * time.Hour), Until: testNow, Strategy: strategy, Limit: 3}
			notes, err := LoadForTimeSpan(ctx, ix, asc, DecodeNote)
			require.NoError(t, err)
			assert.Equal(t, []string{"note-0", "note-1", "note-2"}, titles(notes))

			desc := SpanQuery{Index: "notes", From: testNow, Until: testNow.Add(-100 * time.Hour), Strategy: strategy, Limit: 3}
			notes, err = LoadForTimeSpan(ctx, ix, desc, DecodeNote)
			require.NoError(t, err)
			assert.Equal(t, []string{"note-7", "note-6", "note-5"}, titles(notes))

			links, err := ix.GetLinksForTimeSpan(ctx, desc)
			require.NoError(t, err)
			require.Len(t, links, 3)
			assert.Equal(t, testNow.Add(-4*time.Second), links[0].Timestamp)
		})
	}
}

func TestTagFilter(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	at := testNow.Add(-time.Hour)

	putNote(t, ix, "feed", "post", at, "post/public")
	putNote(t, ix, "feed", "draft", at.Add(time.Second), "draft")

	q := SpanQuery{Index: "feed", From: at.Add(-time.Minute), Until: at.Add(time.Minute), Tag: "post/"}
	notes, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
	require.NoError(t, err)
	assert.Equal(t, []string{"post"}, titles(notes))

	q.Tag = ""
	links, err := ix.GetLinksForTimeSpan(ctx, q)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestEntryTimeFilterInsideBucket(t *testing.T) {
	ix := newTestIndexer(t, time.Hour)
	ctx := context.Background()
	hour := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	putNote(t, ix, "notes", "early", hour.Add(5*time.Minute), "note")
	putNote(t, ix, "notes", "late", hour.Add(50*time.Minute), "note")

	q := SpanQuery{Index: "notes", From: hour.Add(30 * time.Minute), Until: hour.Add(2 * time.Hour)}
	notes, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
	require.NoError(t, err)
	assert.Equal(t, []string{"late"}, titles(notes))
}

type rawEntry struct {
	at   time.Time
	addr storage.Addr
}

func (e rawEntry) EntryTime() time.Time  { return e.at }
func (e rawEntry) Address() storage.Addr { return e.addr }

func TestLoadPropagatesDecodeErrors(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	at := testNow.Add(-time.Hour)

	addr, err := ix.Store().CreateEntry(ctx, []byte("not a note"))
	require.NoError(t, err)
	_, err = ix.IndexEntry(ctx, "notes", rawEntry{at: at, addr: addr}, "note")
	require.NoError(t, err)

	q := SpanQuery{Index: "notes", From: at.Add(-time.Minute), Until: at.Add(time.Minute)}
	_, err = LoadForTimeSpan(ctx, ix, q, DecodeNote)
	assert.ErrorIs(t, err, timetree.ErrDecode)
}

func TestLoadSkipsMissingEntries(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()
	at := testNow.Add(-time.Hour)

	_, err := ix.IndexEntry(ctx, "notes", rawEntry{at: at, addr: storage.HashBytes([]byte("never stored"))}, "note")
	require.NoError(t, err)

	q := SpanQuery{Index: "notes", From: at.Add(-time.Minute), Until: at.Add(time.Minute)}
	notes, err := LoadForTimeSpan(ctx, ix, q, DecodeNote)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestCurrentLatestAndPrevious(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()

	older := putNote(t, ix, "notes", "older", testNow.Add(-20*time.Second), "note")
	putNote(t, ix, "notes", "now", testNow, "note")

	current, err := ix.CurrentLinks(ctx, "notes", "")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, testNow, current.Bucket.Start())
	require.Len(t, current.Links, 1)

	latest, err := ix.GetLatestIndex(ctx, "notes")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, current.Bucket, *latest)

	prev, err := ix.PreviousIndex(ctx, "notes", *latest, 2, "")
	require.NoError(t, err)
	require.Len(t, prev.Links, 1)
	assert.Equal(t, older.Address(), prev.Links[0].Target)

	empty, err := ix.PreviousIndex(ctx, "notes", *latest, 1, "")
	require.NoError(t, err)
	assert.Empty(t, empty.Links)

	_, err = ix.PreviousIndex(ctx, "notes", *latest, -1, "")
	assert.ErrorIs(t, err, timetree.ErrRequest)
}

func TestGetAddressesSince(t *testing.T) {
	ix := newTestIndexer(t, 10*time.Second)
	ctx := context.Background()

	putNote(t, ix, "notes", "old", testNow.Add(-3*time.Hour), "note")
	putNote(t, ix, "notes", "recent", testNow.Add(-10*time.Minute), "note")

	buckets, err := ix.GetAddressesSince(ctx, "notes", testNow.Add(-time.Hour), "")
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Len(t, buckets[0].Links, 1)
}

type recordingObserver struct {
	mu      sync.Mutex
	queries []string
	errs    int
}

func (r *recordingObserver) ObserveQuery(strategy string, _ time.Duration, _ int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, strategy)
	if err != nil {
		r.errs++
	}
}

func TestObserverSeesQueries(t *testing.T) {
	obs := &recordingObserver{}
	ix := newTestIndexer(t, 10*time.Second, WithObserver(obs))
	ctx := context.Background()

	_, err := ix.GetLinksForTimeSpan(ctx, SpanQuery{Index: "notes", From: testNow.Add(-time.Hour), Until: testNow, Strategy: timetree.DFS})
	require.NoError(t, err)

	_, err = LoadForTimeSpan(ctx, ix, SpanQuery{Index: "notes", From: testNow, Until: testNow}, DecodeNote)
	require.True(t, errors.Is(err, timetree.ErrRequest))

	assert.Equal(t, []string{"dfs", "bfs"}, obs.queries)
	assert.Equal(t, 1, obs.errs)
}
