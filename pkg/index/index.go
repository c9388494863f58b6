// Package index indexes application entries into a time tree and answers
// range queries over them.
//
// Indexing an entry links the bucket covering its timestamp to the entry,
// and the entry back to the bucket so the index can later be removed
// without knowing where the entry was filed.
package index

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/storage"
	"github.com/nicktill/timeindex/pkg/timetree"
)

// ReservedTagPrefix is used by links the indexer manages itself.
// Application tags may not start with it.
const ReservedTagPrefix storage.Tag = "timeindex/"

// BackLinkTag labels entry -> bucket links
const BackLinkTag = ReservedTagPrefix + "bucket"

// Entry is an application record that can be indexed by time
type Entry interface {
	EntryTime() time.Time
	Address() storage.Addr
}

// SpanQuery selects links or entries of one index within a time span.
// From after Until returns results newest first.
type SpanQuery struct {
	Index    string
	From     time.Time
	Until    time.Time
	Tag      storage.Tag
	Strategy timetree.Strategy
	// Limit caps the number of results; 0 means unlimited
	Limit int
}

func (q SpanQuery) span() timetree.Span {
	return timetree.Span{From: q.From, Until: q.Until}
}

// BucketLinks is a bucket with the links filed under it
type BucketLinks struct {
	Bucket timetree.Bucket `json:"bucket"`
	Addr   storage.Addr    `json:"addr"`
	Links  []storage.Link  `json:"links"`
}

// QueryObserver receives the outcome of every span query
type QueryObserver interface {
	ObserveQuery(strategy string, elapsed time.Duration, results int, err error)
}

// Indexer is the entry point for indexing and querying
type Indexer struct {
	tree     *timetree.Tree
	store    storage.Store
	log      zerolog.Logger
	observer QueryObserver
}

// Option configures an Indexer
type Option func(*Indexer)

// WithLogger sets the indexer's logger. The tree logs through it as well.
func WithLogger(log zerolog.Logger) Option {
	return func(ix *Indexer) {
		ix.log = log
	}
}

// WithObserver reports query outcomes to o
func WithObserver(o QueryObserver) Option {
	return func(ix *Indexer) {
		ix.observer = o
	}
}

// New creates an Indexer over store
func New(store storage.Store, settings timetree.Settings, opts ...Option) *Indexer {
	ix := &Indexer{
		store: store,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	ix.tree = timetree.New(store, settings, timetree.WithLogger(ix.log))
	return ix
}

// Settings returns the index configuration
func (ix *Indexer) Settings() timetree.Settings {
	return ix.tree.Settings()
}

// Store returns the underlying store
func (ix *Indexer) Store() storage.Store {
	return ix.store
}

// IndexEntry files entry under the bucket covering its timestamp and
// links it with tag. Indexing the same entry twice is a no-op.
func (ix *Indexer) IndexEntry(ctx context.Context, index string, entry Entry, tag storage.Tag) (timetree.BucketRef, error) {
	if index == "" {
		return timetree.BucketRef{}, fmt.Errorf("%w: index name is required", timetree.ErrRequest)
	}
	if tag.Matches(ReservedTagPrefix) {
		return timetree.BucketRef{}, fmt.Errorf("%w: tag %q uses reserved prefix %q", timetree.ErrRequest, tag, ReservedTagPrefix)
	}

	at := entry.EntryTime()
	ref, err := ix.tree.Insert(ctx, index, at)
	if err != nil {
		return timetree.BucketRef{}, err
	}

	_, err = ix.store.CreateLink(ctx, storage.LinkRequest{
		Base:      ref.Addr,
		Target:    entry.Address(),
		Tag:       tag,
		Timestamp: at,
	})
	if err != nil {
		return timetree.BucketRef{}, fmt.Errorf("failed to link bucket to entry: %w", err)
	}

	_, err = ix.store.CreateLink(ctx, storage.LinkRequest{
		Base:      entry.Address(),
		Target:    ref.Addr,
		Tag:       BackLinkTag,
		Timestamp: at,
	})
	if err != nil {
		return timetree.BucketRef{}, fmt.Errorf("failed to link entry to bucket: %w", err)
	}

	ix.log.Debug().
		Str("index", index).
		Stringer("entry", entry.Address()).
		Stringer("bucket", ref.Bucket).
		Msg("indexed entry")
	return ref, nil
}

// RemoveIndex unlinks addr from every bucket it was filed under and
// returns the number of forward links removed. Siblings in the same
// buckets are untouched. Removing an unindexed entry removes nothing.
func (ix *Indexer) RemoveIndex(ctx context.Context, addr storage.Addr) (int, error) {
	backLinks, err := ix.store.GetLinks(ctx, addr, BackLinkTag)
	if err != nil {
		return 0, fmt.Errorf("failed to read back-links of %s: %w", addr, err)
	}

	removed := 0
	for _, back := range backLinks {
		forward, err := ix.store.GetLinks(ctx, back.Target, "")
		if err != nil {
			return removed, fmt.Errorf("failed to read links of bucket %s: %w", back.Target, err)
		}
		for _, link := range forward {
			if link.Target != addr || link.Tag.Matches(ReservedTagPrefix) {
				continue
			}
			if err := ix.store.DeleteLink(ctx, link.ID); err != nil {
				return removed, fmt.Errorf("failed to delete link %d: %w", link.ID, err)
			}
			removed++
		}
	}

	for _, back := range backLinks {
		if err := ix.store.DeleteLink(ctx, back.ID); err != nil {
			return removed, fmt.Errorf("failed to delete back-link %d: %w", back.ID, err)
		}
	}

	ix.log.Debug().
		Stringer("entry", addr).
		Int("buckets", len(backLinks)).
		Int("links", removed).
		Msg("removed index")
	return removed, nil
}

// GetIndexesForTimeSpan returns every bucket of index overlapping the span
// with all of its links matching tag, walked breadth first
func (ix *Indexer) GetIndexesForTimeSpan(ctx context.Context, index string, from, until time.Time, tag storage.Tag) ([]BucketLinks, error) {
	var out []BucketLinks
	err := ix.tree.Walk(ctx, timetree.BFS, index, timetree.Span{From: from, Until: until},
		func(ctx context.Context, ref timetree.BucketRef) (bool, error) {
			bl, err := ix.bucketLinks(ctx, ref, tag)
			if err != nil {
				return false, err
			}
			out = append(out, *bl)
			return false, nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLinksForTimeSpan returns links of index whose entry time lies in the
// span, sorted by entry time in the span's order and capped at q.Limit
func (ix *Indexer) GetLinksForTimeSpan(ctx context.Context, q SpanQuery) ([]storage.Link, error) {
	start := time.Now()
	span := q.span()

	var out []storage.Link
	err := ix.tree.Walk(ctx, q.Strategy, q.Index, span, func(ctx context.Context, ref timetree.BucketRef) (bool, error) {
		links, err := ix.store.GetLinks(ctx, ref.Addr, q.Tag)
		if err != nil {
			return false, fmt.Errorf("failed to read links of bucket %s: %w", ref.Bucket, err)
		}
		for _, link := range links {
			if span.Includes(link.Timestamp) {
				out = append(out, link)
			}
		}
		return q.Limit > 0 && len(out) >= q.Limit, nil
	})
	if err != nil {
		ix.observe(q.Strategy, start, 0, err)
		return nil, err
	}

	storage.SortLinks(out)
	if span.Order() == timetree.Desc {
		reverse(out)
	}
	out = truncate(out, q.Limit)

	ix.observe(q.Strategy, start, len(out), nil)
	return out, nil
}

// LoadForTimeSpan resolves the span to links, loads each linked entry and
// decodes it. Entries outside the span by their own time are dropped.
// Results are sorted by entry time in the span's order and capped at q.Limit.
func LoadForTimeSpan[T Entry](ctx context.Context, ix *Indexer, q SpanQuery, decode func([]byte) (T, error)) ([]T, error) {
	start := time.Now()
	span := q.span()
	seen := make(map[storage.Addr]bool)

	var out []T
	err := ix.tree.Walk(ctx, q.Strategy, q.Index, span, func(ctx context.Context, ref timetree.BucketRef) (bool, error) {
		links, err := ix.store.GetLinks(ctx, ref.Addr, q.Tag)
		if err != nil {
			return false, fmt.Errorf("failed to read links of bucket %s: %w", ref.Bucket, err)
		}
		for _, link := range links {
			if seen[link.Target] {
				continue
			}
			seen[link.Target] = true

			data, found, err := ix.store.GetEntry(ctx, link.Target)
			if err != nil {
				return false, fmt.Errorf("failed to load entry %s: %w", link.Target, err)
			}
			if !found {
				ix.log.Warn().
					Stringer("entry", link.Target).
					Stringer("bucket", ref.Bucket).
					Msg("linked entry not found")
				continue
			}

			item, err := decode(data)
			if err != nil {
				return false, fmt.Errorf("%w: entry %s: %v", timetree.ErrDecode, link.Target, err)
			}
			if span.Includes(item.EntryTime()) {
				out = append(out, item)
			}
		}
		return q.Limit > 0 && len(out) >= q.Limit, nil
	})
	if err != nil {
		ix.observe(q.Strategy, start, 0, err)
		return nil, err
	}

	desc := span.Order() == timetree.Desc
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return out[i].EntryTime().After(out[j].EntryTime())
		}
		return out[i].EntryTime().Before(out[j].EntryTime())
	})
	out = truncate(out, q.Limit)

	ix.observe(q.Strategy, start, len(out), nil)
	return out, nil
}

// GetAddressesSince returns every bucket of index from since up to the
// store's current time, with links matching tag
func (ix *Indexer) GetAddressesSince(ctx context.Context, index string, since time.Time, tag storage.Tag) ([]BucketLinks, error) {
	return ix.GetIndexesForTimeSpan(ctx, index, since, ix.store.Now(), tag)
}

// GetCurrentIndex returns the newest bucket in the container covering the
// store's current time, or nil
func (ix *Indexer) GetCurrentIndex(ctx context.Context, index string) (*timetree.Bucket, error) {
	ref, err := ix.tree.Current(ctx, index)
	if err != nil || ref == nil {
		return nil, err
	}
	return &ref.Bucket, nil
}

// GetLatestIndex returns the newest bucket of index, or nil if the index
// has never been written
func (ix *Indexer) GetLatestIndex(ctx context.Context, index string) (*timetree.Bucket, error) {
	ref, err := ix.tree.Latest(ctx, index)
	if err != nil || ref == nil {
		return nil, err
	}
	return &ref.Bucket, nil
}

// CurrentLinks is GetCurrentIndex plus the bucket's links matching tag
func (ix *Indexer) CurrentLinks(ctx context.Context, index string, tag storage.Tag) (*BucketLinks, error) {
	ref, err := ix.tree.Current(ctx, index)
	if err != nil || ref == nil {
		return nil, err
	}
	return ix.bucketLinks(ctx, *ref, tag)
}

// LatestLinks is GetLatestIndex plus the bucket's links matching tag
func (ix *Indexer) LatestLinks(ctx context.Context, index string, tag storage.Tag) (*BucketLinks, error) {
	ref, err := ix.tree.Latest(ctx, index)
	if err != nil || ref == nil {
		return nil, err
	}
	return ix.bucketLinks(ctx, *ref, tag)
}

// PreviousIndex returns the bucket n intervals before b with its links.
// The bucket need not have been written; its link list is then empty.
func (ix *Indexer) PreviousIndex(ctx context.Context, index string, b timetree.Bucket, n int, tag storage.Tag) (*BucketLinks, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: cannot step back %d buckets", timetree.ErrRequest, n)
	}
	return ix.bucketLinks(ctx, ix.tree.Ref(index, b.Previous(n)), tag)
}

func (ix *Indexer) bucketLinks(ctx context.Context, ref timetree.BucketRef, tag storage.Tag) (*BucketLinks, error) {
	links, err := ix.store.GetLinks(ctx, ref.Addr, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to read links of bucket %s: %w", ref.Bucket, err)
	}
	if links == nil {
		links = []storage.Link{}
	}
	return &BucketLinks{Bucket: ref.Bucket, Addr: ref.Addr, Links: links}, nil
}

func (ix *Indexer) observe(strategy timetree.Strategy, start time.Time, results int, err error) {
	if ix.observer != nil {
		ix.observer.ObserveQuery(strategy.String(), time.Since(start), results, err)
	}
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
