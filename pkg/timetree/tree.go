package timetree

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Span is a query range. From after Until means newest first.
type Span struct {
	From  time.Time
	Until time.Time
}

// Order derives the traversal direction from the span's endpoints
func (s Span) Order() Order {
	if s.From.After(s.Until) {
		return Desc
	}
	return Asc
}

// Bounds returns the span's endpoints earliest first
func (s Span) Bounds() (lo, hi time.Time) {
	if s.From.After(s.Until) {
		return s.Until.UTC(), s.From.UTC()
	}
	return s.From.UTC(), s.Until.UTC()
}

// Includes reports whether t lies within the closed span
func (s Span) Includes(t time.Time) bool {
	lo, hi := s.Bounds()
	return !t.Before(lo) && !t.After(hi)
}

// validate rejects spans narrower than one bucket or outside the
// indexable range
func (s Span) validate(interval time.Duration) error {
	lo, hi := s.Bounds()
	if err := checkInstant(lo); err != nil {
		return err
	}
	if err := checkInstant(hi); err != nil {
		return err
	}
	if hi.Sub(lo) < interval {
		return requestErrorf("time span %s to %s is shorter than bucket interval %v",
			s.From.UTC().Format(time.RFC3339Nano), s.Until.UTC().Format(time.RFC3339Nano), interval)
	}
	return nil
}

// BucketRef is a bucket resolved to its tree path and address
type BucketRef struct {
	Bucket Bucket
	Path   storage.Path
	Addr   storage.Addr
}

// Visitor receives each bucket overlapping a span. Returning done asks
// the walk to stop once the current container has been drained.
type Visitor func(ctx context.Context, ref BucketRef) (done bool, err error)

// Tree resolves time spans against the index tree held in a Store
type Tree struct {
	store    storage.Store
	settings Settings
	log      zerolog.Logger
}

// Option configures a Tree
type Option func(*Tree)

// WithLogger sets the tree's logger
func WithLogger(log zerolog.Logger) Option {
	return func(t *Tree) {
		t.log = log
	}
}

// New creates a Tree over store
func New(store storage.Store, settings Settings, opts ...Option) *Tree {
	t := &Tree{
		store:    store,
		settings: settings,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Settings returns the tree's configuration
func (t *Tree) Settings() Settings {
	return t.settings
}

// Store returns the underlying store
func (t *Tree) Store() storage.Store {
	return t.store
}

// Insert materializes the path of the bucket holding at and returns it.
// Buckets starting after the store's clock are rejected.
func (t *Tree) Insert(ctx context.Context, name string, at time.Time) (BucketRef, error) {
	if err := checkInstant(at); err != nil {
		return BucketRef{}, err
	}
	b := BucketFor(at, t.settings.interval)
	if err := t.settings.ValidateBucket(b, t.store.Now()); err != nil {
		return BucketRef{}, err
	}

	path := t.settings.BucketPath(name, b)
	if err := t.store.EnsurePath(ctx, path); err != nil {
		return BucketRef{}, err
	}
	return BucketRef{Bucket: b, Path: path, Addr: t.store.PathAddr(path)}, nil
}

// Ref resolves b under index name without touching the store
func (t *Tree) Ref(name string, b Bucket) BucketRef {
	path := t.settings.BucketPath(name, b)
	return BucketRef{Bucket: b, Path: path, Addr: t.store.PathAddr(path)}
}

// Walk visits every bucket of index name overlapping span using strategy
func (t *Tree) Walk(ctx context.Context, strategy Strategy, name string, span Span, visit Visitor) error {
	if err := span.validate(t.settings.interval); err != nil {
		return err
	}
	if strategy == DFS {
		return t.walkDFS(ctx, name, span, visit)
	}
	return t.walkBFS(ctx, name, span, visit)
}

// searchBounds widens span's lower end by one interval. A bucket is filed
// under the container of its start, which may precede lo when the interval
// does not divide the container's unit.
func (t *Tree) searchBounds(span Span) (lo, hi time.Time) {
	lo, hi = span.Bounds()
	return lo.Add(time.Nanosecond - t.settings.interval), hi
}

// root returns the deepest path shared by both search bounds of span and
// the granularities still to be resolved below it
func (t *Tree) root(name string, span Span) (storage.Path, []Granularity) {
	lo, hi := t.searchBounds(span)
	prefix, remaining := t.settings.FindDivergentPrefix(lo, hi)
	root := make(storage.Path, 0, 1+len(prefix))
	root = append(root, EncodeName(name))
	return append(root, prefix...), remaining
}

// withinLevel reports whether child, a path ending at granularity g, lies
// inside [lo, hi] when compared at that granularity
func withinLevel(child storage.Path, lo, hi time.Time, g Granularity) (bool, error) {
	at, err := PathTime(child)
	if err != nil {
		return false, err
	}
	return !at.Before(g.truncate(lo)) && !at.After(g.truncate(hi)), nil
}

// nextLevel fetches the children of path at granularity g that fall
// inside span, best first for the span's order
func (t *Tree) nextLevel(ctx context.Context, path storage.Path, span Span, g Granularity) ([]storage.Path, error) {
	if !t.settings.Enabled(g) {
		return nil, internalErrorf("granularity %s is not enabled", g)
	}
	children, err := t.store.ChildrenOf(ctx, path)
	if err != nil {
		return nil, err
	}

	type keyed struct {
		path storage.Path
		at   time.Time
	}
	lo, hi := t.searchBounds(span)
	kept := make([]keyed, 0, len(children))
	for _, child := range children {
		ok, err := withinLevel(child, lo, hi, g)
		if err != nil {
			return nil, err
		}
		if ok {
			at, _ := PathTime(child)
			kept = append(kept, keyed{path: child, at: at})
		}
	}

	desc := span.Order() == Desc
	sort.SliceStable(kept, func(i, j int) bool {
		if desc {
			return kept[i].at.After(kept[j].at)
		}
		return kept[i].at.Before(kept[j].at)
	})

	out := make([]storage.Path, len(kept))
	for i, k := range kept {
		out[i] = k.path
	}
	return out, nil
}

// bucketsUnder decodes the buckets held by container that overlap span,
// ordered for the span's direction
func (t *Tree) bucketsUnder(ctx context.Context, container storage.Path, span Span) ([]BucketRef, error) {
	children, err := t.store.ChildrenOf(ctx, container)
	if err != nil {
		return nil, err
	}

	lo, hi := span.Bounds()
	refs := make([]BucketRef, 0, len(children))
	for _, child := range children {
		b, err := PathBucket(child)
		if err != nil {
			return nil, err
		}
		if !b.Overlaps(lo, hi) {
			continue
		}
		refs = append(refs, BucketRef{Bucket: b, Path: child, Addr: t.store.PathAddr(child)})
	}

	desc := span.Order() == Desc
	sort.Slice(refs, func(i, j int) bool {
		if desc {
			return refs[i].Bucket.From > refs[j].Bucket.From
		}
		return refs[i].Bucket.From < refs[j].Bucket.From
	})
	return refs, nil
}
