package timetree

import (
	"context"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Current returns the newest bucket in the container holding the store's
// current time, or nil when that container has no buckets.
func (t *Tree) Current(ctx context.Context, name string) (*BucketRef, error) {
	container := t.settings.TimePath(name, t.store.Now())
	return t.newestBucket(ctx, container)
}

// Latest follows the greatest child at every level and returns the newest
// bucket of index name. An index with no entries yields nil. A level with
// no children below the root means the tree is malformed.
func (t *Tree) Latest(ctx context.Context, name string) (*BucketRef, error) {
	path := storage.Path{EncodeName(name)}

	for _, g := range t.settings.Levels() {
		children, err := t.store.ChildrenOf(ctx, path)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			if len(path) == 1 {
				return nil, nil
			}
			return nil, internalErrorf("no %s level below %d components", g, len(path))
		}

		var best storage.Path
		var bestValue uint32
		for _, child := range children {
			if len(child) <= g.Position() {
				return nil, internalErrorf("child of length %d has no %s", len(child), g)
			}
			v, err := DecodeValue(child[g.Position()])
			if err != nil {
				return nil, err
			}
			if best == nil || v > bestValue {
				best, bestValue = child, v
			}
		}
		path = best
	}

	ref, err := t.newestBucket(ctx, path)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, internalErrorf("container without buckets at %d components", len(path))
	}
	return ref, nil
}

func (t *Tree) newestBucket(ctx context.Context, container storage.Path) (*BucketRef, error) {
	children, err := t.store.ChildrenOf(ctx, container)
	if err != nil {
		return nil, err
	}

	var newest *BucketRef
	for _, child := range children {
		b, err := PathBucket(child)
		if err != nil {
			return nil, err
		}
		if newest == nil || b.From > newest.Bucket.From {
			newest = &BucketRef{Bucket: b, Path: child, Addr: t.store.PathAddr(child)}
		}
	}
	return newest, nil
}
