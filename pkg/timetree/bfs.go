package timetree

import (
	"context"

	"github.com/nicktill/timeindex/pkg/storage"
)

// Expand replaces every path with its children at granularity g that fall
// inside span. Disabled granularities pass paths through unchanged.
func (t *Tree) Expand(ctx context.Context, paths []storage.Path, span Span, g Granularity) ([]storage.Path, error) {
	if !t.settings.Enabled(g) {
		return paths, nil
	}

	var next []storage.Path
	for _, path := range paths {
		children, err := t.nextLevel(ctx, path, span, g)
		if err != nil {
			return nil, err
		}
		next = append(next, children...)
	}
	return next, nil
}

// Containers resolves every terminal container of index name that can hold
// buckets inside span, expanding one level at a time.
func (t *Tree) Containers(ctx context.Context, name string, span Span) ([]storage.Path, error) {
	root, remaining := t.root(name, span)
	frontier := []storage.Path{root}

	for _, g := range remaining {
		var err error
		frontier, err = t.Expand(ctx, frontier, span, g)
		if err != nil {
			return nil, err
		}
		if len(frontier) == 0 {
			break
		}
	}
	return frontier, nil
}

func (t *Tree) walkBFS(ctx context.Context, name string, span Span, visit Visitor) error {
	containers, err := t.Containers(ctx, name, span)
	if err != nil {
		return err
	}

	t.log.Debug().
		Str("index", name).
		Int("containers", len(containers)).
		Msg("bfs resolved containers")

	for _, container := range containers {
		refs, err := t.bucketsUnder(ctx, container, span)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if _, err := visit(ctx, ref); err != nil {
				return err
			}
		}
	}
	return nil
}
