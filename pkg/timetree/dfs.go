package timetree

import (
	"context"
)

// walkDFS descends to the best container for the span's order first and
// only expands siblings when the visitor still wants more buckets. Each
// node's children are fetched at most once.
func (t *Tree) walkDFS(ctx context.Context, name string, span Span, visit Visitor) error {
	root, remaining := t.root(name, span)
	containerLen := t.settings.ContainerLen()

	g := &graph{}
	parent := -1
	for i := 1; i <= len(root); i++ {
		parent = g.add(root.Prefix(i), parent)
		g.nodes[parent].expanded = true
	}

	// Initial descent along the best child at each remaining level
	cursor := parent
	for _, level := range remaining {
		kids, err := t.nextLevel(ctx, g.nodes[cursor].path, span, level)
		if err != nil {
			return err
		}
		g.expand(cursor, kids)
		if len(kids) == 0 {
			break
		}
		cursor = g.nodes[cursor].children[0]
	}

	stack := []int{0}
	visited := make(map[int]bool)
	fetches := 0

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true

		depth := len(g.nodes[id].path)
		switch {
		case depth == containerLen:
			refs, err := t.bucketsUnder(ctx, g.nodes[id].path, span)
			if err != nil {
				return err
			}
			fetches++

			done := false
			for _, ref := range refs {
				stop, err := visit(ctx, ref)
				if err != nil {
					return err
				}
				done = done || stop
			}
			if done {
				t.log.Debug().
					Str("index", name).
					Int("nodes", len(g.nodes)).
					Int("containers", fetches).
					Msg("dfs stopped early")
				return nil
			}
			continue

		case depth > containerLen:
			return internalErrorf("node of length %d below container length %d", depth, containerLen)

		case !g.nodes[id].expanded:
			level, err := granularityForLen(depth)
			if err != nil {
				return err
			}
			kids, err := t.nextLevel(ctx, g.nodes[id].path, span, level)
			if err != nil {
				return err
			}
			g.expand(id, kids)
		}

		children := g.nodes[id].children
		for i := len(children) - 1; i >= 0; i-- {
			if !visited[children[i]] {
				stack = append(stack, children[i])
			}
		}
	}

	t.log.Debug().
		Str("index", name).
		Int("nodes", len(g.nodes)).
		Int("containers", fetches).
		Msg("dfs exhausted span")
	return nil
}
