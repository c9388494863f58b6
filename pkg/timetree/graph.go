package timetree

import "github.com/nicktill/timeindex/pkg/storage"

// node is a tree path discovered during a depth-first walk
type node struct {
	path     storage.Path
	children []int
	expanded bool
}

// graph is an arena of discovered nodes; ids are slice indices
type graph struct {
	nodes []node
}

func (g *graph) add(path storage.Path, parent int) int {
	id := len(g.nodes)
	g.nodes = append(g.nodes, node{path: path})
	if parent >= 0 {
		g.nodes[parent].children = append(g.nodes[parent].children, id)
	}
	return id
}

// expand records the children of id, in the order given
func (g *graph) expand(id int, paths []storage.Path) {
	g.nodes[id].expanded = true
	for _, p := range paths {
		g.add(p, id)
	}
}
