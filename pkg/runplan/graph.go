package runplan

import (
	"fmt"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// edge is a dependency: to consumes the output of from.
type edge struct {
	from string
	to   string
}

// levels groups nodes by dependency depth using Kahn's algorithm.
// Nodes within a level have no edges between them. A cycle leaves nodes
// unvisited and is reported as ErrCycle.
func levels(nodes []string, edges []edge) ([][]string, error) {
	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)

	for _, n := range nodes {
		inDegree[n] = 0
	}
	for _, e := range edges {
		if _, ok := inDegree[e.from]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q: %w", e.from, sdkerrors.ErrUnknownProcessor)
		}
		if _, ok := inDegree[e.to]; !ok {
			return nil, fmt.Errorf("edge references unknown node %q: %w", e.to, sdkerrors.ErrUnknownProcessor)
		}
		inDegree[e.to]++
		dependents[e.from] = append(dependents[e.from], e.to)
	}

	// nodes is already presentation-sorted, keep that order within a level
	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var out [][]string
	visited := 0
	for len(queue) > 0 {
		out = append(out, queue)
		visited += len(queue)

		var next []string
		for _, n := range queue {
			for _, dep := range dependents[n] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		queue = next
	}

	if visited != len(nodes) {
		return nil, fmt.Errorf("processed %d of %d processors: %w", visited, len(nodes), sdkerrors.ErrCycle)
	}
	return out, nil
}
