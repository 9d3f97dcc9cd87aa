package workflow

import (
	"fmt"
	"strings"
)

// Graph is the partial order among a definition's jobs derived from
// their `needs` declarations. Jobs with no unmet dependency may run
// concurrently; ties between runnable jobs are broken by declaration
// order so runs are reproducible.
type Graph struct {
	order      []string            // job ids in declaration order
	needs      map[string][]string // job id -> direct predecessors
	dependents map[string][]string // job id -> direct successors
}

// CycleError names the offending dependency cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Graph builds the dependency graph for the definition. Needs edges
// must reference declared jobs (checked by Validate); a cycle yields a
// CycleError and no graph.
func (d *Definition) Graph() (*Graph, error) {
	g := &Graph{
		needs:      make(map[string][]string, len(d.Jobs)),
		dependents: make(map[string][]string, len(d.Jobs)),
	}

	for _, job := range d.Jobs {
		g.order = append(g.order, job.ID)
		g.needs[job.ID] = append([]string(nil), job.Needs...)
		for _, need := range job.Needs {
			g.dependents[need] = append(g.dependents[need], job.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}

	return g, nil
}

// Order returns all job ids in declaration order.
func (g *Graph) Order() []string {
	return g.order
}

// Needs returns the direct predecessors of a job.
func (g *Graph) Needs(id string) []string {
	return g.needs[id]
}

// Dependents returns the direct successors of a job.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Layers produces a topological layering: layer 0 holds jobs with no
// dependencies, layer N holds jobs whose needs are all in earlier
// layers. Within a layer, jobs keep declaration order.
func (g *Graph) Layers() [][]string {
	depth := make(map[string]int, len(g.order))

	var layerOf func(id string) int
	layerOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, need := range g.needs[id] {
			if d := layerOf(need) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}

	height := 0
	for _, id := range g.order {
		if d := layerOf(id); d > height {
			height = d
		}
	}

	layers := make([][]string, height+1)
	for _, id := range g.order {
		d := depth[id]
		layers[d] = append(layers[d], id)
	}
	return layers
}

// TransitiveDependents returns every job downstream of id, in
// declaration order.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependents[id] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	var out []string
	for _, jid := range g.order {
		if seen[jid] {
			out = append(out, jid)
		}
	}
	return out
}

// findCycle runs a DFS with coloring over the needs edges and returns
// the cycle path if one exists. Traversal follows declaration order so
// the reported cycle is deterministic.
func (g *Graph) findCycle() []string {
	const (
		white = iota // unvisited
		gray         // in progress
		black        // done
	)

	color := make(map[string]int, len(g.order))
	var path []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for _, need := range g.needs[id] {
			if color[need] == gray {
				// close the loop for readability: a -> b -> a
				start := 0
				for i, n := range path {
					if n == need {
						start = i
						break
					}
				}
				return append(append([]string(nil), path[start:]...), need)
			}
			if color[need] == white {
				if cycle := dfs(need); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}
