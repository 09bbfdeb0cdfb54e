package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/gammazero/toposort"
	"go.uber.org/zap"
)

// CycleError reports a dependency cycle found while ordering. The order
// returned alongside it still covers every node, with the closing edge of
// the cycle ignored, so callers can choose between failing and degrading.
type CycleError struct {
	NodeID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected at node %q", e.NodeID)
}

// StuckError reports nodes that could not be placed into any batch because
// of a residual cycle or unsatisfiable dependency.
type StuckError struct {
	Remaining []string
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("batch planning stalled with %d unschedulable nodes: %s",
		len(e.Remaining), strings.Join(e.Remaining, ", "))
}

// ExecutionOrder returns node IDs in dependency-first order via depth-first
// traversal. Encountering a node that is still on the visit stack closes a
// cycle: the back edge is skipped with a diagnostic instead of aborting, and
// the partial order is returned together with a *CycleError naming the node.
func (g *Graph) ExecutionOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		unvisited = iota
		visiting
		visited
	)

	state := make([]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var cycleErr *CycleError

	var visit func(i int)
	visit = func(i int) {
		switch state[i] {
		case visited:
			return
		case visiting:
			if cycleErr == nil {
				cycleErr = &CycleError{NodeID: g.nodes[i].ID}
			}
			g.logger.Warn("dependency cycle detected, skipping back edge",
				zap.String("graph", g.id),
				zap.String("node", g.nodes[i].ID))
			return
		}

		state[i] = visiting
		for _, dep := range g.nodes[i].DependsOn {
			visit(dep)
		}
		state[i] = visited
		order = append(order, g.nodes[i].ID)
	}

	for i := range g.nodes {
		visit(i)
	}

	if cycleErr != nil {
		return order, cycleErr
	}
	return order, nil
}

// ParallelBatches partitions node IDs into waves: every node's dependencies
// sit in strictly earlier waves, so each wave may run concurrently. The scan
// repeats over the remaining set; a pass that places nothing means the rest
// can never be scheduled, reported via *StuckError alongside the batches
// built so far.
func (g *Graph) ParallelBatches() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	done := make([]bool, len(g.nodes))
	var batches [][]string
	placed := 0

	for placed < len(g.nodes) {
		var ids []string
		var indices []int

		for i, node := range g.nodes {
			if done[i] {
				continue
			}
			ready := true
			for _, dep := range node.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				ids = append(ids, node.ID)
				indices = append(indices, i)
			}
		}

		if len(ids) == 0 {
			var remaining []string
			for i, node := range g.nodes {
				if !done[i] {
					remaining = append(remaining, node.ID)
				}
			}
			g.logger.Warn("batch planning stalled",
				zap.String("graph", g.id),
				zap.Int("remaining", len(remaining)))
			return batches, &StuckError{Remaining: remaining}
		}

		for _, i := range indices {
			done[i] = true
		}
		placed += len(ids)
		batches = append(batches, ids)
	}

	return batches, nil
}

// Depth returns the longest dependency chain in hops, counting nodes.
// A single node has depth 1.
func (g *Graph) Depth() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.depthLocked()
}

func (g *Graph) depthLocked() int {
	memo := make(map[int]int, len(g.nodes))

	var chain func(i int) int
	chain = func(i int) int {
		if d, ok := memo[i]; ok {
			return d
		}
		// Seed before recursing so a manually added back edge terminates.
		memo[i] = 0
		longest := 0
		for _, dep := range g.nodes[i].DependsOn {
			if l := chain(dep); l > longest {
				longest = l
			}
		}
		memo[i] = longest + 1
		return memo[i]
	}

	depth := 0
	for i := range g.nodes {
		if d := chain(i); d > depth {
			depth = d
		}
	}
	return depth
}

// CriticalPath returns the longest duration-weighted dependency chain: the
// sum of estimated durations along the deepest path. Memoized per call so
// diamond fan-ins stay linear instead of exponential.
func (g *Graph) CriticalPath() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.criticalPathLocked()
}

func (g *Graph) criticalPathLocked() time.Duration {
	memo := make(map[int]time.Duration, len(g.nodes))

	var chain func(i int) time.Duration
	chain = func(i int) time.Duration {
		if d, ok := memo[i]; ok {
			return d
		}
		memo[i] = 0
		longest := time.Duration(0)
		for _, dep := range g.nodes[i].DependsOn {
			if l := chain(dep); l > longest {
				longest = l
			}
		}
		memo[i] = longest + g.nodes[i].EstimatedDuration
		return memo[i]
	}

	var critical time.Duration
	for i := range g.nodes {
		if d := chain(i); d > critical {
			critical = d
		}
	}
	return critical
}

// Validate runs a whole-graph topological sort over the edge list using
// gammazero/toposort. Build keeps graphs acyclic by construction; Validate
// exists for graphs modified afterwards through AddNode and AddEdge.
// Returns the sorted node IDs, or an error on a cycle or lost node.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var edges []toposort.Edge
	for _, node := range g.nodes {
		if len(node.DependsOn) == 0 {
			// No dependencies - edge from nil keeps the node in the sort
			edges = append(edges, toposort.Edge{nil, node.ID})
			continue
		}
		for _, dep := range node.DependsOn {
			// Edge (dep, node) means dep must come before node
			edges = append(edges, toposort.Edge{g.nodes[dep].ID, node.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("graph contains cycle: %w", err)
	}

	order := make([]string, 0, len(g.nodes))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.nodes) {
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		missing := []string{}
		for _, node := range g.nodes {
			if !found[node.ID] {
				missing = append(missing, node.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d nodes: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
