package graph

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EdgeDependency is the only edge kind currently materialized.
const EdgeDependency = "dependency"

// Edge is a dependency relation between two nodes, by index.
// From must finish before To may start.
type Edge struct {
	From int
	To   int
	Kind string
}

// Metrics are derived from the node and edge sets. They are recomputed on
// every call and never stored, so they cannot drift from the graph itself.
type Metrics struct {
	NodeCount          int
	EdgeCount          int
	Depth              int           // Longest dependency chain in hops
	CriticalPath       time.Duration // Longest duration-weighted chain
	TotalEstimatedCost float64
	TotalEstimatedTime time.Duration
}

// BuildOptions carries per-graph defaults applied to every node.
type BuildOptions struct {
	Logger                     *zap.Logger
	StationOverrides           map[string]string // Task type name -> station name
	DefaultMaxRetries          int
	DefaultTimeout             time.Duration
	DefaultConfidenceThreshold float64
}

// Graph holds the nodes and dependency edges of one decomposed request.
type Graph struct {
	mu         sync.RWMutex
	id         string
	nodes      []*Node
	byID       map[string]int
	edges      []Edge
	dependents map[int][]int // node index -> indices that depend on it
	status     GraphStatus
	logger     *zap.Logger
}

// New creates an empty graph for manual assembly via AddNode and AddEdge.
func New(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		id:         uuid.New().String(),
		byID:       make(map[string]int),
		dependents: make(map[int][]int),
		status:     GraphPlanning,
		logger:     logger,
	}
}

// Build constructs a graph from decomposed task specs. Dependencies must
// reference strictly earlier specs; entries that point at the spec itself or
// ahead of it are dropped with a diagnostic and materialize no edge, which
// keeps the built graph acyclic by construction.
func Build(specs []TaskSpec, opts BuildOptions) (*Graph, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one task spec is required")
	}

	g := New(opts.Logger)

	for i, spec := range specs {
		node := newNode(i, spec, opts)
		for _, dep := range spec.Dependencies {
			if dep < 0 || dep >= i {
				g.logger.Warn("dropping invalid dependency reference",
					zap.String("graph", g.id),
					zap.Int("node", i),
					zap.Int("dependency", dep))
				continue
			}
			if containsInt(node.DependsOn, dep) {
				continue
			}
			node.DependsOn = append(node.DependsOn, dep)
			g.edges = append(g.edges, Edge{From: dep, To: i, Kind: EdgeDependency})
			g.dependents[dep] = append(g.dependents[dep], i)
		}
		g.nodes = append(g.nodes, node)
		g.byID[node.ID] = i
	}

	return g, nil
}

func newNode(index int, spec TaskSpec, opts BuildOptions) *Node {
	return &Node{
		ID:                  uuid.New().String(),
		Index:               index,
		Title:               spec.Title,
		Description:         spec.Description,
		Type:                spec.Type,
		Station:             StationFor(spec.Type, opts.StationOverrides),
		Status:              StatusPending,
		MaxRetries:          opts.DefaultMaxRetries,
		EstimatedDuration:   spec.EstimatedTime,
		EstimatedCost:       spec.EstimatedCost,
		Timeout:             opts.DefaultTimeout,
		ConfidenceThreshold: opts.DefaultConfidenceThreshold,
		DoD:                 spec.DoD,
		Validators:          append([]string(nil), spec.Validators...),
		Priority:            spec.Priority,
	}
}

// ID returns the graph identifier.
func (g *Graph) ID() string {
	return g.id
}

// AddNode appends a node after construction. The same back-reference rule as
// Build applies to the spec's dependencies. Returns a copy of the new node.
func (g *Graph) AddNode(spec TaskSpec, opts BuildOptions) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i := len(g.nodes)
	node := newNode(i, spec, opts)
	for _, dep := range spec.Dependencies {
		if dep < 0 || dep >= i {
			g.logger.Warn("dropping invalid dependency reference",
				zap.String("graph", g.id),
				zap.Int("node", i),
				zap.Int("dependency", dep))
			continue
		}
		if containsInt(node.DependsOn, dep) {
			continue
		}
		node.DependsOn = append(node.DependsOn, dep)
		g.edges = append(g.edges, Edge{From: dep, To: i, Kind: EdgeDependency})
		g.dependents[dep] = append(g.dependents[dep], i)
	}
	g.nodes = append(g.nodes, node)
	g.byID[node.ID] = i

	return cloneNode(node), nil
}

// AddEdge inserts a dependency edge between existing nodes. Unlike Build it
// does not enforce the back-reference rule, so it can introduce a cycle;
// callers editing a graph by hand should re-run Validate or accept the
// degraded orders ExecutionOrder returns.
func (g *Graph) AddEdge(from, to int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if from < 0 || from >= len(g.nodes) {
		return fmt.Errorf("edge source %d out of range", from)
	}
	if to < 0 || to >= len(g.nodes) {
		return fmt.Errorf("edge target %d out of range", to)
	}
	if from == to {
		return fmt.Errorf("node %d cannot depend on itself", from)
	}
	if containsInt(g.nodes[to].DependsOn, from) {
		return nil
	}

	g.nodes[to].DependsOn = append(g.nodes[to].DependsOn, from)
	g.edges = append(g.edges, Edge{From: from, To: to, Kind: EdgeDependency})
	g.dependents[from] = append(g.dependents[from], to)
	return nil
}

// Node returns a copy of the node at the given index.
func (g *Graph) Node(index int) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if index < 0 || index >= len(g.nodes) {
		return nil, false
	}
	return cloneNode(g.nodes[index]), true
}

// NodeByID returns a copy of the node with the given ID.
func (g *Graph) NodeByID(id string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, exists := g.byID[id]
	if !exists {
		return nil, false
	}
	return cloneNode(g.nodes[i]), true
}

// Nodes returns copies of all nodes in index order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		nodes = append(nodes, cloneNode(node))
	}
	return nodes
}

// Edges returns a copy of the edge list.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return append([]Edge(nil), g.edges...)
}

// Dependents returns the indices of nodes that depend on the given index.
func (g *Graph) Dependents(index int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return append([]int(nil), g.dependents[index]...)
}

// Metrics recomputes the derived metrics from the current nodes and edges.
func (g *Graph) Metrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := Metrics{
		NodeCount:    len(g.nodes),
		EdgeCount:    len(g.edges),
		Depth:        g.depthLocked(),
		CriticalPath: g.criticalPathLocked(),
	}
	for _, node := range g.nodes {
		m.TotalEstimatedCost += node.EstimatedCost
		m.TotalEstimatedTime += node.EstimatedDuration
	}
	return m
}

// Status returns the most recently computed graph status.
func (g *Graph) Status() GraphStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.status
}

// RefreshStatus recomputes the graph status from node states and stores it.
// A terminally failed or skipped node fails the graph; the graph completes
// only when every node completed.
func (g *Graph) RefreshStatus() GraphStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	complete := 0
	pending := 0
	for _, node := range g.nodes {
		switch node.Status {
		case StatusFailed, StatusSkipped:
			g.status = GraphFailed
			return g.status
		case StatusComplete:
			complete++
		case StatusPending:
			pending++
		}
	}

	switch {
	case complete == len(g.nodes) && len(g.nodes) > 0:
		g.status = GraphComplete
	case pending == len(g.nodes):
		g.status = GraphPlanning
	default:
		g.status = GraphRunning
	}
	return g.status
}

// MarkRunning transitions a node from pending to running.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, err := g.nodeLocked(id)
	if err != nil {
		return err
	}
	if node.Status != StatusPending {
		return fmt.Errorf("node %q is not pending (status: %s)", id, node.Status)
	}

	node.Status = StatusRunning
	return nil
}

// MarkComplete transitions a running node to complete, storing the selected
// result and appending any artifacts produced along the way.
func (g *Graph) MarkComplete(id string, result string, artifacts []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, err := g.nodeLocked(id)
	if err != nil {
		return err
	}
	if node.Status != StatusRunning {
		return fmt.Errorf("node %q is not running (status: %s)", id, node.Status)
	}

	node.Status = StatusComplete
	node.Result = result
	node.Artifacts = append(node.Artifacts, artifacts...)
	node.Error = nil
	return nil
}

// MarkFailed records a failed attempt. While retries remain the node returns
// to pending and the call reports terminal=false; once MaxRetries attempts
// have been burned the node becomes terminally failed.
func (g *Graph) MarkFailed(id string, cause error) (terminal bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, nErr := g.nodeLocked(id)
	if nErr != nil {
		return false, nErr
	}
	if node.Status != StatusRunning {
		return false, fmt.Errorf("node %q is not running (status: %s)", id, node.Status)
	}

	node.Error = cause
	if node.Retries < node.MaxRetries {
		node.Retries++
		node.Status = StatusPending
		return false, nil
	}

	node.Status = StatusFailed
	return true, nil
}

// MarkFailedTerminal fails a running node immediately, bypassing retry
// accounting, for causes where another attempt would deterministically
// fail the same way.
func (g *Graph) MarkFailedTerminal(id string, cause error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, err := g.nodeLocked(id)
	if err != nil {
		return err
	}
	if node.Status != StatusRunning {
		return fmt.Errorf("node %q is not running (status: %s)", id, node.Status)
	}

	node.Error = cause
	node.Status = StatusFailed
	return nil
}

// MarkSkipped transitions a pending node to skipped, recording why.
func (g *Graph) MarkSkipped(id string, reason error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, err := g.nodeLocked(id)
	if err != nil {
		return err
	}
	if node.Status != StatusPending {
		return fmt.Errorf("node %q is not pending (status: %s)", id, node.Status)
	}

	node.Status = StatusSkipped
	node.Error = reason
	return nil
}

// BlockedBy returns the IDs of dependencies that terminally failed or were
// skipped, leaving the node unable to run. An empty result with settled
// dependencies means the node is clear to execute.
func (g *Graph) BlockedBy(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, exists := g.byID[id]
	if !exists {
		return nil, fmt.Errorf("node %q not found", id)
	}

	var blocked []string
	for _, dep := range g.nodes[i].DependsOn {
		switch g.nodes[dep].Status {
		case StatusFailed, StatusSkipped:
			blocked = append(blocked, g.nodes[dep].ID)
		}
	}
	return blocked, nil
}

// CompletedResults returns dependency results for prompt assembly, keyed by
// the dependency's title.
func (g *Graph) CompletedResults(id string) (map[string]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, exists := g.byID[id]
	if !exists {
		return nil, fmt.Errorf("node %q not found", id)
	}

	results := make(map[string]string)
	for _, dep := range g.nodes[i].DependsOn {
		if g.nodes[dep].Status == StatusComplete {
			results[g.nodes[dep].Title] = g.nodes[dep].Result
		}
	}
	return results, nil
}

func (g *Graph) nodeLocked(id string) (*Node, error) {
	i, exists := g.byID[id]
	if !exists {
		return nil, fmt.Errorf("node %q not found", id)
	}
	return g.nodes[i], nil
}

func cloneNode(node *Node) *Node {
	if node == nil {
		return nil
	}

	cp := *node
	if node.DependsOn != nil {
		cp.DependsOn = append([]int(nil), node.DependsOn...)
	}
	if node.Artifacts != nil {
		cp.Artifacts = append([]string(nil), node.Artifacts...)
	}
	if node.Validators != nil {
		cp.Validators = append([]string(nil), node.Validators...)
	}
	return &cp
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Describe returns a short human-readable summary, used by hosts for logs.
func (g *Graph) Describe() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[NodeStatus]int)
	for _, node := range g.nodes {
		counts[node.Status]++
	}
	return fmt.Sprintf("graph %s: %d nodes, %d edges (%s)", shortID(g.id), len(g.nodes), len(g.edges), summarizeCounts(counts))
}

func summarizeCounts(counts map[NodeStatus]int) string {
	order := []NodeStatus{StatusPending, StatusRunning, StatusComplete, StatusFailed, StatusSkipped}
	parts := make([]string, 0, len(order))
	for _, s := range order {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
