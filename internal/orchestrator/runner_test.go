package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/concord/internal/dispatch"
	"github.com/aristath/concord/internal/events"
	"github.com/aristath/concord/internal/graph"
	"github.com/aristath/concord/internal/persistence"
	"github.com/aristath/concord/internal/provider"
)

// echoProvider answers every prompt with the same canned content,
// recording prompts as it goes. Prompts containing failFor error instead.
type echoProvider struct {
	id      string
	answer  string
	cost    float64
	failFor string

	mu      sync.Mutex
	prompts []string
}

func (p *echoProvider) ID() string { return p.id }

func (p *echoProvider) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, req.Prompt)
	p.mu.Unlock()

	if p.failFor != "" && strings.Contains(req.Prompt, p.failFor) {
		return nil, fmt.Errorf("simulated failure on %q", p.failFor)
	}
	return &provider.Result{Content: p.answer, Confidence: 0.9, Cost: p.cost, Tokens: 12}, nil
}

func (p *echoProvider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prompts...)
}

func (p *echoProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

// testRunner wires a runner around a fast single-try pool over the given
// providers.
func testRunner(t *testing.T, opts Options, provs ...provider.Provider) *Runner {
	t.Helper()

	if opts.Pool == nil {
		reg := provider.NewRegistry(zap.NewNop())
		for _, p := range provs {
			if err := reg.Register(p); err != nil {
				t.Fatalf("register %s: %v", p.ID(), err)
			}
		}
		opts.Pool = dispatch.NewPool(dispatch.Options{
			Registry: reg,
			Bus:      opts.Bus,
			Config: dispatch.Config{
				CallTimeout:   2 * time.Second,
				RetryAttempts: -1,
				RetryStagger:  time.Millisecond,
			},
		})
	}

	r, err := NewRunner(opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func buildGraph(t *testing.T, specs []graph.TaskSpec, opts graph.BuildOptions) *graph.Graph {
	t.Helper()
	g, err := graph.Build(specs, opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func nodeByTitle(t *testing.T, g *graph.Graph, title string) *graph.Node {
	t.Helper()
	for _, n := range g.Nodes() {
		if n.Title == title {
			return n
		}
	}
	t.Fatalf("no node titled %q", title)
	return nil
}

func TestRun_DiamondCompletes(t *testing.T) {
	a := &echoProvider{id: "a", answer: "agreed output", cost: 0.01}
	b := &echoProvider{id: "b", answer: "agreed output", cost: 0.02}
	c := &echoProvider{id: "c", answer: "agreed output", cost: 0.01}

	r := testRunner(t, Options{WaveConcurrency: 2}, a, b, c)

	g := buildGraph(t, []graph.TaskSpec{
		{Title: "Plan the feature", Type: graph.TypePlan},
		{Title: "Build the core", Type: graph.TypeBuild, Dependencies: []int{0}},
		{Title: "Write the docs", Type: graph.TypeDocument, Dependencies: []int{0}},
		{Title: "Audit the result", Type: graph.TypeAudit, Dependencies: []int{1, 2}},
	}, graph.BuildOptions{})

	report, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Status != graph.GraphComplete {
		t.Errorf("graph status = %s, want complete", report.Status)
	}
	if report.Rounds != 4 {
		t.Errorf("rounds = %d, want 4", report.Rounds)
	}
	if len(report.Nodes) != 4 {
		t.Fatalf("report covers %d nodes, want 4", len(report.Nodes))
	}

	for _, n := range g.Nodes() {
		if n.Status != graph.StatusComplete {
			t.Errorf("node %q status = %s, want complete", n.Title, n.Status)
		}
		if n.Result != "agreed output" {
			t.Errorf("node %q result = %q, want the consensus answer", n.Title, n.Result)
		}
	}

	// The sink node's prompt must carry its dependencies' results
	var auditPrompt string
	for _, prompt := range a.Prompts() {
		if strings.Contains(prompt, "Audit the result") {
			auditPrompt = prompt
		}
	}
	if auditPrompt == "" {
		t.Fatal("provider never saw the sink node's prompt")
	}
	if !strings.Contains(auditPrompt, "Build the core: agreed output") {
		t.Errorf("sink prompt is missing dependency results:\n%s", auditPrompt)
	}
}

func TestRun_FailureSkipsDependents(t *testing.T) {
	a := &echoProvider{id: "a", answer: "done", failFor: "Doomed step"}
	b := &echoProvider{id: "b", answer: "done", failFor: "Doomed step"}

	r := testRunner(t, Options{}, a, b)

	g := buildGraph(t, []graph.TaskSpec{
		{Title: "First step", Type: graph.TypePlan},
		{Title: "Doomed step", Type: graph.TypeBuild, Dependencies: []int{0}},
		{Title: "Downstream step", Type: graph.TypeTest, Dependencies: []int{1}},
	}, graph.BuildOptions{DefaultMaxRetries: 1})

	report, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Status != graph.GraphFailed {
		t.Errorf("graph status = %s, want failed", report.Status)
	}

	if n := nodeByTitle(t, g, "First step"); n.Status != graph.StatusComplete {
		t.Errorf("first step status = %s, want complete", n.Status)
	}

	doomed := nodeByTitle(t, g, "Doomed step")
	if doomed.Status != graph.StatusFailed {
		t.Errorf("doomed step status = %s, want failed", doomed.Status)
	}
	if doomed.Retries != 1 {
		t.Errorf("doomed step retries = %d, want 1 (one retry burned)", doomed.Retries)
	}
	if doomed.Error == nil {
		t.Error("doomed step carries no terminal error")
	}

	down := nodeByTitle(t, g, "Downstream step")
	if down.Status != graph.StatusSkipped {
		t.Errorf("downstream step status = %s, want skipped", down.Status)
	}
	if down.Error == nil || !strings.Contains(down.Error.Error(), doomed.ID) {
		t.Errorf("downstream skip reason %v does not name the failed dependency", down.Error)
	}
}

func TestRun_ConfidenceGate(t *testing.T) {
	t.Run("divergent responses stay below the gate", func(t *testing.T) {
		provs := []provider.Provider{
			&echoProvider{id: "x", answer: "alpha bravo charlie delta"},
			&echoProvider{id: "y", answer: "echo foxtrot golf hotel"},
			&echoProvider{id: "z", answer: "india juliet kilo lima"},
		}

		r := testRunner(t, Options{}, provs...)
		g := buildGraph(t, []graph.TaskSpec{
			{Title: "Contested call", Type: graph.TypeDesign},
		}, graph.BuildOptions{DefaultConfidenceThreshold: 0.9})

		report, err := r.Run(context.Background(), g)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}

		if report.Status != graph.GraphFailed {
			t.Errorf("graph status = %s, want failed", report.Status)
		}
		node := nodeByTitle(t, g, "Contested call")
		if node.Status != graph.StatusFailed {
			t.Errorf("node status = %s, want failed", node.Status)
		}
		if node.Error == nil || !strings.Contains(node.Error.Error(), "confidence") {
			t.Errorf("node error = %v, want a confidence gate failure", node.Error)
		}
	})

	t.Run("agreement clears the gate", func(t *testing.T) {
		provs := []provider.Provider{
			&echoProvider{id: "x", answer: "the one true answer"},
			&echoProvider{id: "y", answer: "the one true answer"},
			&echoProvider{id: "z", answer: "the one true answer"},
		}

		r := testRunner(t, Options{}, provs...)
		g := buildGraph(t, []graph.TaskSpec{
			{Title: "Unanimous call", Type: graph.TypeDesign},
		}, graph.BuildOptions{DefaultConfidenceThreshold: 0.9})

		report, err := r.Run(context.Background(), g)
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}

		if report.Status != graph.GraphComplete {
			t.Errorf("graph status = %s, want complete", report.Status)
		}
	})
}

func TestRun_BudgetExceededFailsWithoutRetry(t *testing.T) {
	pricey := &echoProvider{id: "pricey", answer: "expensive wisdom"}

	reg := provider.NewRegistry(zap.NewNop())
	if err := reg.Register(pricey); err != nil {
		t.Fatalf("register: %v", err)
	}
	pool := dispatch.NewPool(dispatch.Options{
		Registry: reg,
		Profiles: map[string]dispatch.Profile{"pricey": {CostPerCall: 2.0}},
		Config: dispatch.Config{
			CallTimeout:   2 * time.Second,
			RetryAttempts: -1,
			RetryStagger:  time.Millisecond,
			BudgetCeiling: 1.0,
		},
	})

	r := testRunner(t, Options{Pool: pool})

	g := buildGraph(t, []graph.TaskSpec{
		{Title: "Too rich for us", Type: graph.TypeResearch},
	}, graph.BuildOptions{DefaultMaxRetries: 3})

	report, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if report.Status != graph.GraphFailed {
		t.Errorf("graph status = %s, want failed", report.Status)
	}
	if report.Rounds != 1 {
		t.Errorf("rounds = %d, want 1 (no retry on a budget block)", report.Rounds)
	}
	if pricey.CallCount() != 0 {
		t.Errorf("provider was invoked %d times, want 0", pricey.CallCount())
	}

	node := nodeByTitle(t, g, "Too rich for us")
	if node.Status != graph.StatusFailed {
		t.Errorf("node status = %s, want failed", node.Status)
	}
	if node.Retries != 0 {
		t.Errorf("node retries = %d, want 0", node.Retries)
	}
	if !errors.Is(node.Error, dispatch.ErrBudgetExceeded) {
		t.Errorf("node error = %v, want ErrBudgetExceeded", node.Error)
	}
}

func TestRun_AuditTrailRecorded(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provs := []provider.Provider{
		&echoProvider{id: "x", answer: "stable answer", cost: 0.02},
		&echoProvider{id: "y", answer: "stable answer", cost: 0.03},
	}

	r := testRunner(t, Options{Store: store}, provs...)
	g := buildGraph(t, []graph.TaskSpec{
		{Title: "Research it", Type: graph.TypeResearch},
		{Title: "Write it up", Type: graph.TypeDocument, Dependencies: []int{0}},
	}, graph.BuildOptions{})

	if _, err := r.Run(ctx, g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	records, err := store.ListAudits(ctx, g.ID())
	if err != nil {
		t.Fatalf("ListAudits: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d audit records, want 2", len(records))
	}

	for _, rec := range records {
		if rec.GraphID != g.ID() {
			t.Errorf("record graph = %q, want %q", rec.GraphID, g.ID())
		}
		if !rec.Reached {
			t.Errorf("round %s: consensus not marked reached", rec.RoundID)
		}
		if rec.Outcome != string(dispatch.OutcomeOK) {
			t.Errorf("round %s: outcome = %q, want ok", rec.RoundID, rec.Outcome)
		}
		if len(rec.Responses) != 2 {
			t.Errorf("round %s: %d responses recorded, want 2", rec.RoundID, len(rec.Responses))
		}
	}
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	ch := bus.SubscribeAll(64)

	prov := &echoProvider{id: "solo", answer: "fine"}
	r := testRunner(t, Options{Bus: bus}, prov)

	g := buildGraph(t, []graph.TaskSpec{
		{Title: "Single task", Type: graph.TypePlan},
	}, graph.BuildOptions{})

	if _, err := r.Run(context.Background(), g); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	bus.Close()

	counts := map[string]int{}
	for ev := range ch {
		counts[ev.EventType()]++
		if ev.GraphID() != g.ID() {
			t.Errorf("event %s carries graph %q, want %q", ev.EventType(), ev.GraphID(), g.ID())
		}
	}

	want := map[string]int{
		events.EventTypeNodeStarted:       1,
		events.EventTypeNodeCompleted:     1,
		events.EventTypeGraphProgress:     1,
		events.EventTypeConsensusComputed: 1,
		events.EventTypeDispatchCompleted: 1,
	}
	for typ, n := range want {
		if counts[typ] != n {
			t.Errorf("saw %d %s events, want %d (all: %v)", counts[typ], typ, n, counts)
		}
	}
}

func TestRun_UnschedulableNodesSkipped(t *testing.T) {
	prov := &echoProvider{id: "solo", answer: "fine"}
	r := testRunner(t, Options{}, prov)

	g := graph.New(zap.NewNop())
	mustAdd := func(spec graph.TaskSpec) {
		t.Helper()
		if _, err := g.AddNode(spec, graph.BuildOptions{}); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
	}
	mustAdd(graph.TaskSpec{Title: "Free node", Type: graph.TypePlan})
	mustAdd(graph.TaskSpec{Title: "Tangled A", Type: graph.TypeBuild})
	mustAdd(graph.TaskSpec{Title: "Tangled B", Type: graph.TypeBuild})
	if err := g.AddEdge(1, 2); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := g.AddEdge(2, 1); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	report, err := r.Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run() error: %v (a stuck graph should degrade, not fail the run)", err)
	}

	if n := nodeByTitle(t, g, "Free node"); n.Status != graph.StatusComplete {
		t.Errorf("free node status = %s, want complete", n.Status)
	}
	for _, title := range []string{"Tangled A", "Tangled B"} {
		if n := nodeByTitle(t, g, title); n.Status != graph.StatusSkipped {
			t.Errorf("%s status = %s, want skipped", title, n.Status)
		}
	}
	if report.Status != graph.GraphFailed {
		t.Errorf("graph status = %s, want failed", report.Status)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	prov := &echoProvider{id: "solo", answer: "fine"}
	r := testRunner(t, Options{}, prov)

	g := buildGraph(t, []graph.TaskSpec{
		{Title: "Never runs", Type: graph.TypePlan},
	}, graph.BuildOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Run(ctx, g)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	if report.Rounds != 0 {
		t.Errorf("rounds = %d, want 0", report.Rounds)
	}
	if n := nodeByTitle(t, g, "Never runs"); n.Status != graph.StatusPending {
		t.Errorf("node status = %s, want pending", n.Status)
	}
	if prov.CallCount() != 0 {
		t.Errorf("provider was invoked %d times, want 0", prov.CallCount())
	}
}

func TestNewRunner_RequiresPool(t *testing.T) {
	if _, err := NewRunner(Options{}); err == nil {
		t.Fatal("expected an error for a runner without a pool")
	}
}
