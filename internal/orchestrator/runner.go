package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/concord/internal/consensus"
	"github.com/aristath/concord/internal/dispatch"
	"github.com/aristath/concord/internal/events"
	"github.com/aristath/concord/internal/graph"
	"github.com/aristath/concord/internal/persistence"
)

const defaultWaveConcurrency = 4

// NodeOutcome summarizes one node's run for the host.
type NodeOutcome struct {
	NodeID     string
	Title      string
	Status     graph.NodeStatus
	Provider   string  // Winner of the final round, if any
	Confidence float64 // Consensus confidence of the final round
	Rounds     int     // Dispatch rounds spent on this node
	Cost       float64
	Err        error
}

// Report aggregates what a run did across all waves.
type Report struct {
	GraphID   string
	Status    graph.GraphStatus
	Rounds    int
	TotalCost float64
	Elapsed   time.Duration
	Nodes     []NodeOutcome
}

// Options configures a Runner. Pool is required; everything else has a
// working default or is optional.
type Options struct {
	Pool            *dispatch.Pool
	Engine          *consensus.Engine
	Bus             *events.Bus       // Optional lifecycle event bus
	Store           persistence.Store // Optional audit trail
	Metrics         *dispatch.Metrics
	Logger          *zap.Logger
	WaveConcurrency int    // Max nodes executed concurrently per wave (default 4)
	PrimaryProvider string // Provider marked primary in every round, if set
}

// Runner drives a graph to completion: it plans parallel batches, fans
// each node's prompt out through the dispatch pool, reduces the responses
// with the consensus engine, and walks the node state machine with
// retries and transitive skips.
type Runner struct {
	pool    *dispatch.Pool
	engine  *consensus.Engine
	bus     *events.Bus
	store   persistence.Store
	metrics *dispatch.Metrics
	logger  *zap.Logger

	waveConcurrency int
	primaryProvider string
}

// NewRunner creates a runner from the given options.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("a dispatch pool is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := opts.Engine
	if engine == nil {
		engine = consensus.NewEngine(0, 0, logger)
	}

	waves := opts.WaveConcurrency
	if waves <= 0 {
		waves = defaultWaveConcurrency
	}

	return &Runner{
		pool:            opts.Pool,
		engine:          engine,
		bus:             opts.Bus,
		store:           opts.Store,
		metrics:         opts.Metrics,
		logger:          logger,
		waveConcurrency: waves,
		primaryProvider: opts.PrimaryProvider,
	}, nil
}

// Run executes every node of the graph in dependency order and returns a
// report of what happened. Node failures are recorded in the graph and
// the report, not returned: the error reports only cancellation or a
// graph too broken to plan at all.
func (r *Runner) Run(ctx context.Context, g *graph.Graph) (*Report, error) {
	start := time.Now()
	report := &Report{GraphID: g.ID()}

	batches, err := g.ParallelBatches()
	if err != nil {
		var stuck *graph.StuckError
		if !errors.As(err, &stuck) {
			return report, fmt.Errorf("planning batches: %w", err)
		}
		// Skip what can never be scheduled, run the rest
		r.logger.Warn("graph has unschedulable nodes",
			zap.String("graph", g.ID()),
			zap.Int("stuck", len(stuck.Remaining)))
		for _, id := range stuck.Remaining {
			if node, ok := g.NodeByID(id); ok {
				_ = g.MarkSkipped(id, fmt.Errorf("unschedulable: %w", stuck))
				r.publish(events.TopicNode, events.NodeSkippedEvent{
					Graph:     g.ID(),
					NodeID:    id,
					Title:     node.Title,
					Timestamp: time.Now(),
				})
			}
		}
	}

	r.logger.Info("graph run starting",
		zap.String("graph", g.ID()),
		zap.Int("waves", len(batches)),
		zap.Int("wave_concurrency", r.waveConcurrency))

	var mu sync.Mutex
	for _, wave := range batches {
		if ctx.Err() != nil {
			break
		}

		eg, wctx := errgroup.WithContext(ctx)
		eg.SetLimit(r.waveConcurrency)

		for _, id := range wave {
			eg.Go(func() error {
				outcome := r.executeNode(wctx, g, id)

				mu.Lock()
				report.Nodes = append(report.Nodes, outcome)
				report.Rounds += outcome.Rounds
				report.TotalCost += outcome.Cost
				mu.Unlock()
				return nil // Node failures live in the graph, never abort the wave
			})
		}
		_ = eg.Wait()

		r.publishProgress(g)
	}

	report.Status = g.RefreshStatus()
	report.Elapsed = time.Since(start)

	r.logger.Info("graph run finished",
		zap.String("graph", g.ID()),
		zap.String("status", report.Status.String()),
		zap.Int("rounds", report.Rounds),
		zap.Float64("cost", report.TotalCost),
		zap.Duration("elapsed", report.Elapsed))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// executeNode walks one node through its state machine: skip if blocked,
// otherwise attempt dispatch+consensus until completion or the retry
// allowance runs out.
func (r *Runner) executeNode(ctx context.Context, g *graph.Graph, id string) NodeOutcome {
	node, ok := g.NodeByID(id)
	if !ok {
		return NodeOutcome{NodeID: id, Err: fmt.Errorf("node %q not found", id)}
	}
	outcome := NodeOutcome{NodeID: id, Title: node.Title, Status: node.Status}

	blocked, err := g.BlockedBy(id)
	if err == nil && len(blocked) > 0 {
		reason := fmt.Errorf("blocked by failed dependencies: %s", strings.Join(blocked, ", "))
		_ = g.MarkSkipped(id, reason)
		outcome.Status = graph.StatusSkipped
		outcome.Err = reason
		r.publish(events.TopicNode, events.NodeSkippedEvent{
			Graph:     g.ID(),
			NodeID:    id,
			Title:     node.Title,
			BlockedBy: blocked,
			Timestamp: time.Now(),
		})
		r.logger.Info("node skipped",
			zap.String("node", id),
			zap.String("title", node.Title),
			zap.Strings("blocked_by", blocked))
		return outcome
	}

	for {
		// Cancellation between attempts leaves the node as it stands
		if err := ctx.Err(); err != nil {
			if fresh, ok := g.NodeByID(id); ok {
				outcome.Status = fresh.Status
			}
			outcome.Err = err
			return outcome
		}

		if err := g.MarkRunning(id); err != nil {
			outcome.Err = err
			return outcome
		}
		node, _ = g.NodeByID(id)
		attempt := node.Retries + 1

		r.publish(events.TopicNode, events.NodeStartedEvent{
			Graph:     g.ID(),
			NodeID:    id,
			Title:     node.Title,
			Station:   string(node.Station),
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
		r.logger.Info("node started",
			zap.String("node", id),
			zap.String("title", node.Title),
			zap.String("station", string(node.Station)),
			zap.Int("attempt", attempt))

		round, verdict, err := r.runRound(ctx, g, node)
		outcome.Rounds++
		if round != nil {
			outcome.Cost += round.Cost
		}

		if err == nil {
			artifacts := alternates(round, verdict)
			if mErr := g.MarkComplete(id, verdict.Best.Content, artifacts); mErr != nil {
				outcome.Err = mErr
				return outcome
			}
			outcome.Status = graph.StatusComplete
			outcome.Provider = verdict.Best.Provider
			outcome.Confidence = verdict.Confidence

			r.publish(events.TopicNode, events.NodeCompletedEvent{
				Graph:      g.ID(),
				NodeID:     id,
				Title:      node.Title,
				Provider:   verdict.Best.Provider,
				Confidence: int(verdict.Confidence),
				Duration:   round.Elapsed,
				Timestamp:  time.Now(),
			})
			r.logger.Info("node completed",
				zap.String("node", id),
				zap.String("title", node.Title),
				zap.String("provider", verdict.Best.Provider),
				zap.Float64("confidence", verdict.Confidence),
				zap.Int("attempt", attempt))
			return outcome
		}

		terminal := false
		if errors.Is(err, dispatch.ErrBudgetExceeded) {
			// A retry would re-fail with the same estimate
			terminal = true
			_ = g.MarkFailedTerminal(id, err)
		} else {
			var mErr error
			terminal, mErr = g.MarkFailed(id, err)
			if mErr != nil {
				outcome.Err = mErr
				return outcome
			}
		}

		r.publish(events.TopicNode, events.NodeFailedEvent{
			Graph:     g.ID(),
			NodeID:    id,
			Title:     node.Title,
			Err:       err,
			Attempt:   attempt,
			Terminal:  terminal,
			Timestamp: time.Now(),
		})
		r.logger.Warn("node attempt failed",
			zap.String("node", id),
			zap.String("title", node.Title),
			zap.Int("attempt", attempt),
			zap.Bool("terminal", terminal),
			zap.Error(err))

		if terminal {
			outcome.Status = graph.StatusFailed
			outcome.Err = err
			return outcome
		}
	}
}

// runRound dispatches one fan-out round for the node and reduces it to a
// consensus verdict, recording the audit trail and checking the node's
// confidence gate.
func (r *Runner) runRound(ctx context.Context, g *graph.Graph, node *graph.Node) (*dispatch.RoundResult, *consensus.Result, error) {
	prompt, err := buildPrompt(g, node)
	if err != nil {
		return nil, nil, err
	}

	round, err := r.pool.Dispatch(ctx, dispatch.Request{
		GraphID: g.ID(),
		NodeID:  node.ID,
		Prompt:  prompt,
		Type:    node.Type,
		Primary: r.primaryProvider,
		// The last attempt may settle for a lone unvalidated response
		Degrade: node.Retries >= node.MaxRetries,
	})
	if err != nil {
		return round, nil, fmt.Errorf("dispatching node %q: %w", node.ID, err)
	}

	verdict := r.engine.Analyze(round.Responses)
	r.metrics.RecordAgreement(verdict.Agreement)

	r.publish(events.TopicConsensus, events.ConsensusComputedEvent{
		Graph:        g.ID(),
		NodeID:       node.ID,
		Reached:      verdict.Reached,
		Agreement:    verdict.Agreement,
		Confidence:   int(verdict.Confidence),
		Best:         verdict.Best.Provider,
		Disagreement: string(verdict.Disagreement),
		Responses:    verdict.ResponseCount,
		Timestamp:    time.Now(),
	})

	r.audit(ctx, g, node, round, verdict)

	if node.ConfidenceThreshold > 0 && verdict.Confidence/100 < node.ConfidenceThreshold {
		return round, verdict, fmt.Errorf("consensus confidence %.0f below node threshold %.0f",
			verdict.Confidence, node.ConfidenceThreshold*100)
	}

	return round, verdict, nil
}

// buildPrompt assembles the provider prompt from the node and the results
// of its completed dependencies. Dependency sections are ordered by title
// so the same graph state always produces the same prompt.
func buildPrompt(g *graph.Graph, node *graph.Node) (string, error) {
	results, err := g.CompletedResults(node.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s\n", node.Type, node.Station, node.Title)
	if node.Description != "" {
		b.WriteString(node.Description)
		b.WriteString("\n")
	}
	if node.DoD != "" {
		fmt.Fprintf(&b, "Definition of done: %s\n", node.DoD)
	}

	if len(results) > 0 {
		titles := make([]string, 0, len(results))
		for title := range results {
			titles = append(titles, title)
		}
		sort.Strings(titles)

		b.WriteString("\nCompleted dependencies:\n")
		for _, title := range titles {
			fmt.Fprintf(&b, "- %s: %s\n", title, results[title])
		}
	}

	return b.String(), nil
}

// alternates collects the non-selected responses of a winning round as
// node artifacts, keeping the runners-up inspectable after completion.
func alternates(round *dispatch.RoundResult, verdict *consensus.Result) []string {
	var out []string
	for _, resp := range round.Responses {
		if resp.Provider == verdict.Best.Provider {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", resp.Provider, resp.Content))
	}
	return out
}

// audit appends the round and its verdict to the store, when one is
// configured. Audit failures are logged, never propagated: the run result
// does not depend on the trail.
func (r *Runner) audit(ctx context.Context, g *graph.Graph, node *graph.Node, round *dispatch.RoundResult, verdict *consensus.Result) {
	if r.store == nil {
		return
	}

	rec := &persistence.AuditRecord{
		RoundID:      round.RoundID,
		GraphID:      g.ID(),
		NodeID:       node.ID,
		TaskType:     string(node.Type),
		Station:      string(node.Station),
		Outcome:      string(round.Outcome),
		Reached:      verdict.Reached,
		Agreement:    verdict.Agreement,
		Confidence:   int(verdict.Confidence),
		BestProvider: verdict.Best.Provider,
		Disagreement: string(verdict.Disagreement),
		Cost:         round.Cost,
	}
	for _, resp := range round.Responses {
		rec.Responses = append(rec.Responses, persistence.AuditResponse{
			Provider:   resp.Provider,
			Content:    resp.Content,
			Success:    resp.Success,
			Confidence: resp.Confidence,
			Latency:    resp.Latency,
			Cost:       resp.Cost,
			Tokens:     resp.Tokens,
		})
	}
	for _, f := range round.Failed {
		rec.Responses = append(rec.Responses, persistence.AuditResponse{
			Provider: f.Provider,
			Error:    f.Err.Error(),
		})
	}

	if err := r.store.SaveAudit(ctx, rec); err != nil {
		r.logger.Warn("saving audit record failed",
			zap.String("round", round.RoundID),
			zap.String("node", node.ID),
			zap.Error(err))
	}
}

// publish sends an event without requiring a bus to be configured.
func (r *Runner) publish(topic string, ev events.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(topic, ev)
}

// publishProgress refreshes the graph status and reports per-status node
// counts after a wave.
func (r *Runner) publishProgress(g *graph.Graph) {
	status := g.RefreshStatus()
	if r.bus == nil {
		return
	}

	ev := events.GraphProgressEvent{
		Graph:     g.ID(),
		Status:    status.String(),
		Timestamp: time.Now(),
	}
	for _, node := range g.Nodes() {
		ev.Total++
		switch node.Status {
		case graph.StatusComplete:
			ev.Completed++
		case graph.StatusRunning:
			ev.Running++
		case graph.StatusFailed:
			ev.Failed++
		case graph.StatusSkipped:
			ev.Skipped++
		case graph.StatusPending:
			ev.Pending++
		}
	}
	r.bus.Publish(events.TopicGraph, ev)
}
