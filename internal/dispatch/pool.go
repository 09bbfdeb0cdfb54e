package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/concord/internal/events"
	"github.com/aristath/concord/internal/graph"
	"github.com/aristath/concord/internal/provider"
)

// Outcome classifies how a dispatch round ended.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
	OutcomeNoResponses    Outcome = "no_responses"
	OutcomeDegraded       Outcome = "degraded"
)

var (
	// ErrNoProviders is returned when the registry holds nothing to call.
	ErrNoProviders = errors.New("dispatch: no providers available")
	// ErrBudgetExceeded is returned when the pre-flight cost estimate is over
	// the ceiling. No provider has been called; retrying cannot help.
	ErrBudgetExceeded = errors.New("dispatch: estimated cost exceeds budget ceiling")
	// ErrNoResponses is returned when every selected provider failed.
	ErrNoResponses = errors.New("dispatch: no provider produced a usable response")
)

// Config controls pool behavior. Zero values fall back to defaults.
type Config struct {
	FanOut         int           // Providers invoked per round (0 = all registered)
	MaxConcurrency int           // Global cap on in-flight provider calls
	CallTimeout    time.Duration // Deadline applied to each attempt separately
	RetryAttempts  int           // Extra tries after a failed call (0 = default, negative = none)
	RetryStagger   time.Duration // Fixed delay between attempts
	BudgetCeiling  float64       // Estimated spend allowed per round (0 = unlimited)
}

const (
	defaultMaxConcurrency = 8
	defaultCallTimeout    = 30 * time.Second
	defaultRetryAttempts  = 2
	defaultRetryStagger   = 250 * time.Millisecond
)

// Request describes one fan-out round for a node.
type Request struct {
	GraphID string
	NodeID  string
	Prompt  string
	Type    graph.TaskType
	Primary string // Preferred provider; always selected, wins consensus ties
	Degrade bool   // Allow a single-provider fallback pass when the round yields nothing
}

// Failure records one provider that produced no usable response.
type Failure struct {
	Provider string
	Err      error
}

// RoundResult is what a fan-out round produced.
type RoundResult struct {
	RoundID       string
	Responses     []provider.Response // Completion order
	Failed        []Failure
	Outcome       Outcome
	Calls         int     // Provider calls attempted in this round
	EstimatedCost float64 // Pre-flight estimate over the selected providers
	Cost          float64 // Actual spend reported by successful calls
	Elapsed       time.Duration
}

// Options wires a Pool's collaborators. Registry is the only required one.
type Options struct {
	Registry *provider.Registry
	Stats    *provider.StatsStore
	Profiles map[string]Profile
	Score    ScoreFunc
	Breakers *BreakerRegistry
	Metrics  *Metrics
	Bus      *events.Bus
	Config   Config
	Logger   *zap.Logger
}

// Pool fans node prompts out to ranked providers with a shared
// concurrency cap, per-attempt deadlines, staggered retries, and
// per-provider circuit breakers.
type Pool struct {
	registry *provider.Registry
	stats    *provider.StatsStore
	profiles map[string]Profile
	score    ScoreFunc
	sem      *semaphore.Weighted
	breakers *BreakerRegistry
	metrics  *Metrics
	bus      *events.Bus
	cfg      Config
	logger   *zap.Logger
}

// NewPool creates a pool, filling in defaults for absent collaborators.
func NewPool(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := opts.Registry
	if registry == nil {
		registry = provider.NewRegistry(logger)
	}

	stats := opts.Stats
	if stats == nil {
		stats = provider.NewStatsStore()
	}

	profiles := opts.Profiles
	if profiles == nil {
		profiles = map[string]Profile{}
	}

	score := opts.Score
	if score == nil {
		score = DefaultScore
	}

	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewBreakerRegistry(logger)
	}

	cfg := opts.Config
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	} else if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryStagger <= 0 {
		cfg.RetryStagger = defaultRetryStagger
	}

	return &Pool{
		registry: registry,
		stats:    stats,
		profiles: profiles,
		score:    score,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		breakers: breakers,
		metrics:  opts.Metrics,
		bus:      opts.Bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// Stats exposes the pool's rolling provider statistics.
func (p *Pool) Stats() *provider.StatsStore {
	return p.stats
}

// Dispatch runs one fan-out round: rank providers, check the budget,
// invoke the selection concurrently, and collect responses in completion
// order. The returned error classifies empty rounds; a round with at
// least one usable response returns nil.
func (p *Pool) Dispatch(ctx context.Context, req Request) (*RoundResult, error) {
	start := time.Now()
	res := &RoundResult{RoundID: uuid.New().String()}

	candidates := p.ranked(req.Type, req.Primary)
	if len(candidates) == 0 {
		res.Outcome = OutcomeNoResponses
		p.finish(req, res, start)
		return res, ErrNoProviders
	}

	// Budget pre-flight: estimate before any provider is invoked
	res.EstimatedCost = p.estimate(candidates)
	if p.cfg.BudgetCeiling > 0 && res.EstimatedCost > p.cfg.BudgetCeiling {
		res.Outcome = OutcomeBudgetExceeded
		p.logger.Warn("round blocked by budget ceiling",
			zap.String("node", req.NodeID),
			zap.Float64("estimated", res.EstimatedCost),
			zap.Float64("ceiling", p.cfg.BudgetCeiling))
		p.finish(req, res, start)
		return res, ErrBudgetExceeded
	}

	p.fanOut(ctx, req, candidates, res)

	if len(res.Responses) == 0 && req.Degrade && ctx.Err() == nil {
		p.degrade(ctx, req, candidates, res)
	}

	if len(res.Responses) == 0 {
		res.Outcome = OutcomeNoResponses
		p.finish(req, res, start)
		return res, ErrNoResponses
	}
	if res.Outcome != OutcomeDegraded {
		res.Outcome = OutcomeOK
	}
	p.finish(req, res, start)
	return res, nil
}

// fanOut invokes every candidate concurrently and records responses in
// the order they complete.
func (p *Pool) fanOut(ctx context.Context, req Request, candidates []string, res *RoundResult) {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range candidates {
		g.Go(func() error {
			resp, err := p.invoke(gctx, id, req)

			mu.Lock()
			defer mu.Unlock()
			res.Calls++
			if err != nil {
				res.Failed = append(res.Failed, Failure{Provider: id, Err: err})
				return nil // A failed provider never aborts the round
			}
			res.Responses = append(res.Responses, resp)
			res.Cost += resp.Cost
			return nil
		})
	}
	_ = g.Wait()
}

// degrade runs one more pass against the single best-ranked provider.
// A response from here bypasses consensus, so callers flag it as
// unvalidated.
func (p *Pool) degrade(ctx context.Context, req Request, candidates []string, res *RoundResult) {
	id := candidates[0]
	p.logger.Warn("degrading to single provider",
		zap.String("node", req.NodeID),
		zap.String("provider", id))

	resp, err := p.invoke(ctx, id, req)
	res.Calls++
	if err != nil {
		res.Failed = append(res.Failed, Failure{Provider: id, Err: err})
		return
	}
	res.Responses = append(res.Responses, resp)
	res.Cost += resp.Cost
	res.Outcome = OutcomeDegraded
}

// invoke runs a single provider call under the global concurrency cap,
// retrying timed-out attempts under fresh deadlines, and folds the
// outcome into the rolling stats.
func (p *Pool) invoke(ctx context.Context, id string, req Request) (provider.Response, error) {
	resp := provider.Response{Provider: id, Primary: id == req.Primary}

	prov, ok := p.registry.Get(id)
	if !ok {
		err := fmt.Errorf("provider %q not registered", id)
		resp.Err = err.Error()
		return resp, err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("acquiring call slot: %w", err)
		resp.Err = err.Error()
		return resp, err
	}
	defer p.sem.Release(1)

	start := time.Now()
	result, err := invokeWithRetry(ctx, prov, provider.Request{
		Prompt:   req.Prompt,
		TaskType: string(req.Type),
	}, p.breakers.Get(id), p.cfg.RetryAttempts, p.cfg.RetryStagger, p.cfg.CallTimeout)
	latency := time.Since(start)
	resp.Latency = latency

	if err != nil {
		resp.Err = err.Error()
		p.stats.RecordFailure(id)
		p.metrics.RecordCall(id, "error", latency)
		p.logger.Debug("provider call failed",
			zap.String("provider", id),
			zap.String("node", req.NodeID),
			zap.Duration("latency", latency),
			zap.Error(err))
		return resp, err
	}

	resp.Success = true
	resp.Content = result.Content
	resp.Confidence = result.Confidence
	resp.Cost = result.Cost
	resp.Tokens = result.Tokens
	p.stats.RecordSuccess(id, latency, result.Cost, result.Tokens)
	p.metrics.RecordCall(id, "ok", latency)
	return resp, nil
}

// finish stamps the round, publishes it, and records metrics.
func (p *Pool) finish(req Request, res *RoundResult, start time.Time) {
	res.Elapsed = time.Since(start)
	p.metrics.RecordRound(string(res.Outcome))
	p.metrics.RecordSpend(res.Cost)

	if p.bus != nil {
		p.bus.Publish(events.TopicDispatch, events.DispatchCompletedEvent{
			Graph:     req.GraphID,
			NodeID:    req.NodeID,
			RoundID:   res.RoundID,
			Outcome:   string(res.Outcome),
			Calls:     res.Calls,
			Responses: len(res.Responses),
			Failures:  len(res.Failed),
			Cost:      res.Cost,
			Duration:  res.Elapsed,
			Timestamp: time.Now(),
		})
	}

	p.logger.Debug("dispatch round finished",
		zap.String("round", res.RoundID),
		zap.String("node", req.NodeID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("calls", res.Calls),
		zap.Int("responses", len(res.Responses)),
		zap.Duration("elapsed", res.Elapsed))
}
