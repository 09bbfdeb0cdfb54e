package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aristath/concord/internal/config"
	"github.com/aristath/concord/internal/consensus"
	"github.com/aristath/concord/internal/dispatch"
	"github.com/aristath/concord/internal/events"
	"github.com/aristath/concord/internal/graph"
	"github.com/aristath/concord/internal/orchestrator"
	"github.com/aristath/concord/internal/persistence"
	"github.com/aristath/concord/internal/provider"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Starter config on first run
	cfgPath, err := config.DefaultGlobalPath()
	if err != nil {
		logger.Fatal("locating config failed", zap.Error(err))
	}
	if wrote, err := config.WriteStarter(cfgPath); err != nil {
		logger.Warn("writing starter config failed", zap.String("path", cfgPath), zap.Error(err))
	} else if wrote {
		logger.Info("wrote starter config", zap.String("path", cfgPath))
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		logger.Fatal("loading config failed", zap.Error(err))
	}

	// One simulated provider per enabled config entry
	registry := provider.NewRegistry(logger)
	profiles := make(map[string]dispatch.Profile, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if err := registry.Register(newSimulated(id, pc.CostPerCall)); err != nil {
			logger.Fatal("registering provider failed", zap.String("provider", id), zap.Error(err))
		}
		specialties := make([]graph.TaskType, 0, len(pc.Specialties))
		for _, s := range pc.Specialties {
			specialties = append(specialties, graph.TaskType(s))
		}
		profiles[id] = dispatch.Profile{
			CostPerCall: pc.CostPerCall,
			Specialties: specialties,
			Weight:      pc.Weight,
		}
	}
	if registry.Len() == 0 {
		logger.Fatal("no providers enabled in config")
	}

	bus := events.NewBus()

	// Optional audit trail
	var store persistence.Store
	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				logger.Fatal("getting home directory failed", zap.Error(err))
			}
			path = filepath.Join(home, ".concord", "audit.db")
		}
		s, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			logger.Fatal("opening audit store failed", zap.String("path", path), zap.Error(err))
		}
		defer s.Close()
		store = s
		logger.Info("audit trail enabled", zap.String("path", path))
	}

	metrics := dispatch.NewMetrics(prometheus.NewRegistry())

	pool := dispatch.NewPool(dispatch.Options{
		Registry: registry,
		Profiles: profiles,
		Metrics:  metrics,
		Bus:      bus,
		Config: dispatch.Config{
			FanOut:         cfg.Pool.FanOut,
			MaxConcurrency: cfg.Pool.MaxConcurrency,
			CallTimeout:    time.Duration(cfg.Pool.CallTimeoutSeconds) * time.Second,
			RetryAttempts:  cfg.Pool.RetryAttempts,
			RetryStagger:   time.Duration(cfg.Pool.RetryStaggerMS) * time.Millisecond,
			BudgetCeiling:  cfg.Pool.BudgetCeiling,
		},
		Logger: logger,
	})

	engine := consensus.NewEngine(cfg.Consensus.MajorityThreshold, cfg.Consensus.MinResponses, logger)

	runner, err := orchestrator.NewRunner(orchestrator.Options{
		Pool:            pool,
		Engine:          engine,
		Bus:             bus,
		Store:           store,
		Metrics:         metrics,
		Logger:          logger,
		WaveConcurrency: cfg.Runner.WaveConcurrency,
	})
	if err != nil {
		logger.Fatal("building runner failed", zap.Error(err))
	}

	g, err := graph.Build(sampleSpecs(), graph.BuildOptions{
		Logger:                     logger,
		StationOverrides:           cfg.Stations,
		DefaultMaxRetries:          cfg.Runner.DefaultMaxRetries,
		DefaultConfidenceThreshold: cfg.Runner.DefaultConfidenceThreshold,
	})
	if err != nil {
		logger.Fatal("building sample graph failed", zap.Error(err))
	}

	m := g.Metrics()
	logger.Info("sample graph ready",
		zap.Int("depth", m.Depth),
		zap.Duration("critical_path", m.CriticalPath))
	fmt.Println(g.Describe())

	// Progress lines go to stdout while zap keeps the structured diagnostics
	stream := bus.SubscribeAll(256)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range stream {
			renderEvent(os.Stdout, ev)
		}
	}()

	report, err := runner.Run(ctx, g)

	bus.Close()
	<-rendered
	if n := bus.Dropped(); n > 0 {
		logger.Warn("slow event subscribers dropped events", zap.Uint64("dropped", n))
	}

	if err != nil {
		logger.Fatal("graph run aborted", zap.Error(err))
	}

	printReport(os.Stdout, report)
	if report.Status != graph.GraphComplete {
		os.Exit(1)
	}
}

// sampleSpecs is the demo workload: a small feature pipeline with a
// build/document split that re-joins for the final audit.
func sampleSpecs() []graph.TaskSpec {
	return []graph.TaskSpec{
		{
			Title:         "Scope the rate limiter",
			Description:   "Decide what the limiter must cover and what stays out.",
			Type:          graph.TypePlan,
			EstimatedTime: 5 * time.Minute,
		},
		{
			Title:         "Survey existing limiter approaches",
			Description:   "Compare token bucket, sliding window, and leaky bucket.",
			Type:          graph.TypeResearch,
			EstimatedTime: 10 * time.Minute,
			Dependencies:  []int{0},
		},
		{
			Title:         "Design the token bucket API",
			Description:   "Public surface, defaults, and failure behaviour.",
			Type:          graph.TypeDesign,
			EstimatedTime: 10 * time.Minute,
			Dependencies:  []int{1},
			DoD:           "API sketch reviewed against the scope from planning.",
		},
		{
			Title:         "Implement the limiter core",
			Type:          graph.TypeBuild,
			EstimatedTime: 20 * time.Minute,
			Dependencies:  []int{2},
		},
		{
			Title:         "Implement the middleware adapter",
			Type:          graph.TypeBuild,
			EstimatedTime: 15 * time.Minute,
			Dependencies:  []int{2},
		},
		{
			Title:         "Stress test core and adapter",
			Type:          graph.TypeTest,
			EstimatedTime: 15 * time.Minute,
			Dependencies:  []int{3, 4},
		},
		{
			Title:         "Document configuration knobs",
			Type:          graph.TypeDocument,
			EstimatedTime: 10 * time.Minute,
			Dependencies:  []int{3},
		},
		{
			Title:         "Audit the final change set",
			Type:          graph.TypeAudit,
			EstimatedTime: 10 * time.Minute,
			Dependencies:  []int{5, 6},
		},
	}
}

// renderEvent prints one human-facing progress line per lifecycle event.
func renderEvent(w io.Writer, ev events.Event) {
	switch e := ev.(type) {
	case events.NodeCompletedEvent:
		fmt.Fprintf(w, "done  %-38s %s (confidence %d)\n", e.Title, e.Provider, e.Confidence)
	case events.NodeFailedEvent:
		if e.Terminal {
			fmt.Fprintf(w, "FAIL  %-38s %v\n", e.Title, e.Err)
		} else {
			fmt.Fprintf(w, "retry %-38s attempt %d failed: %v\n", e.Title, e.Attempt, e.Err)
		}
	case events.NodeSkippedEvent:
		fmt.Fprintf(w, "skip  %-38s blocked by %s\n", e.Title, strings.Join(e.BlockedBy, ", "))
	case events.GraphProgressEvent:
		fmt.Fprintf(w, "wave  %d/%d complete, %d failed, %d skipped\n", e.Completed, e.Total, e.Failed, e.Skipped)
	}
}

func printReport(w io.Writer, report *orchestrator.Report) {
	fmt.Fprintf(w, "\nGraph %s finished %s in %s\n", report.GraphID, report.Status, report.Elapsed.Round(time.Millisecond))
	for _, n := range report.Nodes {
		line := fmt.Sprintf("  [%-8s] %-38s", n.Status, n.Title)
		if n.Provider != "" {
			line += fmt.Sprintf(" %s, confidence %.0f", n.Provider, n.Confidence)
		}
		if n.Rounds > 1 {
			line += fmt.Sprintf(" (%d rounds)", n.Rounds)
		}
		if n.Err != nil {
			line += " " + n.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "Rounds: %d  Spend: $%.2f\n", report.Rounds, report.TotalCost)
}
