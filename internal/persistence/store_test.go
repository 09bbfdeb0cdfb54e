package persistence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aristath/concord/internal/provider"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func sampleAudit(roundID, graphID string) *AuditRecord {
	return &AuditRecord{
		RoundID:      roundID,
		GraphID:      graphID,
		NodeID:       "node-1",
		TaskType:     "build",
		Station:      "builder",
		Outcome:      "ok",
		Reached:      true,
		Agreement:    0.91,
		Confidence:   93,
		BestProvider: "claude",
		Disagreement: "low",
		Cost:         0.06,
		Responses: []AuditResponse{
			{Provider: "claude", Content: "use a worker pool", Success: true, Confidence: 0.9, Latency: 120 * time.Millisecond, Cost: 0.03, Tokens: 412},
			{Provider: "gpt", Content: "use a worker pool here", Success: true, Confidence: 0.8, Latency: 250 * time.Millisecond, Cost: 0.02, Tokens: 388},
			{Provider: "gemini", Content: "", Success: false, Error: "deadline exceeded"},
		},
	}
}

func TestSaveAndGetAudit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := sampleAudit("round-1", "graph-1")
	if err := store.SaveAudit(ctx, rec); err != nil {
		t.Fatalf("failed to save audit: %v", err)
	}

	retrieved, err := store.GetAudit(ctx, "round-1")
	if err != nil {
		t.Fatalf("failed to get audit: %v", err)
	}

	if retrieved.RoundID != rec.RoundID {
		t.Errorf("RoundID mismatch: got %s, want %s", retrieved.RoundID, rec.RoundID)
	}
	if retrieved.GraphID != rec.GraphID {
		t.Errorf("GraphID mismatch: got %s, want %s", retrieved.GraphID, rec.GraphID)
	}
	if retrieved.NodeID != rec.NodeID {
		t.Errorf("NodeID mismatch: got %s, want %s", retrieved.NodeID, rec.NodeID)
	}
	if retrieved.TaskType != rec.TaskType {
		t.Errorf("TaskType mismatch: got %s, want %s", retrieved.TaskType, rec.TaskType)
	}
	if retrieved.Outcome != rec.Outcome {
		t.Errorf("Outcome mismatch: got %s, want %s", retrieved.Outcome, rec.Outcome)
	}
	if !retrieved.Reached {
		t.Error("Reached should be true")
	}
	if retrieved.Agreement != rec.Agreement {
		t.Errorf("Agreement mismatch: got %v, want %v", retrieved.Agreement, rec.Agreement)
	}
	if retrieved.Confidence != rec.Confidence {
		t.Errorf("Confidence mismatch: got %d, want %d", retrieved.Confidence, rec.Confidence)
	}
	if retrieved.BestProvider != rec.BestProvider {
		t.Errorf("BestProvider mismatch: got %s, want %s", retrieved.BestProvider, rec.BestProvider)
	}
	if retrieved.CreatedAt.IsZero() {
		t.Error("CreatedAt should be populated by the store")
	}

	if len(retrieved.Responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(retrieved.Responses))
	}
	// Responses come back in arrival order
	if retrieved.Responses[0].Provider != "claude" {
		t.Errorf("first response provider = %s, want claude", retrieved.Responses[0].Provider)
	}
	if retrieved.Responses[0].Latency != 120*time.Millisecond {
		t.Errorf("first response latency = %v, want 120ms", retrieved.Responses[0].Latency)
	}
	if retrieved.Responses[0].Tokens != 412 {
		t.Errorf("first response tokens = %d, want 412", retrieved.Responses[0].Tokens)
	}
	if retrieved.Responses[2].Success {
		t.Error("third response should be a failure")
	}
	if retrieved.Responses[2].Error != "deadline exceeded" {
		t.Errorf("third response error = %q, want %q", retrieved.Responses[2].Error, "deadline exceeded")
	}
}

func TestSaveAuditIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rec := sampleAudit("round-idempotent", "graph-1")
	if err := store.SaveAudit(ctx, rec); err != nil {
		t.Fatalf("failed to save audit: %v", err)
	}

	// Re-record the round with a different verdict and fewer responses
	rec.Outcome = "degraded"
	rec.Reached = false
	rec.Confidence = 30
	rec.Responses = rec.Responses[:1]

	if err := store.SaveAudit(ctx, rec); err != nil {
		t.Fatalf("failed to save audit second time: %v", err)
	}

	retrieved, err := store.GetAudit(ctx, "round-idempotent")
	if err != nil {
		t.Fatalf("failed to get audit: %v", err)
	}

	if retrieved.Outcome != "degraded" {
		t.Errorf("Outcome should be degraded after update, got %s", retrieved.Outcome)
	}
	if retrieved.Reached {
		t.Error("Reached should be false after update")
	}
	if len(retrieved.Responses) != 1 {
		t.Errorf("responses should be replaced wholesale, got %d", len(retrieved.Responses))
	}
}

func TestGetAuditNotFound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.GetAudit(ctx, "nonexistent")
	if err == nil {
		t.Fatal("expected error for missing round, got nil")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' error, got: %v", err)
	}
}

func TestListAudits(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"list-round-1", "list-round-2", "list-round-3"} {
		graphID := "list-graph-a"
		if i == 2 {
			graphID = "list-graph-b"
		}
		if err := store.SaveAudit(ctx, sampleAudit(id, graphID)); err != nil {
			t.Fatalf("failed to save audit %s: %v", id, err)
		}
	}

	// Filtered by graph
	records, err := store.ListAudits(ctx, "list-graph-a")
	if err != nil {
		t.Fatalf("failed to list audits: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 rounds for list-graph-a, got %d", len(records))
	}
	if records[0].RoundID != "list-round-1" || records[1].RoundID != "list-round-2" {
		t.Errorf("rounds out of insertion order: %s, %s", records[0].RoundID, records[1].RoundID)
	}
	if len(records[0].Responses) != 3 {
		t.Errorf("listed round should include responses, got %d", len(records[0].Responses))
	}

	// Unfiltered
	all, err := store.ListAudits(ctx, "")
	if err != nil {
		t.Fatalf("failed to list all audits: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 rounds in total, got %d", len(all))
	}
}

func TestSaveAndLoadStats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	lastUsed := time.Now().UTC().Truncate(time.Second)
	saved := map[string]provider.Stats{
		"claude": {
			Provider:            "claude",
			Requests:            42,
			Successes:           40,
			Failures:            2,
			ConsecutiveFailures: 0,
			SuccessRate:         0.95,
			AvgLatency:          180 * time.Millisecond,
			TotalCost:           1.20,
			TotalTokens:         16500,
			LastUsed:            lastUsed,
		},
		"gpt": {
			Provider:            "gpt",
			Requests:            10,
			Successes:           4,
			Failures:            6,
			ConsecutiveFailures: 4,
			SuccessRate:         0.41,
			AvgLatency:          950 * time.Millisecond,
			TotalCost:           0.08,
			TotalTokens:         3200,
			LastUsed:            lastUsed,
		},
	}

	if err := store.SaveStats(ctx, saved); err != nil {
		t.Fatalf("failed to save stats: %v", err)
	}

	loaded, err := store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("failed to load stats: %v", err)
	}

	if len(loaded) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(loaded))
	}

	claude := loaded["claude"]
	if claude.Requests != 42 {
		t.Errorf("claude requests = %d, want 42", claude.Requests)
	}
	if claude.SuccessRate != 0.95 {
		t.Errorf("claude success rate = %v, want 0.95", claude.SuccessRate)
	}
	if claude.AvgLatency != 180*time.Millisecond {
		t.Errorf("claude avg latency = %v, want 180ms", claude.AvgLatency)
	}
	if claude.LastUsed.Unix() != lastUsed.Unix() {
		t.Errorf("claude last used = %v, want %v", claude.LastUsed, lastUsed)
	}

	gpt := loaded["gpt"]
	if gpt.ConsecutiveFailures != 4 {
		t.Errorf("gpt consecutive failures = %d, want 4", gpt.ConsecutiveFailures)
	}
	if gpt.TotalTokens != 3200 {
		t.Errorf("gpt total tokens = %d, want 3200", gpt.TotalTokens)
	}
}

func TestLoadStatsEmpty(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	loaded, err := store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("failed to load stats: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected empty stats, got %d entries", len(loaded))
	}
}

func TestStatsUpsert(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first := map[string]provider.Stats{
		"upsert-claude": {Provider: "upsert-claude", Requests: 1, Successes: 1, SuccessRate: 1.0},
	}
	if err := store.SaveStats(ctx, first); err != nil {
		t.Fatalf("failed to save first snapshot: %v", err)
	}

	second := map[string]provider.Stats{
		"upsert-claude": {Provider: "upsert-claude", Requests: 5, Successes: 3, Failures: 2, SuccessRate: 0.62},
	}
	if err := store.SaveStats(ctx, second); err != nil {
		t.Fatalf("failed to save second snapshot: %v", err)
	}

	loaded, err := store.LoadStats(ctx)
	if err != nil {
		t.Fatalf("failed to load stats: %v", err)
	}

	st := loaded["upsert-claude"]
	if st.Requests != 5 {
		t.Errorf("requests = %d, want 5 (second snapshot should win)", st.Requests)
	}
	if st.SuccessRate != 0.62 {
		t.Errorf("success rate = %v, want 0.62", st.SuccessRate)
	}
}
