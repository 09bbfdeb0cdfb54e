package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/concord/internal/provider"
)

// SaveStats upserts provider stat snapshots in one transaction.
// Called at shutdown so rolling averages survive restarts.
func (s *SQLiteStore) SaveStats(ctx context.Context, stats map[string]provider.Stats) error {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for id, st := range stats {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO provider_stats (provider, requests, successes, failures, consecutive_failures, success_rate, avg_latency_ns, total_cost, total_tokens, last_used, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(provider) DO UPDATE SET
				requests = excluded.requests,
				successes = excluded.successes,
				failures = excluded.failures,
				consecutive_failures = excluded.consecutive_failures,
				success_rate = excluded.success_rate,
				avg_latency_ns = excluded.avg_latency_ns,
				total_cost = excluded.total_cost,
				total_tokens = excluded.total_tokens,
				last_used = excluded.last_used,
				updated_at = CURRENT_TIMESTAMP
		`, id, st.Requests, st.Successes, st.Failures, st.ConsecutiveFailures, st.SuccessRate, int64(st.AvgLatency), st.TotalCost, st.TotalTokens, st.LastUsed)
		if err != nil {
			return fmt.Errorf("failed to upsert stats for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// LoadStats returns persisted snapshots keyed by provider ID, ready to
// feed a StatsStore restore. Returns an empty map when nothing has been
// saved yet.
func (s *SQLiteStore) LoadStats(ctx context.Context) (map[string]provider.Stats, error) {
	// Create 5-second timeout context
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, requests, successes, failures, consecutive_failures, success_rate, avg_latency_ns, total_cost, total_tokens, last_used
		FROM provider_stats
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]provider.Stats{}
	for rows.Next() {
		var st provider.Stats
		var latencyNS int64
		if err := rows.Scan(&st.Provider, &st.Requests, &st.Successes, &st.Failures, &st.ConsecutiveFailures, &st.SuccessRate, &latencyNS, &st.TotalCost, &st.TotalTokens, &st.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		st.AvgLatency = time.Duration(latencyNS)
		stats[st.Provider] = st
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}

	return stats, nil
}
