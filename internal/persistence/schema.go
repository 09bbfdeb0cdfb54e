package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_rounds (
		round_id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		station TEXT,
		outcome TEXT NOT NULL,
		reached INTEGER NOT NULL,
		agreement REAL NOT NULL,
		confidence INTEGER NOT NULL,
		best_provider TEXT,
		disagreement TEXT,
		cost REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_rounds_graph ON audit_rounds(graph_id, created_at);

	CREATE TABLE IF NOT EXISTS audit_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		round_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		content TEXT NOT NULL,
		success INTEGER NOT NULL,
		confidence REAL NOT NULL,
		latency_ns INTEGER NOT NULL,
		cost REAL NOT NULL,
		tokens INTEGER NOT NULL,
		error TEXT,
		FOREIGN KEY (round_id) REFERENCES audit_rounds(round_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_audit_responses_round_id ON audit_responses(round_id);

	CREATE TABLE IF NOT EXISTS provider_stats (
		provider TEXT PRIMARY KEY,
		requests INTEGER NOT NULL,
		successes INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		avg_latency_ns INTEGER NOT NULL,
		total_cost REAL NOT NULL,
		total_tokens INTEGER NOT NULL,
		last_used DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
