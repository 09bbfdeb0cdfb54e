package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveAudit saves or updates one dispatch round and its responses.
// Uses ON CONFLICT so re-recording a round is idempotent; responses are
// replaced wholesale.
func (s *SQLiteStore) SaveAudit(ctx context.Context, rec *AuditRecord) error {
	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Upsert round (insert or update on conflict)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_rounds (round_id, graph_id, node_id, task_type, station, outcome, reached, agreement, confidence, best_provider, disagreement, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(round_id) DO UPDATE SET
			outcome = excluded.outcome,
			reached = excluded.reached,
			agreement = excluded.agreement,
			confidence = excluded.confidence,
			best_provider = excluded.best_provider,
			disagreement = excluded.disagreement,
			cost = excluded.cost
	`, rec.RoundID, rec.GraphID, rec.NodeID, rec.TaskType, rec.Station, rec.Outcome, rec.Reached, rec.Agreement, rec.Confidence, rec.BestProvider, rec.Disagreement, rec.Cost)
	if err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}

	// Delete existing responses for this round
	_, err = tx.ExecContext(ctx, `DELETE FROM audit_responses WHERE round_id = ?`, rec.RoundID)
	if err != nil {
		return fmt.Errorf("failed to delete old responses: %w", err)
	}

	// Insert responses in arrival order
	for _, resp := range rec.Responses {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_responses (round_id, provider, content, success, confidence, latency_ns, cost, tokens, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.RoundID, resp.Provider, resp.Content, resp.Success, resp.Confidence, int64(resp.Latency), resp.Cost, resp.Tokens, resp.Error)
		if err != nil {
			return fmt.Errorf("failed to insert response from %s: %w", resp.Provider, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetAudit retrieves a round by ID, including its responses.
func (s *SQLiteStore) GetAudit(ctx context.Context, roundID string) (*AuditRecord, error) {
	rec := &AuditRecord{}

	err := s.db.QueryRowContext(ctx, `
		SELECT round_id, graph_id, node_id, task_type, station, outcome, reached, agreement, confidence, best_provider, disagreement, cost, created_at
		FROM audit_rounds
		WHERE round_id = ?
	`, roundID).Scan(&rec.RoundID, &rec.GraphID, &rec.NodeID, &rec.TaskType, &rec.Station, &rec.Outcome, &rec.Reached, &rec.Agreement, &rec.Confidence, &rec.BestProvider, &rec.Disagreement, &rec.Cost, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("round not found: %s", roundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query round: %w", err)
	}

	responses, err := s.loadResponses(ctx, roundID)
	if err != nil {
		return nil, err
	}
	rec.Responses = responses

	return rec, nil
}

// ListAudits returns rounds for a graph in insertion order, including
// their responses. An empty graphID returns every recorded round.
func (s *SQLiteStore) ListAudits(ctx context.Context, graphID string) ([]*AuditRecord, error) {
	query := `
		SELECT round_id, graph_id, node_id, task_type, station, outcome, reached, agreement, confidence, best_provider, disagreement, cost, created_at
		FROM audit_rounds
	`
	args := []any{}
	if graphID != "" {
		query += ` WHERE graph_id = ?`
		args = append(args, graphID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		err := rows.Scan(&rec.RoundID, &rec.GraphID, &rec.NodeID, &rec.TaskType, &rec.Station, &rec.Outcome, &rec.Reached, &rec.Agreement, &rec.Confidence, &rec.BestProvider, &rec.Disagreement, &rec.Cost, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}

		// Load responses on the second connection while the outer rows stay open
		responses, err := s.loadResponses(ctx, rec.RoundID)
		if err != nil {
			return nil, fmt.Errorf("failed to load responses for round %s: %w", rec.RoundID, err)
		}
		rec.Responses = responses

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rounds: %w", err)
	}

	return records, nil
}

// loadResponses fetches the responses for one round in arrival order.
func (s *SQLiteStore) loadResponses(ctx context.Context, roundID string) ([]AuditResponse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, content, success, confidence, latency_ns, cost, tokens, error
		FROM audit_responses
		WHERE round_id = ?
		ORDER BY id
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	responses := []AuditResponse{}
	for rows.Next() {
		var resp AuditResponse
		var latencyNS int64
		if err := rows.Scan(&resp.Provider, &resp.Content, &resp.Success, &resp.Confidence, &latencyNS, &resp.Cost, &resp.Tokens, &resp.Error); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		resp.Latency = time.Duration(latencyNS)
		responses = append(responses, resp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating responses: %w", err)
	}

	return responses, nil
}
