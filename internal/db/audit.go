package db

import (
	"context"
	"fmt"

	"github.com/abkawan/approval-ledger/internal/models"
)

const decisionColumns = `id, request_id, kind, approver_id, action, status, reason, created_at`

func (p *Postgres) RecordDecision(ctx context.Context, r *models.DecisionRecord) error {
	_, err := p.db.ExecContext(ctx, `
	INSERT INTO decision_log (`+decisionColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RequestID, r.Kind, r.ApproverID, r.Action, r.Status, r.Reason, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// lists an approver's decisions, newest first
func (p *Postgres) ListDecisionsByApprover(ctx context.Context, approverID string, limit, offset int) ([]*models.DecisionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
	SELECT `+decisionColumns+` FROM decision_log
	WHERE approver_id = $1
	ORDER BY created_at DESC
	LIMIT $2 OFFSET $3`, approverID, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Kind, &r.ApproverID, &r.Action, &r.Status, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
