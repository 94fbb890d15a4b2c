package pg

import (
	"context"
	"database/sql"
	"encoding/json"

	"movara.org/internal/audit"
)

type auditStore struct{ db *sql.DB }

// Append writes the batch in one transaction so a flush either lands
// whole or not at all; the sink re-queues the batch on error.
func (a auditStore) Append(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, evt := range events {
		details, err := json.Marshal(evt.Details)
		if err != nil {
			return err
		}
		var (
			riskScore   sql.NullInt64
			riskFactors []byte
		)
		if evt.Risk != nil {
			riskScore = sql.NullInt64{Int64: int64(evt.Risk.Score), Valid: true}
			riskFactors, err = json.Marshal(evt.Risk.Factors)
			if err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into audit_events (id, at, type, severity, outcome, actor_id, details, risk_score, risk_factors)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			on conflict (id) do nothing
		`, evt.ID, evt.At, evt.Type, string(evt.Severity), string(evt.Outcome), evt.ActorID, details, riskScore, riskFactors); err != nil {
			return err
		}
	}
	return tx.Commit()
}
