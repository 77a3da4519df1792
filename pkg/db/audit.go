package db

import (
	"context"
	"fmt"
)

const auditInsertSQL = `
	INSERT INTO intent_audit (signal_id, user_id, intent_id, symbol, stage, reason, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// InsertAuditEntry writes a single audit row synchronously.
func (d *Database) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if _, err := d.DB.ExecContext(ctx, auditInsertSQL,
		e.SignalID, e.UserID, e.IntentID, e.Symbol, e.Stage, e.Reason, e.Detail, utc(e.CreatedAt)); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditBySignal returns the audit trail of a signal, oldest first.
func (d *Database) ListAuditBySignal(ctx context.Context, signalID string) ([]AuditEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT signal_id, user_id, intent_id, symbol, stage, reason, detail, created_at
		FROM intent_audit WHERE signal_id = ? ORDER BY id
	`, signalID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.SignalID, &e.UserID, &e.IntentID, &e.Symbol, &e.Stage, &e.Reason, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
