package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordGateState supersedes the current gate row and inserts s as the new
// current row. Rows are never deleted.
func (d *Database) RecordGateState(ctx context.Context, s MarketGateState) (*MarketGateState, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	recorded := utc(s.RecordedAt)
	if _, err := tx.ExecContext(ctx, `
		UPDATE market_gate_states SET superseded_at = ? WHERE superseded_at IS NULL
	`, recorded); err != nil {
		return nil, fmt.Errorf("supersede gate state: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO market_gate_states (value, classification, source, observed_at, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.Value, s.Classification, s.Source, utc(s.ObservedAt), recorded)
	if err != nil {
		return nil, fmt.Errorf("insert gate state: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("gate state id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit gate state: %w", err)
	}

	out := s
	out.ID = id
	out.ObservedAt = utc(s.ObservedAt)
	out.RecordedAt = recorded
	out.SupersededAt = nil
	return &out, nil
}

const gateColumns = `id, value, classification, source, observed_at, recorded_at, superseded_at`

func scanGate(row rowScanner) (*MarketGateState, error) {
	var (
		s          MarketGateState
		superseded sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.Value, &s.Classification, &s.Source, &s.ObservedAt, &s.RecordedAt, &superseded); err != nil {
		return nil, err
	}
	s.SupersededAt = nullTime(superseded)
	return &s, nil
}

// CurrentGateState returns the row that has not been superseded.
func (d *Database) CurrentGateState(ctx context.Context) (*MarketGateState, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+gateColumns+` FROM market_gate_states WHERE superseded_at IS NULL ORDER BY id DESC LIMIT 1
	`)
	s, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query gate state: %w", err)
	}
	return s, nil
}

// GateHistory returns the newest rows first, superseded ones included.
func (d *Database) GateHistory(ctx context.Context, limit int) ([]MarketGateState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM market_gate_states ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query gate history: %w", err)
	}
	defer rows.Close()

	var out []MarketGateState
	for rows.Next() {
		s, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan gate state: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
