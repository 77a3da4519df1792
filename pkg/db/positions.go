package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const positionColumns = `id, user_id, signal_id, credential_id, exchange, environment, symbol, direction,
	entry_price, quantity, stop_loss_price, take_profit_price, opened_at, status, exchange_order_id,
	failure_reason, frozen_reason, updated_at`

func scanPosition(row rowScanner) (*Position, error) {
	var (
		p           Position
		dir, status string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.SignalID, &p.CredentialID, &p.Exchange, &p.Environment, &p.Symbol,
		&dir, &p.EntryPrice, &p.Quantity, &p.StopLossPrice, &p.TakeProfitPrice, &p.OpenedAt, &status,
		&p.ExchangeOrderID, &p.FailureReason, &p.FrozenReason, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Direction = Direction(dir)
	p.Status = PositionStatus(status)
	return &p, nil
}

func (d *Database) queryPositions(ctx context.Context, query string, args ...any) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CreatePosition inserts an OPEN position and links the opening order to it in
// one transaction. The partial unique index on (user_id, symbol) makes the
// one-active-position rule hold even across processes.
func (d *Database) CreatePosition(ctx context.Context, p Position, orderID string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.SignalID, p.CredentialID, p.Exchange, p.Environment, p.Symbol, string(p.Direction),
		p.EntryPrice, p.Quantity, p.StopLossPrice, p.TakeProfitPrice, utc(p.OpenedAt), string(p.Status),
		p.ExchangeOrderID, p.FailureReason, p.FrozenReason, now)
	if isUniqueViolation(err) {
		return ErrActivePosition
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	if orderID != "" {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET position_id = ?, updated_at = ? WHERE id = ?`,
			p.ID, now, orderID); err != nil {
			return fmt.Errorf("link order to position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit position: %w", err)
	}
	return nil
}

// HasActivePosition reports whether (user, symbol) has an OPEN or CLOSING position.
func (d *Database) HasActivePosition(ctx context.Context, userID, symbol string) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = ? AND symbol = ? AND status IN ('OPEN', 'CLOSING')
	`, userID, symbol).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query active position: %w", err)
	}
	return n > 0, nil
}

// CountActivePositions counts the user's OPEN and CLOSING positions.
func (d *Database) CountActivePositions(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = ? AND status IN ('OPEN', 'CLOSING')
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active positions: %w", err)
	}
	return n, nil
}

// GetPosition loads a position by id.
func (d *Database) GetPosition(ctx context.Context, id string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// ListPositionsByStatus returns positions in any of the given statuses, oldest first.
func (d *Database) ListPositionsByStatus(ctx context.Context, statuses ...PositionStatus) ([]Position, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return d.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE status IN (`+placeholders+`) ORDER BY opened_at`, args...)
}

// ListActiveBySymbol returns OPEN positions on symbol across all users.
func (d *Database) ListActiveBySymbol(ctx context.Context, symbol string) ([]Position, error) {
	return d.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE symbol = ? AND status = 'OPEN' ORDER BY opened_at`, symbol)
}

// ListPositionsByUser returns the user's newest positions first.
func (d *Database) ListPositionsByUser(ctx context.Context, userID string, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}
	return d.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions
		WHERE user_id = ? ORDER BY opened_at DESC LIMIT ?`, userID, limit)
}

// CountPositions counts positions for (user, symbol) in the given status.
func (d *Database) CountPositions(ctx context.Context, userID, symbol string, status PositionStatus) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE user_id = ? AND symbol = ? AND status = ?
	`, userID, symbol, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

// TransitionPosition moves a position from one status to another. It fails
// with ErrStatusConflict when the position is not currently in from.
func (d *Database) TransitionPosition(ctx context.Context, id string, from, to PositionStatus, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET status = ?, failure_reason = CASE WHEN ? <> '' THEN ? ELSE failure_reason END, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), reason, reason, time.Now().UTC(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// FreezePosition suspends automated close attempts.
func (d *Database) FreezePosition(ctx context.Context, id, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET frozen_reason = ?, updated_at = ?
		WHERE id = ? AND status IN ('OPEN', 'CLOSING')
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("freeze position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// ClosePosition marks a CLOSING position CLOSED and records its ClosureEvent
// atomically.
func (d *Database) ClosePosition(ctx context.Context, ev ClosureEvent) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions SET status = 'CLOSED', updated_at = ? WHERE id = ? AND status = 'CLOSING'
	`, utc(ev.ClosedAt), ev.PositionID)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStatusConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO closure_events (position_id, user_id, symbol, exit_price, reason, realized_pnl, close_order_id, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.PositionID, ev.UserID, ev.Symbol, ev.ExitPrice, string(ev.Reason), ev.RealizedPnL, ev.CloseOrderID, utc(ev.ClosedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert closure event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit closure: %w", err)
	}
	return nil
}

const closureColumns = `position_id, user_id, symbol, exit_price, reason, realized_pnl, close_order_id, closed_at`

func scanClosure(row rowScanner) (*ClosureEvent, error) {
	var (
		ev     ClosureEvent
		reason string
	)
	if err := row.Scan(&ev.PositionID, &ev.UserID, &ev.Symbol, &ev.ExitPrice, &reason, &ev.RealizedPnL,
		&ev.CloseOrderID, &ev.ClosedAt); err != nil {
		return nil, err
	}
	ev.Reason = CloseReason(reason)
	return &ev, nil
}

// GetClosureEvent loads the closure for a position.
func (d *Database) GetClosureEvent(ctx context.Context, positionID string) (*ClosureEvent, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+closureColumns+` FROM closure_events WHERE position_id = ?`, positionID)
	ev, err := scanClosure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query closure event: %w", err)
	}
	return ev, nil
}

// ListUnattributedClosures returns closures that have no revenue attribution yet.
func (d *Database) ListUnattributedClosures(ctx context.Context, limit int) ([]ClosureEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT c.position_id, c.user_id, c.symbol, c.exit_price, c.reason, c.realized_pnl, c.close_order_id, c.closed_at
		FROM closure_events c
		LEFT JOIN revenue_attributions r ON r.position_id = c.position_id
		WHERE r.position_id IS NULL
		ORDER BY c.closed_at
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unattributed closures: %w", err)
	}
	defer rows.Close()

	var out []ClosureEvent
	for rows.Next() {
		ev, err := scanClosure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan closure event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
