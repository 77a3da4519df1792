package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const orderColumns = `id, user_id, credential_id, signal_id, position_id, purpose, symbol, side, qty,
	filled_qty, avg_price, status, exchange_order_id, endpoint, error, created_at, updated_at`

// InsertOrder records a new order attempt.
func (d *Database) InsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.CredentialID, o.SignalID, o.PositionID, o.Purpose, o.Symbol, o.Side, o.Qty,
		o.FilledQty, o.AvgPrice, o.Status, o.ExchangeOrderID, o.Endpoint, o.Error, utc(o.CreatedAt), utc(o.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// OrderUpdate carries the outcome of an exchange call.
type OrderUpdate struct {
	Status          string
	FilledQty       decimal.Decimal
	AvgPrice        decimal.Decimal
	ExchangeOrderID string
	Endpoint        string
	Error           string
}

// UpdateOrder stores the outcome of an order attempt.
func (d *Database) UpdateOrder(ctx context.Context, id string, u OrderUpdate) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_price = ?, exchange_order_id = ?, endpoint = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, u.Status, u.FilledQty, u.AvgPrice, u.ExchangeOrderID, u.Endpoint, u.Error, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	if err := row.Scan(&o.ID, &o.UserID, &o.CredentialID, &o.SignalID, &o.PositionID, &o.Purpose, &o.Symbol,
		&o.Side, &o.Qty, &o.FilledQty, &o.AvgPrice, &o.Status, &o.ExchangeOrderID, &o.Endpoint, &o.Error,
		&o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// GetOrder loads an order by id.
func (d *Database) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// ListOrdersByUser returns the newest orders first.
func (d *Database) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
