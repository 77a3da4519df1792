package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const accountColumns = `user_id, display_name, is_active, tier, exchange, environment,
	position_pct, max_concurrent, stop_loss_pct, take_profit_pct, max_position_size,
	balance_snapshot, balance_updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*TraderAccount, error) {
	var (
		a         TraderAccount
		tier      string
		balanceAt sql.NullTime
	)
	if err := row.Scan(&a.UserID, &a.DisplayName, &a.Active, &tier, &a.Exchange, &a.Environment,
		&a.PositionPct, &a.MaxConcurrent, &a.StopLossPct, &a.TakeProfitPct, &a.MaxPositionSize,
		&a.BalanceSnapshot, &balanceAt); err != nil {
		return nil, err
	}
	a.Tier = Tier(tier)
	a.BalanceUpdatedAt = nullTime(balanceAt)
	return &a, nil
}

// UpsertAccount mirrors an account from the platform's user domain.
func (d *Database) UpsertAccount(ctx context.Context, a TraderAccount) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trader_accounts (`+accountColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			is_active = excluded.is_active,
			tier = excluded.tier,
			exchange = excluded.exchange,
			environment = excluded.environment,
			position_pct = excluded.position_pct,
			max_concurrent = excluded.max_concurrent,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			max_position_size = excluded.max_position_size,
			balance_snapshot = excluded.balance_snapshot,
			balance_updated_at = excluded.balance_updated_at,
			updated_at = CURRENT_TIMESTAMP
	`, a.UserID, a.DisplayName, a.Active, string(a.Tier), a.Exchange, a.Environment,
		a.PositionPct, a.MaxConcurrent, a.StopLossPct, a.TakeProfitPct, a.MaxPositionSize,
		a.BalanceSnapshot, a.BalanceUpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount returns ErrNotFound when the user has no trader account.
func (d *Database) GetAccount(ctx context.Context, userID string) (*TraderAccount, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM trader_accounts WHERE user_id = ?`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// ListActiveAccounts returns every account allowed to trade.
func (d *Database) ListActiveAccounts(ctx context.Context) ([]TraderAccount, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM trader_accounts WHERE is_active = 1 ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query active accounts: %w", err)
	}
	defer rows.Close()

	var out []TraderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAccountActive flips the active flag.
func (d *Database) SetAccountActive(ctx context.Context, userID string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trader_accounts SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?
	`, active, userID)
	if err != nil {
		return fmt.Errorf("update account active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBalanceSnapshot stores the latest known quote balance.
func (d *Database) UpdateBalanceSnapshot(ctx context.Context, userID string, balance decimal.Decimal, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trader_accounts SET balance_snapshot = ?, balance_updated_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?
	`, balance, utc(at), userID)
	if err != nil {
		return fmt.Errorf("update balance snapshot: %w", err)
	}
	return nil
}
