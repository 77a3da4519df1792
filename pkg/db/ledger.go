package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertCapitalEvent mirrors a payment-history entry.
func (d *Database) InsertCapitalEvent(ctx context.Context, e CapitalEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO capital_events (id, user_id, source, amount, status, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, string(e.Source), e.Amount, e.Status, e.Reference, utc(e.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert capital event: %w", err)
	}
	return nil
}

// LatestConfirmedCapitalEvent returns the newest CONFIRMED funding event at or
// before the given time.
func (d *Database) LatestConfirmedCapitalEvent(ctx context.Context, userID string, at time.Time) (*CapitalEvent, error) {
	var (
		e      CapitalEvent
		source string
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, source, amount, status, reference, created_at
		FROM capital_events
		WHERE user_id = ? AND status = 'CONFIRMED' AND created_at <= ?
		ORDER BY created_at DESC LIMIT 1
	`, userID, utc(at)).Scan(&e.ID, &e.UserID, &source, &e.Amount, &e.Status, &e.Reference, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query capital event: %w", err)
	}
	e.Source = FundingSource(source)
	return &e, nil
}

// UpsertAffiliate creates or updates an affiliate.
func (d *Database) UpsertAffiliate(ctx context.Context, a Affiliate) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO affiliates (id, name, tier, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, tier = excluded.tier, is_active = excluded.is_active
	`, a.ID, a.Name, a.Tier, a.IsActive)
	if err != nil {
		return fmt.Errorf("upsert affiliate: %w", err)
	}
	return nil
}

// SetReferral attributes a user to an affiliate.
func (d *Database) SetReferral(ctx context.Context, userID, affiliateID string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO referrals (user_id, affiliate_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET affiliate_id = excluded.affiliate_id
	`, userID, affiliateID)
	if err != nil {
		return fmt.Errorf("set referral: %w", err)
	}
	return nil
}

// GetAffiliateForUser returns the active affiliate that referred the user.
func (d *Database) GetAffiliateForUser(ctx context.Context, userID string) (*Affiliate, error) {
	var a Affiliate
	err := d.DB.QueryRowContext(ctx, `
		SELECT a.id, a.name, a.tier, a.is_active
		FROM referrals r JOIN affiliates a ON a.id = r.affiliate_id
		WHERE r.user_id = ? AND a.is_active = 1
	`, userID).Scan(&a.ID, &a.Name, &a.Tier, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query affiliate: %w", err)
	}
	return &a, nil
}

// RecordAttribution stores the attribution and, when c is non-nil, its
// commission in one transaction. A repeated position yields ErrDuplicate.
func (d *Database) RecordAttribution(ctx context.Context, a RevenueAttribution, c *CommissionRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revenue_attributions (position_id, user_id, funding_source, realized_pnl, attributed_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.PositionID, a.UserID, string(a.FundingSource), a.RealizedPnL, utc(a.AttributedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert attribution: %w", err)
	}

	if c != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_records (id, affiliate_id, source_position_id, user_id, funding_source, rate_applied, amount, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.AffiliateID, c.SourcePositionID, c.UserID, string(c.FundingSource), c.RateApplied, c.Amount, utc(c.CreatedAt))
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return fmt.Errorf("insert commission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attribution: %w", err)
	}
	return nil
}

// GetAttribution loads the attribution for a position.
func (d *Database) GetAttribution(ctx context.Context, positionID string) (*RevenueAttribution, error) {
	var (
		a      RevenueAttribution
		source string
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT position_id, user_id, funding_source, realized_pnl, attributed_at
		FROM revenue_attributions WHERE position_id = ?
	`, positionID).Scan(&a.PositionID, &a.UserID, &source, &a.RealizedPnL, &a.AttributedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query attribution: %w", err)
	}
	a.FundingSource = FundingSource(source)
	return &a, nil
}

const commissionColumns = `id, affiliate_id, source_position_id, user_id, funding_source, rate_applied, amount, created_at`

func scanCommission(row rowScanner) (*CommissionRecord, error) {
	var (
		c      CommissionRecord
		source string
	)
	if err := row.Scan(&c.ID, &c.AffiliateID, &c.SourcePositionID, &c.UserID, &source, &c.RateApplied,
		&c.Amount, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.FundingSource = FundingSource(source)
	return &c, nil
}

// GetCommissionByPosition returns ErrNotFound when the closure earned nothing.
func (d *Database) GetCommissionByPosition(ctx context.Context, positionID string) (*CommissionRecord, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commission_records WHERE source_position_id = ?`, positionID)
	c, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query commission: %w", err)
	}
	return c, nil
}

// ListCommissionsByUser returns commissions generated by the user's closures.
func (d *Database) ListCommissionsByUser(ctx context.Context, userID string, limit int) ([]CommissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+commissionColumns+` FROM commission_records WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	var out []CommissionRecord
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountCommissions returns the number of commission records.
func (d *Database) CountCommissions(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM commission_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commissions: %w", err)
	}
	return n, nil
}
