package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const signalColumns = `id, idempotency_key, source_id, symbol, action, direction, strength, price,
	strategy, exchange, signal_time, received_at, processed_at`

func scanSignal(row rowScanner) (*Signal, error) {
	var (
		s         Signal
		dir, str  string
		processed sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.IdempotencyKey, &s.SourceID, &s.Symbol, &s.Action, &dir, &str, &s.Price,
		&s.Strategy, &s.Exchange, &s.SignalTime, &s.ReceivedAt, &processed); err != nil {
		return nil, err
	}
	s.Direction = Direction(dir)
	s.Strength = Strength(str)
	s.ProcessedAt = nullTime(processed)
	return &s, nil
}

// InsertSignal persists a signal; a repeated idempotency key yields ErrDuplicate.
func (d *Database) InsertSignal(ctx context.Context, s Signal) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, s.ID, s.IdempotencyKey, s.SourceID, s.Symbol, s.Action, string(s.Direction), string(s.Strength), s.Price,
		s.Strategy, s.Exchange, utc(s.SignalTime), utc(s.ReceivedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// GetSignal loads a signal by id.
func (d *Database) GetSignal(ctx context.Context, id string) (*Signal, error) {
	return d.querySignal(ctx, `id = ?`, id)
}

// GetSignalByKey loads a signal by idempotency key.
func (d *Database) GetSignalByKey(ctx context.Context, key string) (*Signal, error) {
	return d.querySignal(ctx, `idempotency_key = ?`, key)
}

func (d *Database) querySignal(ctx context.Context, where string, args ...any) (*Signal, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals WHERE `+where, args...)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signal: %w", err)
	}
	return s, nil
}

// CountSignals returns the number of stored signals.
func (d *Database) CountSignals(ctx context.Context) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return n, nil
}

// MarkSignalProcessed stamps the time the resolver finished with the signal.
func (d *Database) MarkSignalProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE signals SET processed_at = ? WHERE id = ? AND processed_at IS NULL
	`, utc(at), id)
	if err != nil {
		return fmt.Errorf("mark signal processed: %w", err)
	}
	return nil
}

// ClaimSignalAccount adds the user to the signal's processed-accounts set.
// It returns false when the user was already claimed for this signal.
func (d *Database) ClaimSignalAccount(ctx context.Context, signalID, userID, intentID string, at time.Time) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO signal_accounts (signal_id, user_id, intent_id, created_at)
		VALUES (?, ?, ?, ?)
	`, signalID, userID, intentID, utc(at))
	if err != nil {
		return false, fmt.Errorf("claim signal account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim signal account: %w", err)
	}
	return n == 1, nil
}
