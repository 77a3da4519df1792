package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const credentialColumns = `id, user_id, exchange, environment, api_key, api_secret, key_version,
	is_pool, is_active, validation_status, error_reason, last_validated_at, flagged_at,
	created_at, updated_at`

func scanCredential(row rowScanner) (*ExchangeCredential, error) {
	var (
		c                   ExchangeCredential
		status              string
		validatedAt, flagAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Environment, &c.APIKeyEncrypted, &c.APISecretEncrypted,
		&c.KeyVersion, &c.IsPool, &c.IsActive, &status, &c.ErrorReason, &validatedAt, &flagAt,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ValidationStatus = ValidationStatus(status)
	c.LastValidatedAt = nullTime(validatedAt)
	c.FlaggedAt = nullTime(flagAt)
	return &c, nil
}

func (d *Database) queryCredential(ctx context.Context, where string, args ...any) (*ExchangeCredential, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM exchange_credentials WHERE `+where, args...)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return c, nil
}

// InsertCredential stores a new credential row (individual or pool).
func (d *Database) InsertCredential(ctx context.Context, c ExchangeCredential) error {
	now := time.Now().UTC()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO exchange_credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.Exchange, c.Environment, c.APIKeyEncrypted, c.APISecretEncrypted, c.KeyVersion,
		c.IsPool, c.IsActive, string(c.ValidationStatus), c.ErrorReason, c.LastValidatedAt, c.FlaggedAt, now, now)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// ReplaceKeys swaps the key material of an individual credential and resets it
// to pending; validation happens outside the engine.
func (d *Database) ReplaceKeys(ctx context.Context, id, apiKeyEnc, apiSecretEnc string, keyVersion int) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_credentials
		SET api_key = ?, api_secret = ?, key_version = ?, is_active = 1,
		    validation_status = 'pending', error_reason = '', flagged_at = NULL, updated_at = ?
		WHERE id = ?
	`, apiKeyEnc, apiSecretEnc, keyVersion, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("replace credential keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredential loads a credential by id.
func (d *Database) GetCredential(ctx context.Context, id string) (*ExchangeCredential, error) {
	return d.queryCredential(ctx, `id = ?`, id)
}

// GetIndividualCredential returns the user's own credential for (exchange, environment).
func (d *Database) GetIndividualCredential(ctx context.Context, userID, exchange, environment string) (*ExchangeCredential, error) {
	return d.queryCredential(ctx, `user_id = ? AND exchange = ? AND environment = ? AND is_pool = 0`,
		userID, exchange, environment)
}

// GetPoolCredential returns the most recently validated usable pool credential.
func (d *Database) GetPoolCredential(ctx context.Context, exchange, environment string) (*ExchangeCredential, error) {
	return d.queryCredential(ctx, `exchange = ? AND environment = ? AND is_pool = 1
		AND is_active = 1 AND validation_status = 'valid'
		ORDER BY last_validated_at DESC LIMIT 1`, exchange, environment)
}

// ListCredentialsByUser returns the user's individual credentials.
func (d *Database) ListCredentialsByUser(ctx context.Context, userID string) ([]ExchangeCredential, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM exchange_credentials
		WHERE user_id = ? AND is_pool = 0 ORDER BY exchange, environment
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var out []ExchangeCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FlagCredentialError marks a credential unusable until it is re-validated externally.
func (d *Database) FlagCredentialError(ctx context.Context, id, reason string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_credentials
		SET validation_status = 'error', error_reason = ?, flagged_at = ?, updated_at = ?
		WHERE id = ?
	`, reason, utc(at), utc(at), id)
	if err != nil {
		return fmt.Errorf("flag credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCredentialValid is the hook used by the external validation collaborator.
func (d *Database) MarkCredentialValid(ctx context.Context, id string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE exchange_credentials
		SET validation_status = 'valid', error_reason = '', flagged_at = NULL, last_validated_at = ?, updated_at = ?
		WHERE id = ?
	`, utc(at), utc(at), id)
	if err != nil {
		return fmt.Errorf("mark credential valid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
