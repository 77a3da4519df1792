package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser inserts a new login.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, utc(u.CreatedAt), utc(u.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns nil when no user matches.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &u, nil
}
