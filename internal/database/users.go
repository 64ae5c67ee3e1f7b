package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a user or session lookup matches no row.
var ErrNotFound = errors.New("not found")

// UserRow is a stored operator account.
type UserRow struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastSignIn   *time.Time
}

const userColumns = `id, email, password_hash, created_at, last_sign_in`

func scanUser(row pgx.Row) (*UserRow, error) {
	var u UserRow
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.LastSignIn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserByEmail looks up an account by case-insensitive email.
func (db *DB) UserByEmail(ctx context.Context, email string) (*UserRow, error) {
	return scanUser(db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
}

// UpsertUser creates the account or resets its password hash.
func (db *DB) UpsertUser(ctx context.Context, email, passwordHash string) (*UserRow, error) {
	u, err := scanUser(db.Pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash) VALUES (lower($1), $2)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING `+userColumns, email, passwordHash))
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

// CreateSession stores a session keyed by the hash of its bearer token and
// records the sign-in time on the user.
func (db *DB) CreateSession(ctx context.Context, tokenHash string, userID uuid.UUID, expiresAt time.Time) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		tokenHash, userID, expiresAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET last_sign_in = now() WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return tx.Commit(ctx)
}

// SessionUser resolves an unexpired session to its user and expiry.
func (db *DB) SessionUser(ctx context.Context, tokenHash string) (*UserRow, time.Time, error) {
	var u UserRow
	var expires time.Time
	err := db.Pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.password_hash, u.created_at, u.last_sign_in, s.expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = $1 AND s.expires_at > now()
	`, tokenHash).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.LastSignIn, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return &u, expires, nil
}

// DeleteSession removes a session. Deleting an unknown session is not an error.
func (db *DB) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// PurgeExpiredSessions deletes sessions past their expiry and returns how many.
func (db *DB) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
