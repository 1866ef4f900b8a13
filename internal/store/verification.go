package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/memberboard/apiserver/types"
)

// VerificationRepository handles single-use emailed tokens.
type VerificationRepository struct {
	db *sql.DB
}

func NewVerificationRepository(db *sql.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// Create stores a token, replacing any earlier token with the same email
// and purpose.
func (r *VerificationRepository) Create(ctx context.Context, token types.VerificationToken) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		const clear = `DELETE FROM verification_tokens WHERE email = $1 AND purpose = $2`
		if _, err := tx.ExecContext(ctx, clear, token.Email, string(token.Purpose)); err != nil {
			return err
		}
		const insert = `
			INSERT INTO verification_tokens (token_hash, email, purpose, expires_at)
			VALUES ($1, $2, $3, $4)`
		_, err := tx.ExecContext(ctx, insert, token.TokenHash, token.Email, string(token.Purpose), token.ExpiresAt)
		return err
	})
}

func consumeToken(ctx context.Context, tx *sql.Tx, hash string, purpose types.TokenPurpose, now time.Time) (string, error) {
	const query = `
		DELETE FROM verification_tokens
		WHERE token_hash = $1 AND purpose = $2
		RETURNING email, expires_at`
	var (
		email     string
		expiresAt time.Time
	)
	if err := tx.QueryRowContext(ctx, query, hash, string(purpose)).Scan(&email, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !now.Before(expiresAt) {
		return "", ErrExpired
	}
	return email, nil
}

// ConsumeEmailVerification deletes the token and marks the owning identity
// as verified.
func (r *VerificationRepository) ConsumeEmailVerification(ctx context.Context, hash string, now time.Time) (types.Identity, error) {
	var identity types.Identity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		email, err := consumeToken(ctx, tx, hash, types.PurposeEmailVerification, now)
		if err != nil {
			return err
		}
		identity, err = markEmailVerified(ctx, tx, email, now)
		return err
	})
	if errors.Is(err, ErrExpired) {
		// The expired token is still removed.
		_, _ = r.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE token_hash = $1`, hash)
	}
	if err != nil {
		return types.Identity{}, err
	}
	return identity, nil
}

// ConsumePasswordReset deletes the token, stores the new password hash and
// drops every session record of the identity.
func (r *VerificationRepository) ConsumePasswordReset(ctx context.Context, hash, passwordHash string, now time.Time) (types.Identity, error) {
	var identity types.Identity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		email, err := consumeToken(ctx, tx, hash, types.PurposePasswordReset, now)
		if err != nil {
			return err
		}
		query := `
			UPDATE users
			SET password_hash = $1, updated_at = now()
			WHERE email = $2
			RETURNING ` + identityColumns
		identity, err = scanIdentity(tx.QueryRowContext(ctx, query, passwordHash, email))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, identity.ID)
		return err
	})
	if err != nil {
		return types.Identity{}, err
	}
	return identity, nil
}
