package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CascadeResult reports how many dependent rows a cascade delete removed.
type CascadeResult struct {
	Sessions int64 `json:"sessions_deleted"`
	Posts    int64 `json:"posts_deleted"`
	Accounts int64 `json:"accounts_deleted"`
	Tokens   int64 `json:"tokens_deleted"`
}

// DeleteIdentityCascade removes an identity and everything that refers to
// it in a single transaction. The identity row is locked first so that
// concurrent post creation for the same owner waits and then fails on the
// foreign key instead of leaving an orphan behind.
func (r *IdentityRepository) DeleteIdentityCascade(ctx context.Context, id uuid.UUID) (CascadeResult, error) {
	var result CascadeResult
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var email string
		const lockQuery = `SELECT email FROM users WHERE id = $1 FOR UPDATE`
		if err := tx.QueryRowContext(ctx, lockQuery, id).Scan(&email); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock identity: %w", err)
		}

		var err error
		if result.Sessions, err = execCount(ctx, tx, `DELETE FROM sessions WHERE user_id = $1`, id); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if result.Posts, err = execCount(ctx, tx, `DELETE FROM posts WHERE owner_id = $1`, id); err != nil {
			return fmt.Errorf("delete posts: %w", err)
		}
		if result.Accounts, err = execCount(ctx, tx, `DELETE FROM accounts WHERE user_id = $1`, id); err != nil {
			return fmt.Errorf("delete accounts: %w", err)
		}
		if result.Tokens, err = execCount(ctx, tx, `DELETE FROM verification_tokens WHERE email = $1`, email); err != nil {
			return fmt.Errorf("delete tokens: %w", err)
		}

		affected, err := execCount(ctx, tx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete identity: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return CascadeResult{}, err
	}
	return result, nil
}
