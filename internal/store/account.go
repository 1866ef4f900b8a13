package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/types"
)

// AccountRepository handles links between identities and external providers.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) FindByProvider(ctx context.Context, provider, providerAccountID string) (types.Account, error) {
	const query = `
		SELECT id, user_id, provider, provider_account_id, created_at
		FROM accounts
		WHERE provider = $1 AND provider_account_id = $2`
	var account types.Account
	err := r.db.QueryRowContext(ctx, query, provider, providerAccountID).Scan(
		&account.ID,
		&account.IdentityID,
		&account.Provider,
		&account.ProviderAccountID,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	return account, nil
}

func (r *AccountRepository) Link(ctx context.Context, identityID uuid.UUID, provider, providerAccountID string) (types.Account, error) {
	return linkAccount(ctx, r.db, identityID, provider, providerAccountID)
}

func linkAccount(ctx context.Context, q queryRower, identityID uuid.UUID, provider, providerAccountID string) (types.Account, error) {
	const query = `
		INSERT INTO accounts (user_id, provider, provider_account_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	account := types.Account{
		IdentityID:        identityID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
	}
	err := q.QueryRowContext(ctx, query, identityID, provider, providerAccountID).
		Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return types.Account{}, ErrConflict
		case isForeignKeyViolation(err):
			return types.Account{}, ErrNotFound
		}
		return types.Account{}, err
	}
	return account, nil
}

// CreateIdentityWithAccount registers an identity that signs in through an
// external provider. Both rows are written in one transaction.
func (r *AccountRepository) CreateIdentityWithAccount(ctx context.Context, identity types.Identity, provider, providerAccountID string) (types.Identity, error) {
	var created types.Identity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		created, err = createIdentity(ctx, tx, identity)
		if err != nil {
			return err
		}
		if _, err := linkAccount(ctx, tx, created.ID, provider, providerAccountID); err != nil {
			return fmt.Errorf("link account: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.Identity{}, err
	}
	return created, nil
}

// ClaimUnverifiedIdentity links a provider account to an identity whose
// email was never confirmed, marks the email verified and drops any
// password set before the address was proven. The three writes share one
// transaction.
func (r *AccountRepository) ClaimUnverifiedIdentity(ctx context.Context, identityID uuid.UUID, provider, providerAccountID string, at time.Time) (types.Identity, error) {
	var claimed types.Identity
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := linkAccount(ctx, tx, identityID, provider, providerAccountID); err != nil {
			return fmt.Errorf("link account: %w", err)
		}
		query := `
			UPDATE users
			SET password_hash = CASE WHEN email_verified_at IS NULL THEN NULL ELSE password_hash END,
				email_verified_at = COALESCE(email_verified_at, $1),
				updated_at = now()
			WHERE id = $2
			RETURNING ` + identityColumns
		var err error
		claimed, err = scanIdentity(tx.QueryRowContext(ctx, query, at, identityID))
		return err
	})
	if err != nil {
		return types.Identity{}, err
	}
	return claimed, nil
}
