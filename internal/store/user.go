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

const identityColumns = `id, email, COALESCE(display_name, ''), role, email_verified_at,
		COALESCE(password_hash, ''), COALESCE(avatar_key, ''), created_at, updated_at`

// IdentityRepository handles persistence for identities.
type IdentityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

func scanIdentity(row rowScanner) (types.Identity, error) {
	var (
		identity types.Identity
		role     string
		verified sql.NullTime
	)
	err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.DisplayName,
		&role,
		&verified,
		&identity.PasswordHash,
		&identity.AvatarKey,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Identity{}, ErrNotFound
		}
		return types.Identity{}, err
	}

	parsed, err := types.ParseRole(role)
	if err != nil {
		return types.Identity{}, err
	}
	identity.Role = parsed
	if verified.Valid {
		at := verified.Time
		identity.EmailVerifiedAt = &at
	}
	return identity, nil
}

func (r *IdentityRepository) FindIdentityByEmail(ctx context.Context, email string) (types.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM users WHERE email = $1`
	return scanIdentity(r.db.QueryRowContext(ctx, query, email))
}

func (r *IdentityRepository) FindIdentityByID(ctx context.Context, id uuid.UUID) (types.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM users WHERE id = $1`
	return scanIdentity(r.db.QueryRowContext(ctx, query, id))
}

func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity types.Identity) (types.Identity, error) {
	return createIdentity(ctx, r.db, identity)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func createIdentity(ctx context.Context, q queryRower, identity types.Identity) (types.Identity, error) {
	if identity.Role == "" {
		identity.Role = types.RoleUser
	}
	var verified sql.NullTime
	if identity.EmailVerifiedAt != nil {
		verified = sql.NullTime{Time: *identity.EmailVerifiedAt, Valid: true}
	}

	query := `
		INSERT INTO users (email, display_name, role, email_verified_at, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + identityColumns
	created, err := scanIdentity(q.QueryRowContext(
		ctx,
		query,
		identity.Email,
		nullString(identity.DisplayName),
		string(identity.Role),
		verified,
		nullString(identity.PasswordHash),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return types.Identity{}, ErrConflict
		}
		return types.Identity{}, err
	}
	return created, nil
}

// UpdateIdentityRole changes the role and returns the updated identity.
func (r *IdentityRepository) UpdateIdentityRole(ctx context.Context, id uuid.UUID, role types.Role) (types.Identity, error) {
	if !role.Valid() {
		return types.Identity{}, fmt.Errorf("unknown role %q", role)
	}
	query := `
		UPDATE users
		SET role = $1, updated_at = now()
		WHERE id = $2
		RETURNING ` + identityColumns
	return scanIdentity(r.db.QueryRowContext(ctx, query, string(role), id))
}

func (r *IdentityRepository) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (types.Identity, error) {
	query := `
		UPDATE users
		SET display_name = $1, updated_at = now()
		WHERE id = $2
		RETURNING ` + identityColumns
	return scanIdentity(r.db.QueryRowContext(ctx, query, nullString(displayName), id))
}

func (r *IdentityRepository) SetAvatarKey(ctx context.Context, id uuid.UUID, key string) error {
	const query = `UPDATE users SET avatar_key = $1, updated_at = now() WHERE id = $2`
	affected, err := execCount(ctx, r.db, query, nullString(key), id)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified sets email_verified_at if it is not already set.
func (r *IdentityRepository) MarkEmailVerified(ctx context.Context, email string, at time.Time) (types.Identity, error) {
	return markEmailVerified(ctx, r.db, email, at)
}

func markEmailVerified(ctx context.Context, q queryRower, email string, at time.Time) (types.Identity, error) {
	query := `
		UPDATE users
		SET email_verified_at = COALESCE(email_verified_at, $1), updated_at = now()
		WHERE email = $2
		RETURNING ` + identityColumns
	return scanIdentity(q.QueryRowContext(ctx, query, at, email))
}

// ListIdentities returns a page of identities with their post counts.
func (r *IdentityRepository) ListIdentities(ctx context.Context, offset, limit int) ([]types.IdentitySummary, int, error) {
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 20
	}

	const countQuery = `SELECT COUNT(1) FROM users`
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + identityColumns + `,
			(SELECT COUNT(1) FROM posts p WHERE p.owner_id = users.id)
		FROM users
		ORDER BY created_at, id
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]types.IdentitySummary, 0, limit)
	for rows.Next() {
		var postCount int
		identity, err := scanIdentity(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &postCount)...)
		}))
		if err != nil {
			return nil, 0, err
		}
		items = append(items, types.IdentitySummary{Identity: identity, PostCount: postCount})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// CountPostsByOwner returns the number of posts owned by the identity.
func (r *IdentityRepository) CountPostsByOwner(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `SELECT COUNT(1) FROM posts WHERE owner_id = $1`
	var count int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error {
	return f(dest...)
}
