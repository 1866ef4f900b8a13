package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the audit row written when a session token is issued.
// Token verification never reads it.
type SessionRecord struct {
	ID         string
	IdentityID uuid.UUID
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// SessionRepository handles persistence for issued session records.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, rec SessionRecord) error {
	const query = `
		INSERT INTO sessions (id, user_id, ip_address, user_agent, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET expires_at = EXCLUDED.expires_at`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.IdentityID,
		nullString(rec.IPAddress),
		nullString(rec.UserAgent),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil && isForeignKeyViolation(err) {
		return ErrNotFound
	}
	return err
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM sessions WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// DeleteByIdentity removes every session record of an identity.
func (r *SessionRepository) DeleteByIdentity(ctx context.Context, identityID uuid.UUID) (int64, error) {
	return execCount(ctx, r.db, `DELETE FROM sessions WHERE user_id = $1`, identityID)
}

// CountActive returns the number of unexpired session records.
func (r *SessionRepository) CountActive(ctx context.Context, identityID uuid.UUID, now time.Time) (int, error) {
	const query = `SELECT COUNT(1) FROM sessions WHERE user_id = $1 AND expires_at > $2`
	var count int
	if err := r.db.QueryRowContext(ctx, query, identityID, now).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
