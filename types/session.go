package types

import (
	"time"

	"github.com/google/uuid"
)

// Session is the set of claims carried by a signed session token.
// Email, DisplayName and Role are snapshots taken at issuance and are not
// refreshed unless the token is explicitly re-issued.
type Session struct {
	ID          string    `json:"id"`
	IdentityID  uuid.UUID `json:"identity_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        Role      `json:"role"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Permission is derived per request and never persisted.
type Permission struct {
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
	CanManage bool `json:"can_manage"`
}

// TokenPurpose distinguishes single-use emailed tokens.
type TokenPurpose string

const (
	PurposeEmailVerification TokenPurpose = "email_verification"
	PurposePasswordReset     TokenPurpose = "password_reset"
)

// VerificationToken is a single-use secret sent by email. Only the SHA-256
// hash of the secret is stored.
type VerificationToken struct {
	Email     string       `db:"email"`
	TokenHash string       `db:"token_hash"`
	Purpose   TokenPurpose `db:"purpose"`
	ExpiresAt time.Time    `db:"expires_at"`
	CreatedAt time.Time    `db:"created_at"`
}
