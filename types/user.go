package types

import (
	"time"

	"github.com/google/uuid"
)

// Identity represents a registered member of the board.
// It carries the role and verification state used by authorization.
type Identity struct {
	// ID is the stable identifier of the identity.
	ID uuid.UUID `json:"id" db:"id"`

	// Email is unique and compared exactly as stored.
	Email string `json:"email" db:"email"`

	// DisplayName is the optional name shown next to posts.
	DisplayName string `json:"display_name,omitempty" db:"display_name"`

	// Role indicates the identity's authorization level.
	Role Role `json:"role" db:"role"`

	// EmailVerifiedAt is nil until the verification flow completes.
	// Unverified identities cannot finish password authentication.
	EmailVerifiedAt *time.Time `json:"email_verified_at,omitempty" db:"email_verified_at"`

	// PasswordHash stores the bcrypt hash of the password. It is empty for
	// identities that only sign in through an external provider.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// AvatarKey is the object storage key of the uploaded avatar, if any.
	AvatarKey string `json:"avatar_key,omitempty" db:"avatar_key"`

	// CreatedAt is the timestamp when the identity was registered.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Verified reports whether the email address has been confirmed.
func (i Identity) Verified() bool {
	return i.EmailVerifiedAt != nil
}

// HasPassword reports whether the identity can use password login.
func (i Identity) HasPassword() bool {
	return i.PasswordHash != ""
}

// Account links an identity to an external sign-in provider.
type Account struct {
	ID                int64     `json:"id" db:"id"`
	IdentityID        uuid.UUID `json:"identity_id" db:"user_id"`
	Provider          string    `json:"provider" db:"provider"`
	ProviderAccountID string    `json:"provider_account_id" db:"provider_account_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// IdentitySummary is the admin listing view of an identity.
type IdentitySummary struct {
	Identity
	PostCount int `json:"post_count"`
	// ActiveSessions counts unexpired session records. Only the single
	// identity view fills it.
	ActiveSessions int `json:"active_sessions,omitempty"`
}
