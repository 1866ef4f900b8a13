package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/mq"
	"github.com/memberboard/apiserver/internal/storage"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

const (
	emailVerificationTTL = 24 * time.Hour
	passwordResetTTL     = time.Hour
	maxDisplayNameLength = 100
)

// IdentityRepository defines persistence operations for identities.
type IdentityRepository interface {
	FindIdentityByEmail(ctx context.Context, email string) (types.Identity, error)
	FindIdentityByID(ctx context.Context, id uuid.UUID) (types.Identity, error)
	CreateIdentity(ctx context.Context, identity types.Identity) (types.Identity, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (types.Identity, error)
	SetAvatarKey(ctx context.Context, id uuid.UUID, key string) error
	ListIdentities(ctx context.Context, offset, limit int) ([]types.IdentitySummary, int, error)
	CountPostsByOwner(ctx context.Context, id uuid.UUID) (int, error)
}

// VerificationRepository stores single-use emailed tokens.
type VerificationRepository interface {
	Create(ctx context.Context, token types.VerificationToken) error
	ConsumeEmailVerification(ctx context.Context, hash string, now time.Time) (types.Identity, error)
	ConsumePasswordReset(ctx context.Context, hash, passwordHash string, now time.Time) (types.Identity, error)
}

// SessionCounter reports how many session records an identity holds.
type SessionCounter interface {
	CountActive(ctx context.Context, identityID uuid.UUID, now time.Time) (int, error)
}

// EventPublisher sends domain events.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// EmailToken is the payload of the email channels. The delivery worker
// renders and sends the email.
type EmailToken struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	Token       string    `json:"token"`
	Link        string    `json:"link"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UserService encapsulates account use-cases outside of sign-in.
type UserService struct {
	repo          IdentityRepository
	verifications VerificationRepository
	sessions      SessionCounter
	hasher        *auth.Hasher
	events        EventPublisher
	avatars       *storage.Avatars
	baseURL       string
	now           func() time.Time
}

func NewUserService(
	repo IdentityRepository,
	verifications VerificationRepository,
	sessions SessionCounter,
	hasher *auth.Hasher,
	events EventPublisher,
	avatars *storage.Avatars,
	baseURL string,
) *UserService {
	return &UserService{
		repo:          repo,
		verifications: verifications,
		sessions:      sessions,
		hasher:        hasher,
		events:        events,
		avatars:       avatars,
		baseURL:       strings.TrimRight(baseURL, "/"),
		now:           time.Now,
	}
}

// Register creates an unverified identity and sends a verification email.
func (s *UserService) Register(ctx context.Context, email, password, displayName string) (types.Identity, error) {
	email, err := validateEmail(email)
	if err != nil {
		return types.Identity{}, err
	}
	displayName, err = validateDisplayName(displayName)
	if err != nil {
		return types.Identity{}, err
	}
	if err := auth.ValidatePassword(password); err != nil {
		return types.Identity{}, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return types.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	identity, err := s.repo.CreateIdentity(ctx, types.Identity{
		Email:        email,
		DisplayName:  displayName,
		Role:         types.RoleUser,
		PasswordHash: hash,
	})
	if err != nil {
		return types.Identity{}, err
	}

	if err := s.sendToken(ctx, identity, types.PurposeEmailVerification); err != nil {
		// The account exists; the user can ask for another email.
		slog.Default().ErrorContext(ctx, "verification email not queued",
			"module", "services",
			"operation", "register",
			"outcome", "partial",
			"identity_id", identity.ID,
			"error", err,
		)
	}
	return identity, nil
}

// VerifyEmail consumes a verification token and marks the identity verified.
func (s *UserService) VerifyEmail(ctx context.Context, token string) (types.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return types.Identity{}, ErrInvalidVerificationToken
	}
	identity, err := s.verifications.ConsumeEmailVerification(ctx, hashToken(token), s.now())
	return identity, tokenError(err)
}

// ResendVerification queues a new verification email when the address
// belongs to an unverified identity. Unknown and verified addresses are
// ignored so the caller cannot tell them apart.
func (s *UserService) ResendVerification(ctx context.Context, email string) error {
	identity, err := s.repo.FindIdentityByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if identity.Verified() {
		return nil
	}
	return s.sendToken(ctx, identity, types.PurposeEmailVerification)
}

// ForgotPassword queues a reset email when the address is registered.
func (s *UserService) ForgotPassword(ctx context.Context, email string) error {
	identity, err := s.repo.FindIdentityByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.sendToken(ctx, identity, types.PurposePasswordReset)
}

// ResetPassword stores a new password for the token's identity. It never
// signs the user in.
func (s *UserService) ResetPassword(ctx context.Context, token, password string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidVerificationToken
	}
	if err := auth.ValidatePassword(password); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	identity, err := s.verifications.ConsumePasswordReset(ctx, hashToken(token), hash, s.now())
	if err != nil {
		return tokenError(err)
	}
	slog.Default().InfoContext(ctx, "password reset",
		"module", "services",
		"operation", "reset_password",
		"outcome", "success",
		"identity_id", identity.ID,
	)
	return nil
}

func (s *UserService) Get(ctx context.Context, id uuid.UUID) (types.Identity, error) {
	return s.repo.FindIdentityByID(ctx, id)
}

// Summary returns an identity together with its post and active session
// counts.
func (s *UserService) Summary(ctx context.Context, id uuid.UUID) (types.IdentitySummary, error) {
	identity, err := s.repo.FindIdentityByID(ctx, id)
	if err != nil {
		return types.IdentitySummary{}, err
	}
	count, err := s.repo.CountPostsByOwner(ctx, id)
	if err != nil {
		return types.IdentitySummary{}, err
	}
	active, err := s.sessions.CountActive(ctx, id, s.now())
	if err != nil {
		return types.IdentitySummary{}, err
	}
	return types.IdentitySummary{Identity: identity, PostCount: count, ActiveSessions: active}, nil
}

func (s *UserService) List(ctx context.Context, offset, limit int) ([]types.IdentitySummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.ListIdentities(ctx, offset, limit)
}

func (s *UserService) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (types.Identity, error) {
	displayName, err := validateDisplayName(displayName)
	if err != nil {
		return types.Identity{}, err
	}
	return s.repo.UpdateProfile(ctx, id, displayName)
}

// UploadAvatar stores a new avatar and removes the previous object.
func (s *UserService) UploadAvatar(ctx context.Context, id uuid.UUID, r io.Reader, size int64, contentType string) (types.Identity, error) {
	current, err := s.repo.FindIdentityByID(ctx, id)
	if err != nil {
		return types.Identity{}, err
	}
	key, err := s.avatars.Upload(ctx, id, r, size, contentType)
	if err != nil {
		return types.Identity{}, err
	}
	if err := s.repo.SetAvatarKey(ctx, id, key); err != nil {
		_ = s.avatars.Remove(ctx, key)
		return types.Identity{}, err
	}
	if err := s.avatars.Remove(ctx, current.AvatarKey); err != nil {
		slog.Default().WarnContext(ctx, "old avatar not removed",
			"module", "services",
			"operation", "upload_avatar",
			"key", current.AvatarKey,
			"error", err,
		)
	}
	current.AvatarKey = key
	return current, nil
}

// OpenAvatar returns the avatar image of an identity.
func (s *UserService) OpenAvatar(ctx context.Context, id uuid.UUID) (io.ReadCloser, error) {
	identity, err := s.repo.FindIdentityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.AvatarKey == "" {
		return nil, store.ErrNotFound
	}
	rc, err := s.avatars.Open(ctx, identity.AvatarKey)
	if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrDisabled) {
		return nil, store.ErrNotFound
	}
	return rc, err
}

func (s *UserService) sendToken(ctx context.Context, identity types.Identity, purpose types.TokenPurpose) error {
	secret, err := newTokenSecret()
	if err != nil {
		return err
	}

	ttl, channel, page := emailVerificationTTL, mq.ChannelEmailVerification, "/verify-email"
	if purpose == types.PurposePasswordReset {
		ttl, channel, page = passwordResetTTL, mq.ChannelPasswordReset, "/reset-password"
	}
	expiresAt := s.now().Add(ttl)

	if err := s.verifications.Create(ctx, types.VerificationToken{
		Email:     identity.Email,
		TokenHash: hashToken(secret),
		Purpose:   purpose,
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("store %s token: %w", purpose, err)
	}

	return s.events.Publish(ctx, channel, EmailToken{
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Token:       secret,
		Link:        s.baseURL + page + "?token=" + url.QueryEscape(secret),
		ExpiresAt:   expiresAt,
	})
}

func newTokenSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

func tokenError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrInvalidVerificationToken
	case errors.Is(err, store.ErrExpired):
		return ErrVerificationExpired
	default:
		return err
	}
}

// validateEmail trims surrounding space only. Case is kept because lookups
// are exact.
func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: email address is not valid", ErrInvalidInput)
	}
	return email, nil
}

func validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return "", fmt.Errorf("%w: display name must be at most %d characters", ErrInvalidInput, maxDisplayNameLength)
	}
	return name, nil
}
