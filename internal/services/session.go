package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/memberboard/apiserver/internal/auth"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

// Authenticator checks email and password pairs.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (types.Identity, error)
}

// SessionIssuer signs session tokens.
type SessionIssuer interface {
	Issue(identity types.Identity) (string, types.Session, error)
	Reissue(identity types.Identity, previous types.Session) (string, types.Session, error)
}

// SessionRecorder keeps the audit trail of issued sessions.
type SessionRecorder interface {
	Create(ctx context.Context, rec store.SessionRecord) error
	Delete(ctx context.Context, id string) error
	DeleteByIdentity(ctx context.Context, identityID uuid.UUID) (int64, error)
}

// IdentityLookup reads identities for sign-in flows.
type IdentityLookup interface {
	FindIdentityByEmail(ctx context.Context, email string) (types.Identity, error)
	FindIdentityByID(ctx context.Context, id uuid.UUID) (types.Identity, error)
}

// AccountRepository links identities to external providers.
type AccountRepository interface {
	FindByProvider(ctx context.Context, provider, providerAccountID string) (types.Account, error)
	Link(ctx context.Context, identityID uuid.UUID, provider, providerAccountID string) (types.Account, error)
	CreateIdentityWithAccount(ctx context.Context, identity types.Identity, provider, providerAccountID string) (types.Identity, error)
	ClaimUnverifiedIdentity(ctx context.Context, identityID uuid.UUID, provider, providerAccountID string, at time.Time) (types.Identity, error)
}

// ClientInfo describes the client a session is issued to.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// IssuedSession is a signed token together with its claims.
type IssuedSession struct {
	Token   string
	Session types.Session
}

// ExternalIdentity is what a provider asserts about a signed-in user.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// SessionService issues, refreshes and ends sessions. The signed cookie is
// the only session authority; the session table is an audit trail.
type SessionService struct {
	authenticator Authenticator
	issuer        SessionIssuer
	identities    IdentityLookup
	accounts      AccountRepository
	records       SessionRecorder
	now           func() time.Time
}

func NewSessionService(
	authenticator Authenticator,
	issuer SessionIssuer,
	identities IdentityLookup,
	accounts AccountRepository,
	records SessionRecorder,
) *SessionService {
	return &SessionService{
		authenticator: authenticator,
		issuer:        issuer,
		identities:    identities,
		accounts:      accounts,
		records:       records,
		now:           time.Now,
	}
}

// Login verifies a password and issues a session.
func (s *SessionService) Login(ctx context.Context, email, password string, client ClientInfo) (IssuedSession, error) {
	identity, err := s.authenticator.Authenticate(ctx, email, password)
	if err != nil {
		return IssuedSession{}, err
	}
	return s.issue(ctx, identity, client, "password")
}

// Logout removes the audit record of a session. The token itself stays
// valid until it expires; the caller clears the cookie.
func (s *SessionService) Logout(ctx context.Context, session types.Session) error {
	return s.records.Delete(ctx, session.ID)
}

// LogoutAll removes the audit records of every session of the identity.
// As with Logout, issued tokens stay valid until they expire.
func (s *SessionService) LogoutAll(ctx context.Context, session types.Session) (int64, error) {
	return s.records.DeleteByIdentity(ctx, session.IdentityID)
}

// Refresh re-reads the identity and re-issues the token with its current
// display name and role. This is the only way role changes reach an
// existing session.
func (s *SessionService) Refresh(ctx context.Context, session types.Session) (IssuedSession, error) {
	identity, err := s.identities.FindIdentityByID(ctx, session.IdentityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return IssuedSession{}, auth.ErrInvalidToken
		}
		return IssuedSession{}, fmt.Errorf("%w: %v", auth.ErrStorageUnavailable, err)
	}
	token, refreshed, err := s.issuer.Reissue(identity, session)
	if err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{Token: token, Session: refreshed}, nil
}

// SignInExternal finds or creates the identity behind a provider account
// and issues a session. A provider email is only trusted when the provider
// marks it verified.
func (s *SessionService) SignInExternal(ctx context.Context, ext ExternalIdentity, client ClientInfo) (IssuedSession, error) {
	if ext.Provider == "" || ext.Subject == "" {
		return IssuedSession{}, fmt.Errorf("%w: provider account is incomplete", ErrInvalidInput)
	}

	identity, err := s.externalIdentity(ctx, ext)
	if err != nil {
		return IssuedSession{}, err
	}
	return s.issue(ctx, identity, client, ext.Provider)
}

func (s *SessionService) externalIdentity(ctx context.Context, ext ExternalIdentity) (types.Identity, error) {
	account, err := s.accounts.FindByProvider(ctx, ext.Provider, ext.Subject)
	if err == nil {
		return s.identities.FindIdentityByID(ctx, account.IdentityID)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return types.Identity{}, err
	}

	email := strings.TrimSpace(ext.Email)
	if email == "" || !ext.EmailVerified {
		return types.Identity{}, auth.ErrUnverified
	}

	existing, err := s.identities.FindIdentityByEmail(ctx, email)
	switch {
	case err == nil && existing.Verified():
		if _, err := s.accounts.Link(ctx, existing.ID, ext.Provider, ext.Subject); err != nil {
			return types.Identity{}, fmt.Errorf("link account: %w", err)
		}
		return existing, nil
	case err == nil:
		// An unconfirmed registration loses its password once the provider
		// proves the address.
		return s.accounts.ClaimUnverifiedIdentity(ctx, existing.ID, ext.Provider, ext.Subject, s.now())
	case errors.Is(err, store.ErrNotFound):
		verifiedAt := s.now()
		return s.accounts.CreateIdentityWithAccount(ctx, types.Identity{
			Email:           email,
			DisplayName:     strings.TrimSpace(ext.Name),
			Role:            types.RoleUser,
			EmailVerifiedAt: &verifiedAt,
		}, ext.Provider, ext.Subject)
	default:
		return types.Identity{}, err
	}
}

func (s *SessionService) issue(ctx context.Context, identity types.Identity, client ClientInfo, method string) (IssuedSession, error) {
	token, session, err := s.issuer.Issue(identity)
	if err != nil {
		return IssuedSession{}, fmt.Errorf("issue session: %w", err)
	}

	err = s.records.Create(ctx, store.SessionRecord{
		ID:         session.ID,
		IdentityID: session.IdentityID,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		CreatedAt:  session.IssuedAt,
		ExpiresAt:  session.ExpiresAt,
	})
	if err != nil {
		slog.Default().WarnContext(ctx, "session audit record not written",
			"module", "services",
			"operation", "issue_session",
			"identity_id", identity.ID,
			"error", err,
		)
	}

	slog.Default().InfoContext(ctx, "session issued",
		"module", "services",
		"operation", "issue_session",
		"outcome", "success",
		"identity_id", identity.ID,
		"method", method,
	)
	return IssuedSession{Token: token, Session: session}, nil
}
