package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/memberboard/apiserver/types"
)

const (
	// SessionTTL is the fixed lifetime of a session token.
	SessionTTL = 30 * 24 * time.Hour

	tokenIssuer     = "memberboard"
	minSecretLength = 32
)

type sessionClaims struct {
	IdentityID  string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// SessionCodec issues and verifies HS256 session tokens. It holds no
// mutable state and is safe for concurrent use.
type SessionCodec struct {
	secret []byte
	now    func() time.Time
}

// CodecOption customizes a SessionCodec.
type CodecOption func(*SessionCodec)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) CodecOption {
	return func(c *SessionCodec) {
		c.now = now
	}
}

// NewSessionCodec builds a codec around a server-held secret.
func NewSessionCodec(secret string, opts ...CodecOption) (*SessionCodec, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d bytes", minSecretLength)
	}
	c := &SessionCodec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a new session for identity, valid for SessionTTL.
func (c *SessionCodec) Issue(identity types.Identity) (string, types.Session, error) {
	issuedAt := c.now().UTC().Truncate(time.Second)
	return c.sign(identity, uuid.NewString(), issuedAt, issuedAt.Add(SessionTTL))
}

// Reissue signs a token carrying freshly loaded identity facts for an
// existing session. The session id and expiry are kept, so re-issuing never
// extends a session.
func (c *SessionCodec) Reissue(identity types.Identity, previous types.Session) (string, types.Session, error) {
	if identity.ID != previous.IdentityID {
		return "", types.Session{}, errors.New("reissue identity does not match session")
	}
	issuedAt := c.now().UTC().Truncate(time.Second)
	if !issuedAt.Before(previous.ExpiresAt) {
		return "", types.Session{}, ErrInvalidToken
	}
	return c.sign(identity, previous.ID, issuedAt, previous.ExpiresAt)
}

func (c *SessionCodec) sign(identity types.Identity, id string, issuedAt, expiresAt time.Time) (string, types.Session, error) {
	if identity.ID == uuid.Nil {
		return "", types.Session{}, errors.New("identity id is required")
	}
	if !identity.Role.Valid() {
		return "", types.Session{}, fmt.Errorf("unknown role %q", identity.Role)
	}

	claims := sessionClaims{
		IdentityID:  identity.ID.String(),
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Role:        identity.Role.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    tokenIssuer,
			Subject:   identity.ID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", types.Session{}, err
	}

	return token, types.Session{
		ID:          id,
		IdentityID:  identity.ID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		Role:        identity.Role,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

// Verify checks the signature and expiry of a token and returns its claims.
// Every failure is reported as ErrInvalidToken.
func (c *SessionCodec) Verify(tokenString string) (types.Session, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return types.Session{}, ErrInvalidToken
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithStrictDecoding(),
	)
	if err != nil || !token.Valid {
		return types.Session{}, ErrInvalidToken
	}

	identityID, err := uuid.Parse(claims.IdentityID)
	if err != nil || identityID == uuid.Nil {
		return types.Session{}, ErrInvalidToken
	}
	role, err := types.ParseRole(claims.Role)
	if err != nil {
		return types.Session{}, ErrInvalidToken
	}
	if claims.ID == "" || claims.Email == "" || claims.IssuedAt == nil {
		return types.Session{}, ErrInvalidToken
	}

	return types.Session{
		ID:          claims.ID,
		IdentityID:  identityID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Role:        role,
		IssuedAt:    claims.IssuedAt.Time.UTC(),
		ExpiresAt:   claims.ExpiresAt.Time.UTC(),
	}, nil
}
