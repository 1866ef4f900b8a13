// Package sso signs users in through an external OpenID Connect provider.
package sso

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/memberboard/apiserver/config"
	"golang.org/x/oauth2"
)

const stateTTL = 10 * time.Minute

// ErrInvalidState is returned when the callback state is missing, forged or
// expired.
var ErrInvalidState = errors.New("invalid oidc state")

// Identity is what the provider asserts in a verified ID token.
type Identity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Provider wraps discovery, the authorization code exchange and ID token
// verification for one issuer.
type Provider struct {
	name        string
	oauth       oauth2.Config
	verifier    *oidc.IDTokenVerifier
	stateSecret []byte
	now         func() time.Time
}

// NewProvider runs OIDC discovery against the configured issuer.
func NewProvider(ctx context.Context, cfg config.OIDCConfig, stateSecret string) (*Provider, error) {
	if !cfg.Enabled() {
		return nil, errors.New("oidc issuer and client id are required")
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	return &Provider{
		name: strings.ToLower(strings.TrimSpace(cfg.Provider)),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:    provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		stateSecret: []byte(stateSecret),
		now:         time.Now,
	}, nil
}

// Name is the provider key stored on linked accounts.
func (p *Provider) Name() string {
	return p.name
}

// AuthCodeURL returns the provider login URL and the signed state the
// caller must also keep in a cookie for the callback.
func (p *Provider) AuthCodeURL(callback string) (string, string, error) {
	nonce, err := randomString()
	if err != nil {
		return "", "", err
	}
	state, err := signState(p.stateSecret, nonce, callback, p.now())
	if err != nil {
		return "", "", err
	}
	return p.oauth.AuthCodeURL(state, oidc.Nonce(nonce)), state, nil
}

// Exchange trades the authorization code for a verified identity. state is
// the query value and cookieState the value kept in the browser cookie.
// It returns the callback path stored in the state.
func (p *Provider) Exchange(ctx context.Context, state, cookieState, code string) (Identity, string, error) {
	if state == "" || state != cookieState {
		return Identity{}, "", ErrInvalidState
	}
	claims, err := parseState(p.stateSecret, state, p.now)
	if err != nil {
		return Identity{}, "", err
	}

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return Identity{}, "", fmt.Errorf("oidc code exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return Identity{}, "", errors.New("no id_token field in oauth2 token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Identity{}, "", fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != claims.Nonce {
		return Identity{}, "", ErrInvalidState
	}

	var profile struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&profile); err != nil {
		return Identity{}, "", fmt.Errorf("decode id token claims: %w", err)
	}

	return Identity{
		Subject:       idToken.Subject,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          profile.Name,
	}, claims.Callback, nil
}

type stateClaims struct {
	Nonce    string `json:"nonce"`
	Callback string `json:"cb,omitempty"`
	jwt.RegisteredClaims
}

func signState(secret []byte, nonce, callback string, now time.Time) (string, error) {
	claims := stateClaims{
		Nonce:    nonce,
		Callback: callback,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func parseState(secret []byte, state string, now func() time.Time) (stateClaims, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.Nonce == "" {
		return stateClaims{}, ErrInvalidState
	}
	return claims, nil
}

func randomString() (string, error) {
	var buf [24]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
