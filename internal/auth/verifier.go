package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/memberboard/apiserver/internal/metrics"
	"github.com/memberboard/apiserver/internal/store"
	"github.com/memberboard/apiserver/types"
)

// IdentityFinder looks up identities by email.
type IdentityFinder interface {
	FindIdentityByEmail(ctx context.Context, email string) (types.Identity, error)
}

// Verifier checks email and password pairs against stored credentials.
type Verifier struct {
	identities IdentityFinder
	hasher     *Hasher
	// dummyHash is compared against when no credential exists so that the
	// response time does not reveal whether the email is registered.
	dummyHash string
	metrics   *metrics.Metrics
}

// NewVerifier constructs a Verifier. m may be nil.
func NewVerifier(identities IdentityFinder, hasher *Hasher, m *metrics.Metrics) (*Verifier, error) {
	dummy, err := hasher.Hash("memberboard-placeholder-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Verifier{
		identities: identities,
		hasher:     hasher,
		dummyHash:  dummy,
		metrics:    m,
	}, nil
}

// Authenticate resolves the identity for an email and password.
// The email is matched exactly as stored. It returns ErrNoSuchCredential,
// ErrUnverified, ErrBadPassword or ErrStorageUnavailable on failure. Nothing
// is retried.
func (v *Verifier) Authenticate(ctx context.Context, email, password string) (types.Identity, error) {
	identity, err := v.identities.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = v.hasher.Compare(v.dummyHash, password)
			return v.fail(ctx, "no_such_credential", ErrNoSuchCredential)
		}
		slog.Default().ErrorContext(ctx, "credential lookup failed",
			"module", "auth",
			"operation", "authenticate",
			"outcome", "failure",
			"error", err,
		)
		return v.fail(ctx, "storage_unavailable", fmt.Errorf("%w: %v", ErrStorageUnavailable, err))
	}

	if !identity.HasPassword() {
		_ = v.hasher.Compare(v.dummyHash, password)
		return v.fail(ctx, "no_such_credential", ErrNoSuchCredential)
	}

	if !identity.Verified() {
		return v.fail(ctx, "unverified", ErrUnverified)
	}

	if err := v.hasher.Compare(identity.PasswordHash, password); err != nil {
		return v.fail(ctx, "bad_password", ErrBadPassword)
	}

	v.metrics.AuthOutcome("success")
	return identity, nil
}

func (v *Verifier) fail(ctx context.Context, outcome string, err error) (types.Identity, error) {
	v.metrics.AuthOutcome(outcome)
	slog.Default().DebugContext(ctx, "password authentication rejected",
		"module", "auth",
		"operation", "authenticate",
		"outcome", outcome,
	)
	return types.Identity{}, err
}
