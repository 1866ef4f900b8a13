package auth

import "errors"

var (
	// ErrNoSuchCredential covers a missing identity and an identity without a
	// password hash. Callers render it exactly like ErrBadPassword.
	ErrNoSuchCredential = errors.New("no such credential")
	// ErrBadPassword is returned when the password does not match the hash.
	ErrBadPassword = errors.New("bad password")
	// ErrUnverified is returned for a password login on an identity whose email
	// has not been confirmed. Unlike the two above it is shown to the user.
	ErrUnverified = errors.New("email not verified")
	// ErrInvalidToken covers bad signatures, tampered payloads and expiry.
	// It always means "no session".
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden is returned when a role or ownership check fails.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidOperation is returned when an admin targets their own account.
	ErrInvalidOperation = errors.New("operation not allowed on own account")
	// ErrStorageUnavailable wraps collaborator failures during an
	// authentication or authorization check. Checks fail closed on it.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrWeakPassword is returned when a new password fails the policy.
	ErrWeakPassword = errors.New("weak password")
)

// IsInvalidCredentials reports whether err is one of the outcomes that must
// look identical to the end user.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrNoSuchCredential) || errors.Is(err, ErrBadPassword)
}
