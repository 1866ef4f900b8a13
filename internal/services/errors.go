package services

import "errors"

var (
	// ErrInvalidInput wraps request validation failures. The message after
	// the colon is safe to show to the user.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidVerificationToken covers unknown and already used tokens.
	ErrInvalidVerificationToken = errors.New("invalid or used token")
	// ErrVerificationExpired is returned for a token past its expiry.
	ErrVerificationExpired = errors.New("token expired")
)
