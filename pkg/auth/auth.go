package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidSecret indicates the caller's shared secret did not match.
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrNotConfigured indicates the service has no shared secret configured.
	ErrNotConfigured = errors.New("shared secret not configured")
)

// CheckSecret compares the caller-provided secret with the configured one.
// Both sides are reduced to fixed-size digests first so the comparison time
// does not depend on the configured secret's length or content.
func CheckSecret(provided, expected string) error {
	if expected == "" {
		return ErrNotConfigured
	}
	p := blake2b.Sum256([]byte(provided))
	e := blake2b.Sum256([]byte(expected))
	if subtle.ConstantTimeCompare(p[:], e[:]) != 1 {
		return ErrInvalidSecret
	}
	return nil
}
