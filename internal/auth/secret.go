// ABOUTME: Worker handshake secrets: shared runner secret and per-worker bcrypt credentials
// ABOUTME: Comparisons are constant time; credentials are stored only as bcrypt hashes

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredential is returned when a presented worker secret does not match.
var ErrBadCredential = errors.New("bad credential")

// SharedSecretMatches reports whether presented equals expected. An empty
// expected secret means none is required.
func SharedSecretMatches(expected, presented string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// HashCredential returns the bcrypt hash of a worker secret.
func HashCredential(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("credential must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing credential: %w", err)
	}
	return string(hash), nil
}

// CheckCredential verifies secret against a bcrypt hash.
func CheckCredential(hash, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrBadCredential
		}
		return fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	return nil
}
