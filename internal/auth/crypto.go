// Package auth implements the OAuth2/OIDC protocol engine: the client
// registry, scope validation, authorization codes, consent, token issuance
// and the orchestration behind the authorize, token, introspection and
// revocation endpoints.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
)

const (
	// BcryptCost defines the cost factor for bcrypt hashing.
	// Each increment doubles the time required to hash.
	BcryptCost = 12
)

// HashClientSecret generates a bcrypt hash of the provided client secret.
// The hash can be safely stored and used for future verification.
//
// Example:
//
//	hash, err := HashClientSecret("my-secret-key")
//	if err != nil {
//	    return err
//	}
func HashClientSecret(secret string) (string, error) {
	return hashClientSecret(secret, BcryptCost)
}

func hashClientSecret(secret string, cost int) (string, error) {
	if secret == "" {
		return "", errors.New("client secret cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}

	return string(hash), nil
}

// VerifyClientSecret compares a plaintext secret against a bcrypt hash in
// constant time. It returns nil only when they match.
func VerifyClientSecret(hash, secret string) error {
	if hash == "" {
		return errors.New("hash cannot be empty")
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return fmt.Errorf("client secret verification failed: %w", err)
	}

	return nil
}

// GenerateClientSecret returns a new random client secret (256 bits, base64url).
func GenerateClientSecret() (string, error) {
	return token.GenerateOpaqueToken()
}
