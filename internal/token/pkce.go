package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// PKCE-related constants. Lengths follow RFC 7636.
const (
	// CodeVerifierMinLength is the minimum allowed length for a generated code verifier.
	CodeVerifierMinLength = 43

	// CodeVerifierMaxLength is the maximum allowed length for a code verifier.
	CodeVerifierMaxLength = 128

	// CodeChallengeMaxLength is the maximum accepted length of a code challenge.
	CodeChallengeMaxLength = 128

	// CodeEntropyBytes is the number of random bytes behind a generated verifier.
	CodeEntropyBytes = 32
)

// PKCEService defines operations for generating and checking PKCE code
// verifiers and code challenges according to RFC 7636.
type PKCEService interface {
	// GenerateCodeVerifier returns a new URL-safe code verifier.
	GenerateCodeVerifier() (string, error)

	// ComputeCodeChallenge derives the challenge for verifier under method.
	ComputeCodeChallenge(codeVerifier, method string) (string, error)

	// VerifyCodeChallenge reports whether verifier matches the stored challenge.
	VerifyCodeChallenge(codeVerifier, codeChallenge, method string) bool

	// ValidateCodeChallenge checks the shape of a challenge sent to /authorize.
	ValidateCodeChallenge(codeChallenge string) error

	// ValidateCodeChallengeMethod checks that method is "plain" or "S256".
	ValidateCodeChallengeMethod(method string) error
}

type pkceService struct{}

// NewPKCEService constructs a PKCEService implementation.
func NewPKCEService() PKCEService {
	return &pkceService{}
}

// GenerateCodeVerifier generates a random, URL-safe, base64-encoded string
// suitable for use as a PKCE code verifier.
func (p *pkceService) GenerateCodeVerifier() (string, error) {
	buf := make([]byte, CodeEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random bytes for code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ComputeCodeChallenge computes the code challenge for codeVerifier. S256 is
// BASE64URL-NOPAD(SHA256(verifier)); plain is the verifier itself.
func (p *pkceService) ComputeCodeChallenge(codeVerifier, method string) (string, error) {
	if codeVerifier == "" {
		return "", errors.New("code verifier is empty")
	}

	switch method {
	case models.CodeChallengeMethodPlain:
		return codeVerifier, nil
	case models.CodeChallengeMethodS256:
		sum := sha256.Sum256([]byte(codeVerifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported code challenge method: %q", method)
	}
}

// VerifyCodeChallenge recomputes the challenge and compares it in constant time.
func (p *pkceService) VerifyCodeChallenge(codeVerifier, codeChallenge, method string) bool {
	if len(codeVerifier) > CodeVerifierMaxLength {
		return false
	}
	expected, err := p.ComputeCodeChallenge(codeVerifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(codeChallenge)) == 1
}

// ValidateCodeChallenge rejects empty or oversized challenges and challenges
// outside the RFC 7636 unreserved character set.
func (p *pkceService) ValidateCodeChallenge(codeChallenge string) error {
	if codeChallenge == "" {
		return errors.New("code challenge is empty")
	}
	if len(codeChallenge) > CodeChallengeMaxLength {
		return fmt.Errorf("code challenge is too long (maximum %d characters)", CodeChallengeMaxLength)
	}
	for _, char := range codeChallenge {
		if !isUnreservedChar(char) {
			return fmt.Errorf("code challenge contains invalid character: %c", char)
		}
	}
	return nil
}

// ValidateCodeChallengeMethod ensures the provided method is supported.
func (p *pkceService) ValidateCodeChallengeMethod(method string) error {
	switch method {
	case models.CodeChallengeMethodPlain, models.CodeChallengeMethodS256:
		return nil
	case "":
		return errors.New("code challenge method is required")
	default:
		return fmt.Errorf("unsupported code challenge method: %s", method)
	}
}

// isUnreservedChar reports whether the rune is an unreserved character per
// RFC 7636 (ALPHA / DIGIT / "-" / "." / "_" / "~").
func isUnreservedChar(char rune) bool {
	return (char >= 'A' && char <= 'Z') ||
		(char >= 'a' && char <= 'z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '.' || char == '_' || char == '~'
}

// ParseCodeChallengeMethod trims whitespace and returns the default method
// (plain) when the input is empty, as RFC 7636 section 4.3 prescribes.
func ParseCodeChallengeMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return models.CodeChallengeMethodPlain
	}
	return method
}
