package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

// consentKeyBytes is the size of a generated consent signing key.
const consentKeyBytes = 32

// ConsentGuard issues and checks the csrf_token that ties a consent decision
// to the login session the consent page was shown to.
type ConsentGuard struct {
	key []byte
}

// NewConsentGuard creates a guard signing with key, or with a random key when
// key is empty.
func NewConsentGuard(key []byte) *ConsentGuard {
	if len(key) == 0 {
		key = make([]byte, consentKeyBytes)
		// Read never returns an error.
		_, _ = rand.Read(key)
	}
	return &ConsentGuard{key: key}
}

// Token returns the csrf_token for user and an encoded authorization request.
func (g *ConsentGuard) Token(user *models.UserRef, encodedRequest string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(sessionBinding(user)))
	mac.Write([]byte{0})
	mac.Write([]byte(encodedRequest))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token was issued for user and encodedRequest.
func (g *ConsentGuard) Verify(user *models.UserRef, encodedRequest, token string) bool {
	if token == "" {
		return false
	}
	return hmac.Equal([]byte(g.Token(user, encodedRequest)), []byte(token))
}

// sessionBinding prefers the login session; resolvers without sessions bind
// to the user instead.
func sessionBinding(user *models.UserRef) string {
	if user.SessionID != "" {
		return "session:" + user.SessionID
	}
	return "user:" + user.ID
}
