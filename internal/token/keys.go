package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing.
const MinRSAKeyBits = 2048

// SigningKey is an RSA key pair plus its key ID (the base64url SHA-256 of the
// DER-encoded public key).
type SigningKey struct {
	Private *rsa.PrivateKey
	KeyID   string
}

// Public returns the public half of the key.
func (k *SigningKey) Public() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// KeyProvider supplies the signing key and the keys published at the JWKS
// endpoint. Implementations are resolved once at startup.
type KeyProvider interface {
	// SigningKey returns the key used for new tokens.
	SigningKey() *SigningKey
	// VerificationKey returns the public key for kid, if known.
	VerificationKey(kid string) (*rsa.PublicKey, bool)
	// JWKS returns the public keys in JSON Web Key Set form.
	JWKS() JSONWebKeySet
}

// JSONWebKey is a single RSA public key in JWK form (RFC 7517).
type JSONWebKey struct {
	KeyType   string `json:"kty"`
	Use       string `json:"use"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// JSONWebKeySet is the JWKS document.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

type staticKeyProvider struct {
	key *SigningKey
}

// NewStaticKeyProvider wraps an already loaded key.
func NewStaticKeyProvider(key *SigningKey) KeyProvider {
	return &staticKeyProvider{key: key}
}

func (p *staticKeyProvider) SigningKey() *SigningKey {
	return p.key
}

func (p *staticKeyProvider) VerificationKey(kid string) (*rsa.PublicKey, bool) {
	if kid != "" && kid != p.key.KeyID {
		return nil, false
	}
	return p.key.Public(), true
}

func (p *staticKeyProvider) JWKS() JSONWebKeySet {
	pub := p.key.Public()
	return JSONWebKeySet{Keys: []JSONWebKey{{
		KeyType:   "RSA",
		Use:       "sig",
		Algorithm: "RS256",
		KeyID:     p.key.KeyID,
		Modulus:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}}
}

// NewKeyProvider resolves the configured key source into a provider. The
// fetcher is only consulted for the aws-secrets-manager source; when nil, a
// client is built from the default AWS credential chain.
func NewKeyProvider(ctx context.Context, cfg *config.KeysConfig, fetcher config.SecretFetcher) (KeyProvider, error) {
	key, err := LoadSigningKey(ctx, cfg, fetcher)
	if err != nil {
		return nil, err
	}
	return NewStaticKeyProvider(key), nil
}

// LoadSigningKey loads the signing key from the configured source.
func LoadSigningKey(ctx context.Context, cfg *config.KeysConfig, fetcher config.SecretFetcher) (*SigningKey, error) {
	var pemValue string

	switch cfg.Source {
	case config.KeySourceEnv:
		pemValue = cfg.PrivateKeyPEM
	case config.KeySourceFile:
		data, err := os.ReadFile(filepath.Clean(cfg.PrivateKeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read private key file: %w", err)
		}
		pemValue = string(data)
	case config.KeySourceAWSSecretsManager:
		if fetcher == nil {
			client, err := config.NewSecretsManagerClient(ctx, cfg.SecretRegion)
			if err != nil {
				return nil, err
			}
			fetcher = client
		}
		secret, err := config.FetchSecretString(ctx, fetcher, cfg.SecretID)
		if err != nil {
			return nil, err
		}
		pemValue = secret
	case config.KeySourceGenerated:
		return GenerateSigningKey(cfg.GeneratedKeyBits)
	default:
		return nil, fmt.Errorf("unsupported key source: %q", cfg.Source)
	}

	if pemValue == "" {
		return nil, fmt.Errorf("key source %s produced no key material", cfg.Source)
	}
	return ParseSigningKeyPEM(pemValue)
}

// GenerateSigningKey creates an ephemeral RSA key. Tokens signed with it do not
// survive a restart.
func GenerateSigningKey(bits int) (*SigningKey, error) {
	if bits < MinRSAKeyBits {
		bits = MinRSAKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newSigningKey(priv)
}

// ParseSigningKeyPEM parses a PKCS#1 or PKCS#8 RSA private key. Escaped "\n"
// sequences, as found in single-line environment values, are expanded first.
func ParseSigningKeyPEM(pemValue string) (*SigningKey, error) {
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}

	var priv *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		priv = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		priv = rsaKey
	} else {
		return nil, errors.New("unable to parse RSA private key")
	}

	if priv.N.BitLen() < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key must be at least %d bits", MinRSAKeyBits)
	}
	return newSigningKey(priv)
}

func newSigningKey(priv *rsa.PrivateKey) (*SigningKey, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return &SigningKey{Private: priv, KeyID: base64.RawURLEncoding.EncodeToString(sum[:])}, nil
}
