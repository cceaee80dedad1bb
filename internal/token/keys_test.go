package token_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/config"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/token"
)

type stubSecrets struct {
	value string
	err   error
	calls int
}

func (s *stubSecrets) GetSecretValue(
	_ context.Context,
	_ *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s.value)}, nil
}

func pkcs1PEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestParseSigningKeyPEM(t *testing.T) {
	key := testSigningKey(t)

	small, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{name: "pkcs1", pem: pkcs1PEM(t, key.Private)},
		{name: "pkcs8", pem: pkcs8PEM(t, key.Private)},
		{name: "escaped_newlines", pem: strings.ReplaceAll(pkcs8PEM(t, key.Private), "\n", `\n`)},
		{name: "not_pem", pem: "hello", wantErr: true},
		{name: "wrong_block", pem: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("junk")})), wantErr: true},
		{name: "too_small", pem: pkcs1PEM(t, small), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := token.ParseSigningKeyPEM(tt.pem)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, key.KeyID, parsed.KeyID)
			assert.True(t, key.Private.Equal(parsed.Private))
		})
	}
}

func TestLoadSigningKeySources(t *testing.T) {
	ctx := context.Background()
	key := testSigningKey(t)

	path := filepath.Join(t.TempDir(), "signing.pem")
	require.NoError(t, os.WriteFile(path, []byte(pkcs1PEM(t, key.Private)), 0o600))

	t.Run("env", func(t *testing.T) {
		got, err := token.LoadSigningKey(ctx, &config.KeysConfig{
			Source:        config.KeySourceEnv,
			PrivateKeyPEM: pkcs8PEM(t, key.Private),
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, key.KeyID, got.KeyID)
	})

	t.Run("env_empty", func(t *testing.T) {
		_, err := token.LoadSigningKey(ctx, &config.KeysConfig{Source: config.KeySourceEnv}, nil)
		assert.Error(t, err)
	})

	t.Run("file", func(t *testing.T) {
		got, err := token.LoadSigningKey(ctx, &config.KeysConfig{Source: config.KeySourceFile, PrivateKeyPath: path}, nil)
		require.NoError(t, err)
		assert.Equal(t, key.KeyID, got.KeyID)
	})

	t.Run("file_missing", func(t *testing.T) {
		_, err := token.LoadSigningKey(ctx, &config.KeysConfig{
			Source:         config.KeySourceFile,
			PrivateKeyPath: filepath.Join(t.TempDir(), "absent.pem"),
		}, nil)
		assert.Error(t, err)
	})

	t.Run("aws_secrets_manager", func(t *testing.T) {
		secrets := &stubSecrets{value: pkcs1PEM(t, key.Private)}
		got, err := token.LoadSigningKey(ctx, &config.KeysConfig{
			Source:   config.KeySourceAWSSecretsManager,
			SecretID: "authz/signing-key",
		}, secrets)
		require.NoError(t, err)
		assert.Equal(t, key.KeyID, got.KeyID)
		assert.Equal(t, 1, secrets.calls)
	})

	t.Run("aws_secrets_manager_failure", func(t *testing.T) {
		_, err := token.LoadSigningKey(ctx, &config.KeysConfig{
			Source:   config.KeySourceAWSSecretsManager,
			SecretID: "authz/signing-key",
		}, &stubSecrets{err: errors.New("access denied")})
		assert.ErrorContains(t, err, "access denied")
	})

	t.Run("generated", func(t *testing.T) {
		got, err := token.LoadSigningKey(ctx, &config.KeysConfig{Source: config.KeySourceGenerated}, nil)
		require.NoError(t, err)
		assert.Equal(t, token.MinRSAKeyBits, got.Private.N.BitLen())
		assert.NotEmpty(t, got.KeyID)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := token.LoadSigningKey(ctx, &config.KeysConfig{Source: "vault"}, nil)
		assert.Error(t, err)
	})
}

func TestStaticKeyProviderVerificationKey(t *testing.T) {
	key := testSigningKey(t)
	provider := token.NewStaticKeyProvider(key)

	pub, ok := provider.VerificationKey(key.KeyID)
	require.True(t, ok)
	assert.True(t, key.Public().Equal(pub))

	_, ok = provider.VerificationKey("")
	assert.True(t, ok)

	_, ok = provider.VerificationKey("some-other-kid")
	assert.False(t, ok)
}

func TestNewKeyProvider(t *testing.T) {
	provider, err := token.NewKeyProvider(context.Background(), &config.KeysConfig{Source: config.KeySourceGenerated}, nil)
	require.NoError(t, err)
	assert.Equal(t, provider.SigningKey().KeyID, provider.JWKS().Keys[0].KeyID)
}
