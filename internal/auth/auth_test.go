package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/keystone/internal/auth"
	"github.com/ashita-ai/keystone/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("ks_test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("ks_test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)

	for _, bad := range []string{
		"no-separator",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=16$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA",
	} {
		_, err = auth.VerifyAPIKey("ks_test-key-123", bad)
		assert.ErrorIs(t, err, auth.ErrHashFormat, bad)
	}
}

func TestVerifyAPIKeyHonorsStoredParams(t *testing.T) {
	// A hash written with cheaper parameters than today's default still
	// verifies: the cost travels with the hash.
	salt := []byte("0123456789abcdef")
	sum := argon2.IDKey([]byte("ks_legacy"), salt, 2, 8*1024, 1, 16)
	enc := base64.RawStdEncoding
	stored := "$argon2id$v=19$m=8192,t=2,p=1$" + enc.EncodeToString(salt) + "$" + enc.EncodeToString(sum)

	valid, err := auth.VerifyAPIKey("ks_legacy", stored)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	key := model.APIKey{
		ID:    uuid.New(),
		OrgID: uuid.New(),
		KeyID: "drone-7",
		Role:  model.RoleSensor,
	}

	token, expiresAt, err := mgr.IssueToken(key)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "drone-7", claims.KeyID)
	assert.Equal(t, key.OrgID, claims.OrgID)
	assert.Equal(t, model.RoleSensor, claims.Role)
	assert.Equal(t, key.ID.String(), claims.Subject)
	assert.Equal(t, "keystone", claims.Issuer)
}

func TestValidateTokenRejectsOtherKey(t *testing.T) {
	issuerMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	otherMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := issuerMgr.IssueToken(model.APIKey{ID: uuid.New(), OrgID: uuid.New(), KeyID: "k", Role: model.RoleViewer})
	require.NoError(t, err)

	_, err = otherMgr.ValidateToken(token)
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestNewJWTManagerMismatchedKeys(t *testing.T) {
	dir := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	assert.ErrorContains(t, err, "does not match")
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func validClaims() *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "keystone",
			Audience:  jwt.ClaimStrings{"keystone"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		KeyID: "drone-7",
		OrgID: uuid.New(),
		Role:  model.RoleSensor,
	}
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	tests := []struct {
		name    string
		mutate  func(c *auth.Claims)
		wantErr string
	}{
		{name: "wrong issuer", mutate: func(c *auth.Claims) { c.Issuer = "not-keystone" }, wantErr: "invalid issuer"},
		{name: "empty issuer", mutate: func(c *auth.Claims) { c.Issuer = "" }, wantErr: "invalid issuer"},
		{name: "wrong audience", mutate: func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"elsewhere"} }, wantErr: "validate token"},
		{name: "expired", mutate: func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }, wantErr: "validate token"},
		{name: "malformed subject", mutate: func(c *auth.Claims) { c.Subject = "not-a-uuid" }, wantErr: "invalid subject"},
		{name: "missing org", mutate: func(c *auth.Claims) { c.OrgID = uuid.Nil }, wantErr: "no organization"},
		{name: "unknown role", mutate: func(c *auth.Claims) { c.Role = "superuser" }, wantErr: "unknown role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims()
			tt.mutate(c)
			_, err := mgr.ValidateToken(forgeToken(t, privKey, c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := mgr.ValidateToken(forgeToken(t, privKey, validClaims()))
	assert.NoError(t, err)
}
