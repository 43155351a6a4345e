package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/osanchez/medchat/internal/messaging"
)

func signedToken(t *testing.T, claims jwt.MapClaims) *oauth2.Token {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return &oauth2.Token{AccessToken: signed}
}

func TestSaveAndLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	token := &oauth2.Token{AccessToken: "abc123", TokenType: "Bearer"}

	require.NoError(t, SaveToken(path, token))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", loaded.AccessToken)
}

func TestLoadToken_Missing(t *testing.T) {
	_, err := LoadToken(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadToken_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{bad"), 0o600))

	_, err := LoadToken(path)
	assert.Error(t, err)
}

func TestLoadToken_EmptyAccessToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token_type": "Bearer"}`), 0o600))

	_, err := LoadToken(path)
	assert.ErrorContains(t, err, "no access token")
}

func TestIdentityFromToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"userId": "patient-42",
		"role":   "PATIENT",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})

	id, err := IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "patient-42", id.UserID)
	assert.Equal(t, messaging.RolePatient, id.Role)
}

func TestIdentityFromToken_SubjectFallback(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub":  "doc-7",
		"role": "doctor",
	})

	id, err := IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "doc-7", id.UserID)
	// Role comparison is case-insensitive.
	assert.Equal(t, messaging.RoleDoctor, id.Role)
}

func TestIdentityFromToken_UnknownRoleDefaultsToPatient(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "u1", "role": "ADMIN"})

	id, err := IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, messaging.RolePatient, id.Role)
}

func TestIdentityFromToken_Expired(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "u1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := IdentityFromToken(token)
	assert.ErrorContains(t, err, "expired")
}

func TestIdentityFromToken_NoUserID(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"role": "PATIENT"})

	_, err := IdentityFromToken(token)
	assert.ErrorContains(t, err, "no user id")
}

func TestIdentityFromToken_Garbage(t *testing.T) {
	_, err := IdentityFromToken(&oauth2.Token{AccessToken: "not-a-jwt"})
	assert.Error(t, err)
}
