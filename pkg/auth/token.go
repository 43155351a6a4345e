// Package auth loads the portal session token and derives the session
// identity from it. The portal issues a JWT bearer token; this client is not
// the token's verifier (the backend is), so claims are read without
// signature validation purely to learn who is logged in.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/osanchez/medchat/internal/messaging"
)

// LoadToken reads an OAuth2 token from a JSON file.
func LoadToken(tokenPath string) (*oauth2.Token, error) {
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("could not read token file: %w", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("could not parse token file: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token file contains no access token")
	}
	return &token, nil
}

// SaveToken writes an OAuth2 token to a JSON file with strict permissions.
func SaveToken(tokenPath string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode token: %w", err)
	}
	if err := os.WriteFile(tokenPath, data, 0o600); err != nil {
		return fmt.Errorf("could not write token file: %w", err)
	}
	return nil
}

// TokenSource returns a static token source for the portal API client.
func TokenSource(token *oauth2.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(token)
}

// sessionClaims is the subset of the portal JWT payload this client reads.
type sessionClaims struct {
	jwt.RegisteredClaims
	Role   string `json:"role,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// IdentityFromToken extracts the session user's id and role from the bearer
// token claims. The signature is deliberately not verified here.
func IdentityFromToken(token *oauth2.Token) (messaging.Identity, error) {
	var claims sessionClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token.AccessToken, &claims); err != nil {
		return messaging.Identity{}, fmt.Errorf("could not parse session token: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return messaging.Identity{}, fmt.Errorf("session token carries no user id")
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return messaging.Identity{}, fmt.Errorf("session token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}

	role := messaging.Role(strings.ToUpper(claims.Role))
	if role != messaging.RolePatient && role != messaging.RoleDoctor {
		role = messaging.RolePatient
	}
	return messaging.Identity{UserID: userID, Role: role}, nil
}
