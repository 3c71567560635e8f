// Package auth produces currently-valid bearer tokens for MCP servers,
// refreshing silently when a refresh token is available. Interactive
// authorization flows live in the UI layer; this package only manages the
// stored token lifecycle.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sidepanel-ai/mcpbridge-go/internal/storage"
)

// ErrNoToken indicates no token is stored and none can be obtained silently;
// the caller must trigger an interactive OAuth flow.
var ErrNoToken = errors.New("no token available")

// TokenSet is the decoded per-server token material
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	Scopes       []string
}

// Valid reports whether the access token is usable at the given instant,
// applying a safety margin before the actual expiry
func (t *TokenSet) Valid(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		// No recorded expiry means the token never expires (or the server
		// did not say); treat as valid and let the server reject if stale
		return true
	}
	return now.Add(margin).Before(t.ExpiresAt)
}

// TokenStore is the persistence surface the helper needs. *storage.BoltDB
// satisfies it; tests substitute an in-memory map.
type TokenStore interface {
	GetToken(prefix string) (*storage.OAuthTokenRecord, error)
	SaveToken(prefix string, record *storage.OAuthTokenRecord) error
	DeleteToken(prefix string) error
}

func recordToSet(record *storage.OAuthTokenRecord) *TokenSet {
	return &TokenSet{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		ExpiresAt:    record.ExpiresAt,
		Scopes:       record.Scopes,
	}
}

func setToRecord(serverID string, set *TokenSet) *storage.OAuthTokenRecord {
	return &storage.OAuthTokenRecord{
		ServerID:     serverID,
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		TokenType:    set.TokenType,
		ExpiresAt:    set.ExpiresAt,
		Scopes:       set.Scopes,
	}
}

// jwtExpiry extracts the exp claim from a JWT access token without verifying
// the signature. Used as a fallback when the token endpoint omits expires_in.
func jwtExpiry(raw string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
