package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/sidepanel-ai/mcpbridge-go/internal/config"
	"github.com/sidepanel-ai/mcpbridge-go/internal/storage"
)

// DefaultExpiryMargin is subtracted from a token's expiry when deciding
// whether it is still usable, so a token is refreshed shortly before it
// actually lapses.
const DefaultExpiryMargin = 30 * time.Second

// RefreshFunc obtains a fresh token set for a server, e.g. by exchanging a
// refresh token or completing a device flow
type RefreshFunc func(ctx context.Context, serverID string) (*TokenSet, error)

// Helper manages per-server token validity and silent refresh
type Helper struct {
	store   TokenStore
	cfg     *config.Config
	logger  *zap.Logger
	margin  time.Duration
	nowFunc func() time.Time
}

// NewHelper creates a token helper backed by the given store
func NewHelper(store TokenStore, cfg *config.Config, logger *zap.Logger) *Helper {
	return &Helper{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("auth"),
		margin:  DefaultExpiryMargin,
		nowFunc: time.Now,
	}
}

// Tokens returns the stored token set for a server, or nil when none exists
func (h *Helper) Tokens(serverID string) (*TokenSet, error) {
	server := h.cfg.ServerByID(serverID)
	if server == nil {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}
	record, err := h.store.GetToken(server.KeyPrefix())
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens for %q: %w", serverID, err)
	}
	return recordToSet(record), nil
}

// EnsureValidToken returns a currently-valid access token for the server.
// The cached token is returned while it has more than the safety margin left
// before expiry; otherwise refreshFn (or the default refresh-token exchange
// when refreshFn is nil) obtains a new one, which is persisted. An empty
// token with a nil error means no token exists and none can be obtained
// silently: the caller must trigger an interactive OAuth flow.
func (h *Helper) EnsureValidToken(ctx context.Context, serverID string, refreshFn RefreshFunc) (string, error) {
	tokens, err := h.Tokens(serverID)
	if err != nil {
		return "", err
	}

	now := h.nowFunc()
	if tokens.Valid(now, h.margin) {
		return tokens.AccessToken, nil
	}

	if refreshFn == nil {
		if tokens == nil || tokens.RefreshToken == "" {
			// Nothing to refresh with; caller must run an interactive flow
			return "", nil
		}
		refreshFn = h.refreshViaRefreshToken
	}

	fresh, err := refreshFn(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("token refresh for %q failed: %w", serverID, err)
	}
	if fresh == nil || fresh.AccessToken == "" {
		return "", nil
	}

	server := h.cfg.ServerByID(serverID)
	if err := h.store.SaveToken(server.KeyPrefix(), setToRecord(serverID, fresh)); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token for %q: %w", serverID, err)
	}

	h.logger.Info("Refreshed access token",
		zap.String("server_id", serverID),
		zap.Time("expires_at", fresh.ExpiresAt))
	return fresh.AccessToken, nil
}

// RefreshServerToken exchanges the stored refresh token for a new access
// token against the server's token endpoint. On failure the stored tokens
// are cleared so the next health check or connection attempt surfaces an
// auth-required error instead of silently looping on stale credentials.
func (h *Helper) RefreshServerToken(ctx context.Context, serverID string) (*TokenSet, error) {
	fresh, err := h.refreshViaRefreshToken(ctx, serverID)
	if err != nil {
		return nil, err
	}
	server := h.cfg.ServerByID(serverID)
	if err := h.store.SaveToken(server.KeyPrefix(), setToRecord(serverID, fresh)); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token for %q: %w", serverID, err)
	}
	return fresh, nil
}

func (h *Helper) refreshViaRefreshToken(ctx context.Context, serverID string) (*TokenSet, error) {
	server := h.cfg.ServerByID(serverID)
	if server == nil {
		return nil, fmt.Errorf("unknown server %q", serverID)
	}
	if server.OAuth == nil || server.OAuth.TokenURL == "" {
		return nil, fmt.Errorf("server %q has no token endpoint configured", serverID)
	}

	stored, err := h.Tokens(serverID)
	if err != nil {
		return nil, err
	}
	if stored == nil || stored.RefreshToken == "" {
		return nil, ErrNoToken
	}

	conf := &oauth2.Config{
		ClientID:     server.OAuth.ClientID,
		ClientSecret: server.OAuth.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: server.OAuth.TokenURL},
		Scopes:       server.OAuth.Scopes,
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: stored.RefreshToken})
	token, err := source.Token()
	if err != nil {
		h.logger.Warn("Refresh token exchange failed, clearing stored tokens",
			zap.String("server_id", serverID),
			zap.Error(err))
		if clearErr := h.store.DeleteToken(server.KeyPrefix()); clearErr != nil {
			h.logger.Error("Failed to clear tokens", zap.String("server_id", serverID), zap.Error(clearErr))
		}
		return nil, fmt.Errorf("refresh token exchange failed: %w", err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = jwtExpiry(token.AccessToken)
	}

	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Token endpoints that do not rotate refresh tokens omit the field
		refreshToken = stored.RefreshToken
	}

	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    expiresAt,
		Scopes:       stored.Scopes,
	}, nil
}

// ClearTokens removes all stored token material for a server (user revoke)
func (h *Helper) ClearTokens(serverID string) error {
	server := h.cfg.ServerByID(serverID)
	if server == nil {
		return fmt.Errorf("unknown server %q", serverID)
	}
	return h.store.DeleteToken(server.KeyPrefix())
}

// SaveTokens persists a token set obtained by an external authorization flow
func (h *Helper) SaveTokens(serverID string, set *TokenSet) error {
	server := h.cfg.ServerByID(serverID)
	if server == nil {
		return fmt.Errorf("unknown server %q", serverID)
	}
	return h.store.SaveToken(server.KeyPrefix(), setToRecord(serverID, set))
}
