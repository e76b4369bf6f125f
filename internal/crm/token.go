package crm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/tennex/crmgateway/internal/observability"
)

// TokenManager keeps a configuration's access token usable. It holds no
// token state of its own.
type TokenManager struct {
	name       Name
	oauth      *oauth2.Config
	store      ConfigStore
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time

	// fallbackTTL applies when the vendor does not report an expiry
	fallbackTTL time.Duration
}

func newTokenManager(name Name, conf *oauth2.Config, deps Deps, fallbackTTL time.Duration) *TokenManager {
	return &TokenManager{
		name:        name,
		oauth:       conf,
		store:       deps.Store,
		httpClient:  deps.HTTPClient,
		metrics:     deps.Metrics,
		logger:      deps.Logger.Named("token_manager").With(zap.String("crm", string(name))),
		now:         deps.Now,
		fallbackTTL: fallbackTTL,
	}
}

// context makes the oauth2 package use the adapter's HTTP client.
func (m *TokenManager) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// Ensure returns cfg unchanged while its token is valid. An expired token is
// refreshed once, the new credentials are persisted, and the updated copy is
// returned for the in-flight call.
func (m *TokenManager) Ensure(ctx context.Context, cfg Config) (Config, error) {
	now := m.now()
	if !cfg.Credentials.Expired(now) {
		return cfg, nil
	}
	if cfg.Credentials.RefreshToken == "" {
		return cfg, ErrNoRefreshToken
	}

	m.logger.Debug("Refreshing expired access token",
		zap.String("ref_id", cfg.RefID),
		zap.Time("expired_at", *cfg.Credentials.ExpiresAt))

	source := m.oauth.TokenSource(m.context(ctx), &oauth2.Token{RefreshToken: cfg.Credentials.RefreshToken})
	token, err := source.Token()
	if err != nil {
		m.recordRefresh(false)
		m.logger.Warn("Failed to refresh access token", zap.String("ref_id", cfg.RefID), zap.Error(err))
		return cfg, fmt.Errorf("failed to refresh %s token: %w", m.name.Label(), err)
	}

	refreshed := cfg
	refreshed.Credentials = cfg.Credentials.withToken(token, now, m.fallbackTTL)

	if err := m.store.SaveCredentials(ctx, cfg.RefID, cfg.Name, refreshed.Credentials); err != nil {
		m.recordRefresh(false)
		return cfg, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	m.recordRefresh(true)
	m.logger.Info("Access token refreshed",
		zap.String("ref_id", cfg.RefID),
		zap.Time("expires_at", *refreshed.Credentials.ExpiresAt))

	return refreshed, nil
}

// Exchange trades an authorization code for a token.
func (m *TokenManager) Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	token, err := m.oauth.Exchange(m.context(ctx), code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

func (m *TokenManager) recordRefresh(success bool) {
	if m.metrics != nil {
		m.metrics.TokenRefresh(string(m.name), success)
	}
}
