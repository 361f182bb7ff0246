package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tokenTracer = otel.Tracer("service/tokens")

// TokenManager hands out usable bearer tokens for connections, refreshing
// and re-encrypting them as they expire.
type TokenManager struct {
	store           port.ConnectionStore
	oauth           port.OAuthProvider
	cipher          port.TokenCipher
	refreshLifetime time.Duration
	metrics         *observability.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

// NewTokenManager creates a TokenManager. refreshLifetime is how long a
// freshly issued refresh token is considered valid.
func NewTokenManager(
	store port.ConnectionStore,
	oauth port.OAuthProvider,
	cipher port.TokenCipher,
	refreshLifetime time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TokenManager {
	return &TokenManager{
		store:           store,
		oauth:           oauth,
		cipher:          cipher,
		refreshLifetime: refreshLifetime,
		metrics:         metrics,
		logger:          logger,
		now:             time.Now,
	}
}

// WithClock replaces the time source.
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	m.now = now
	return m
}

// Seal encrypts a fresh grant for storage.
func (m *TokenManager) Seal(grant *domain.TokenGrant) (access, refresh domain.Token, err error) {
	now := m.now()
	access, err = m.seal(grant.AccessToken, now.Add(time.Duration(grant.ExpiresIn)*time.Second))
	if err != nil {
		return domain.Token{}, domain.Token{}, err
	}
	refresh, err = m.seal(grant.RefreshToken, now.Add(m.refreshLifetime))
	if err != nil {
		return domain.Token{}, domain.Token{}, err
	}
	return access, refresh, nil
}

func (m *TokenManager) seal(plain string, expiresAt time.Time) (domain.Token, error) {
	if plain == "" {
		return domain.Token{ExpiresAt: expiresAt}, nil
	}
	sealed, err := m.cipher.Encrypt(plain)
	if err != nil {
		return domain.Token{}, fmt.Errorf("encrypt token: %w", err)
	}
	return domain.Token{Secret: sealed, ExpiresAt: expiresAt}, nil
}

// UsableAccessToken returns a plaintext access token valid for longer than
// domain.TokenSafetyMargin. An expiring token is refreshed and the result is
// persisted before it is returned; conn is updated in place. When neither
// token is usable the result is *domain.ErrCredentialsExpired.
func (m *TokenManager) UsableAccessToken(ctx context.Context, conn *domain.Connection) (string, error) {
	ctx, span := tokenTracer.Start(ctx, "TokenManager.UsableAccessToken")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", conn.Name))

	now := m.now()
	if conn.AccessToken.Usable(now) {
		plain, err := m.cipher.Decrypt(conn.AccessToken.Secret)
		if err != nil {
			return "", err
		}
		return plain, nil
	}

	if !conn.RefreshToken.Usable(now) {
		m.logger.Warn("connection credentials expired",
			zap.String("connection", conn.Name),
			zap.Time("refresh_expires_at", conn.RefreshToken.ExpiresAt),
		)
		m.metrics.IncrTokenRefresh("expired")
		return "", &domain.ErrCredentialsExpired{Connection: conn.Name}
	}

	refreshPlain, err := m.cipher.Decrypt(conn.RefreshToken.Secret)
	if err != nil {
		return "", err
	}

	span.SetAttributes(attribute.Bool("token.refreshed", true))
	grant, err := m.oauth.RefreshAccessToken(ctx, refreshPlain)
	if err != nil {
		m.metrics.IncrTokenRefresh("error")
		m.metrics.IncrExternalError("truelayer")
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	now = m.now()
	expiresAt := now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	if expiresAt.Sub(now) <= domain.TokenSafetyMargin {
		m.metrics.IncrTokenRefresh("error")
		return "", &domain.ErrExternalService{
			Service: "truelayer",
			Err:     fmt.Errorf("refreshed access token expires in %ds", grant.ExpiresIn),
		}
	}

	access, err := m.seal(grant.AccessToken, expiresAt)
	if err != nil {
		return "", err
	}
	var refresh *domain.Token
	if grant.RefreshToken != "" && grant.RefreshToken != refreshPlain {
		rotated, err := m.seal(grant.RefreshToken, now.Add(m.refreshLifetime))
		if err != nil {
			return "", err
		}
		refresh = &rotated
	}

	if err := m.store.UpdateTokens(ctx, conn.Name, access, refresh); err != nil {
		m.metrics.IncrTokenRefresh("error")
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	conn.AccessToken = access
	if refresh != nil {
		conn.RefreshToken = *refresh
	}
	m.metrics.IncrTokenRefresh("success")
	m.logger.Info("access token refreshed",
		zap.String("connection", conn.Name),
		zap.Bool("refresh_token_rotated", refresh != nil),
		zap.Time("expires_at", expiresAt),
	)
	return grant.AccessToken, nil
}
