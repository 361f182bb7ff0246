package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var connTracer = otel.Tracer("service/connections")

// ConnectionService owns the connection lifecycle: consent, creation,
// listing and removal.
type ConnectionService struct {
	store    port.ConnectionStore
	oauth    port.OAuthProvider
	provider port.BankDataProvider
	fetcher  *SourceFetcher
	tokens   *TokenManager
	sync     *SyncOrchestrator
	state    *StateSigner
	logger   *zap.Logger
}

// NewConnectionService creates a ConnectionService.
func NewConnectionService(
	store port.ConnectionStore,
	oauth port.OAuthProvider,
	provider port.BankDataProvider,
	fetcher *SourceFetcher,
	tokens *TokenManager,
	sync *SyncOrchestrator,
	state *StateSigner,
	logger *zap.Logger,
) *ConnectionService {
	return &ConnectionService{
		store:    store,
		oauth:    oauth,
		provider: provider,
		fetcher:  fetcher,
		tokens:   tokens,
		sync:     sync,
		state:    state,
		logger:   logger,
	}
}

// AuthURL returns the consent URL for a new connection named name. After
// consent the user is sent back to returnURL.
func (s *ConnectionService) AuthURL(ctx context.Context, name, returnURL string) (string, error) {
	ctx, span := connTracer.Start(ctx, "ConnectionService.AuthURL")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", name))

	name = strings.TrimSpace(name)
	if name == "" {
		return "", &domain.ErrValidation{Field: "name", Message: "connection name is required"}
	}
	if err := validateReturnURL(returnURL); err != nil {
		return "", err
	}

	exists, err := s.store.Exists(ctx, name)
	if err != nil {
		return "", fmt.Errorf("check connection: %w", err)
	}
	if exists {
		return "", &domain.ErrConflict{Message: fmt.Sprintf("connection %s already exists", name)}
	}

	state, err := s.state.Sign(name, returnURL)
	if err != nil {
		return "", err
	}
	return s.oauth.AuthURL(state), nil
}

func validateReturnURL(raw string) error {
	if raw == "" {
		return &domain.ErrValidation{Field: "url", Message: "return url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &domain.ErrValidation{Field: "url", Message: "return url must be an absolute http(s) url"}
	}
	return nil
}

// CompleteAuth finishes the consent flow: it verifies the state, exchanges
// the code, stores the new connection and starts its way-back sync. It
// returns the URL the user should be redirected to.
func (s *ConnectionService) CompleteAuth(ctx context.Context, code, state string) (string, error) {
	ctx, span := connTracer.Start(ctx, "ConnectionService.CompleteAuth")
	defer span.End()

	claims, err := s.state.Verify(state)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", &domain.ErrValidation{Field: "code", Message: "authorization code is required"}
	}
	span.SetAttributes(attribute.String("connection.name", claims.Name))

	exists, err := s.store.Exists(ctx, claims.Name)
	if err != nil {
		return "", fmt.Errorf("check connection: %w", err)
	}
	if exists {
		return "", &domain.ErrConflict{Message: fmt.Sprintf("connection %s already exists", claims.Name)}
	}

	grant, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}

	var (
		metadata *domain.Metadata
		fullName string
		snapshot *domain.SourceSnapshot
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := s.provider.GetMetadata(gCtx, grant.AccessToken)
		if err != nil {
			return fmt.Errorf("get metadata: %w", err)
		}
		metadata = m
		return nil
	})
	g.Go(func() error {
		n, err := s.provider.GetUserFullName(gCtx, grant.AccessToken)
		if err != nil {
			return fmt.Errorf("get user info: %w", err)
		}
		fullName = n
		return nil
	})
	g.Go(func() error {
		snap, err := s.fetcher.FetchSources(gCtx, grant.AccessToken)
		if err != nil {
			return err
		}
		snapshot = snap
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	access, refresh, err := s.tokens.Seal(grant)
	if err != nil {
		return "", err
	}

	conn := &domain.Connection{
		Name:         claims.Name,
		FullName:     fullName,
		AccessToken:  access,
		RefreshToken: refresh,
		Metadata:     *metadata,
		Accounts:     snapshot.Accounts,
		Cards:        snapshot.Cards,
	}
	if err := s.store.Upsert(ctx, conn); err != nil {
		return "", fmt.Errorf("store connection: %w", err)
	}

	s.logger.Info("connection created",
		zap.String("connection", conn.Name),
		zap.String("provider", conn.Metadata.Provider.DisplayName),
		zap.Int("accounts", len(conn.Accounts)),
		zap.Int("cards", len(conn.Cards)),
	)

	if err := s.sync.StartBackfill(ctx, conn); err != nil {
		s.logger.Warn("initial way-back sync not started", zap.String("connection", conn.Name), zap.Error(err))
	}
	return claims.URL, nil
}

// List returns a summary of every connection.
func (s *ConnectionService) List(ctx context.Context) ([]domain.ConnectionSummary, error) {
	ctx, span := connTracer.Start(ctx, "ConnectionService.List")
	defer span.End()

	conns, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConnectionSummary, 0, len(conns))
	for i := range conns {
		out = append(out, conns[i].Summary())
	}
	return out, nil
}

// Delete removes a connection.
func (s *ConnectionService) Delete(ctx context.Context, name string) error {
	ctx, span := connTracer.Start(ctx, "ConnectionService.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("connection.name", name))

	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	s.logger.Info("connection deleted", zap.String("connection", name))
	return nil
}
