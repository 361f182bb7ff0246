package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var fetchTracer = otel.Tracer("service/fetcher")

// SourceFetcher reads sources, transactions and balances from the provider.
type SourceFetcher struct {
	provider port.BankDataProvider
}

// NewSourceFetcher creates a SourceFetcher.
func NewSourceFetcher(provider port.BankDataProvider) *SourceFetcher {
	return &SourceFetcher{provider: provider}
}

// FetchSources lists accounts and cards concurrently.
func (f *SourceFetcher) FetchSources(ctx context.Context, accessToken string) (*domain.SourceSnapshot, error) {
	ctx, span := fetchTracer.Start(ctx, "SourceFetcher.FetchSources")
	defer span.End()

	var snapshot domain.SourceSnapshot
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		accounts, err := f.provider.ListAccounts(gCtx, accessToken)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		snapshot.Accounts = accounts
		return nil
	})

	g.Go(func() error {
		cards, err := f.provider.ListCards(gCtx, accessToken)
		if err != nil {
			return fmt.Errorf("list cards: %w", err)
		}
		snapshot.Cards = cards
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("accounts.count", len(snapshot.Accounts)),
		attribute.Int("cards.count", len(snapshot.Cards)),
	)
	return &snapshot, nil
}

// FetchTransactions returns the cleared then the pending transactions of src
// in [from, to], each tagged with its status.
func (f *SourceFetcher) FetchTransactions(ctx context.Context, accessToken string, src domain.TransactionSource, from, to time.Time) ([]domain.Transaction, error) {
	ctx, span := fetchTracer.Start(ctx, "SourceFetcher.FetchTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("source.key", src.Key()))

	var cleared, pending []domain.ProviderTransaction
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		txs, err := f.provider.ListTransactions(gCtx, accessToken, src.Type, src.AccountID, from, to)
		if err != nil {
			return fmt.Errorf("list transactions: %w", err)
		}
		cleared = txs
		return nil
	})

	g.Go(func() error {
		txs, err := f.provider.ListPendingTransactions(gCtx, accessToken, src.Type, src.AccountID, from, to)
		if err != nil {
			return fmt.Errorf("list pending transactions: %w", err)
		}
		pending = txs
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Transaction, 0, len(cleared)+len(pending))
	for _, p := range cleared {
		out = append(out, p.Normalize(domain.StatusCleared))
	}
	for _, p := range pending {
		out = append(out, p.Normalize(domain.StatusPending))
	}
	span.SetAttributes(
		attribute.Int("transactions.cleared", len(cleared)),
		attribute.Int("transactions.pending", len(pending)),
	)
	return out, nil
}

// FetchBalance returns the normalized current balance of src.
func (f *SourceFetcher) FetchBalance(ctx context.Context, accessToken string, src domain.TransactionSource) (decimal.Decimal, error) {
	ctx, span := fetchTracer.Start(ctx, "SourceFetcher.FetchBalance")
	defer span.End()
	span.SetAttributes(attribute.String("source.key", src.Key()))

	b, err := f.provider.GetBalance(ctx, accessToken, src.Type, src.AccountID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return b.Normalized(src.Type), nil
}
