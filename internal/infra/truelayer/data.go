package truelayer

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// GetMetadata returns the consent metadata of the connection.
func (c *Client) GetMetadata(ctx context.Context, accessToken string) (*domain.Metadata, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.GetMetadata")
	defer span.End()

	body, _, err := c.get(ctx, "metadata", accessToken, "/data/v1/me", nil, false)
	if err != nil {
		return nil, err
	}
	return decodeFirst[domain.Metadata]("metadata", body)
}

type userInfo struct {
	FullName string `json:"full_name"`
}

// GetUserFullName returns the name of the account holder.
func (c *Client) GetUserFullName(ctx context.Context, accessToken string) (string, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.GetUserFullName")
	defer span.End()

	body, _, err := c.get(ctx, "info", accessToken, "/data/v1/info", nil, false)
	if err != nil {
		return "", err
	}
	info, err := decodeFirst[userInfo]("info", body)
	if err != nil {
		return "", err
	}
	return info.FullName, nil
}

// ListAccounts returns the bank accounts of the connection. Providers that do
// not support accounts answer 501, which yields an empty list.
func (c *Client) ListAccounts(ctx context.Context, accessToken string) ([]domain.Account, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.ListAccounts")
	defer span.End()

	body, ok, err := c.get(ctx, "accounts", accessToken, "/data/v1/accounts", nil, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("not_implemented", true))
		return []domain.Account{}, nil
	}
	return decodeResults[domain.Account]("accounts", body)
}

// ListCards returns the cards of the connection. A 501 yields an empty list.
func (c *Client) ListCards(ctx context.Context, accessToken string) ([]domain.Card, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.ListCards")
	defer span.End()

	body, ok, err := c.get(ctx, "cards", accessToken, "/data/v1/cards", nil, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		span.SetAttributes(attribute.Bool("not_implemented", true))
		return []domain.Card{}, nil
	}
	return decodeResults[domain.Card]("cards", body)
}

// GetBalance returns the balance of an account or card.
func (c *Client) GetBalance(ctx context.Context, accessToken string, kind domain.SourceType, id string) (*domain.Balance, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.GetBalance")
	defer span.End()
	span.SetAttributes(
		attribute.String("source.type", string(kind)),
		attribute.String("source.id", id),
	)

	path := fmt.Sprintf("/data/v1/%s/%s/balance", kind.Path(), url.PathEscape(id))
	body, _, err := c.get(ctx, "balance", accessToken, path, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeFirst[domain.Balance]("balance", body)
}

// ListTransactions returns the settled transactions of a source in [from, to].
func (c *Client) ListTransactions(ctx context.Context, accessToken string, kind domain.SourceType, id string, from, to time.Time) ([]domain.ProviderTransaction, error) {
	return c.listTransactions(ctx, "transactions", accessToken, kind, id, "/transactions", from, to)
}

// ListPendingTransactions returns the pending transactions of a source in [from, to].
func (c *Client) ListPendingTransactions(ctx context.Context, accessToken string, kind domain.SourceType, id string, from, to time.Time) ([]domain.ProviderTransaction, error) {
	return c.listTransactions(ctx, "pending_transactions", accessToken, kind, id, "/transactions/pending", from, to)
}

func (c *Client) listTransactions(ctx context.Context, operation, accessToken string, kind domain.SourceType, id, suffix string, from, to time.Time) ([]domain.ProviderTransaction, error) {
	ctx, span := tracer.Start(ctx, "TrueLayer.ListTransactions")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation", operation),
		attribute.String("source.type", string(kind)),
		attribute.String("source.id", id),
	)

	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))

	path := fmt.Sprintf("/data/v1/%s/%s%s", kind.Path(), url.PathEscape(id), suffix)
	body, _, err := c.get(ctx, operation, accessToken, path, q, false)
	if err != nil {
		return nil, err
	}
	txs, err := decodeResults[domain.ProviderTransaction](operation, body)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("transactions.count", len(txs)))
	return txs, nil
}
