// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service layer
// from the concrete provider, ledger, store and transport adapters.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"github.com/shopspring/decimal"
)

// ConnectionStore persists connections, keyed by their unique name.
// Partial updates must leave unrelated fields untouched.
type ConnectionStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, name string) (*domain.Connection, error)
	List(ctx context.Context) ([]domain.Connection, error)
	Upsert(ctx context.Context, conn *domain.Connection) error
	UpdateTokens(ctx context.Context, name string, access domain.Token, refresh *domain.Token) error
	UpdateSources(ctx context.Context, name string, accounts []domain.Account, cards []domain.Card) error
	UpdateLastSynced(ctx context.Context, name string, at time.Time) error
	Delete(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

// TokenCipher encrypts secrets at rest.
type TokenCipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(sealed string) (string, error)
}

// OAuthProvider is the provider authorization server.
type OAuthProvider interface {
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*domain.TokenGrant, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
}

// BankDataProvider is the provider data API. Every call is bearer-authenticated.
type BankDataProvider interface {
	GetMetadata(ctx context.Context, accessToken string) (*domain.Metadata, error)
	GetUserFullName(ctx context.Context, accessToken string) (string, error)
	ListAccounts(ctx context.Context, accessToken string) ([]domain.Account, error)
	ListCards(ctx context.Context, accessToken string) ([]domain.Card, error)
	GetBalance(ctx context.Context, accessToken string, kind domain.SourceType, id string) (*domain.Balance, error)
	ListTransactions(ctx context.Context, accessToken string, kind domain.SourceType, id string, from, to time.Time) ([]domain.ProviderTransaction, error)
	ListPendingTransactions(ctx context.Context, accessToken string, kind domain.SourceType, id string, from, to time.Time) ([]domain.ProviderTransaction, error)
}

// MessageBus is the durable transport between the two services.
// Messages with the same key are delivered in publish order.
type MessageBus interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Ledger is the destination budgeting API.
type Ledger interface {
	ListAssets(ctx context.Context) ([]domain.Asset, error)
	CreateAsset(ctx context.Context, req *domain.CreateAssetRequest) (*domain.Asset, error)
	UpdateAssetBalance(ctx context.Context, id int64, balance decimal.Decimal, currency string) error
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateCategory(ctx context.Context, req *domain.CreateCategoryRequest) (int64, error)
	InsertTransactions(ctx context.Context, req *domain.InsertTransactionsRequest) ([]int64, error)
}

// OnceCache accepts each key once while it is live.
type OnceCache[T any] interface {
	Add(key string, value T) bool
}

// AssetIndex maps destination asset identities to asset ids.
type AssetIndex interface {
	Lookup(key domain.AssetKey) (int64, bool)
	KeyOf(id int64) (domain.AssetKey, bool)
	Put(key domain.AssetKey, id int64)
	Reset()
	Len() int
}
