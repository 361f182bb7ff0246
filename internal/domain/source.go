package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SourceType distinguishes bank accounts from cards.
type SourceType string

const (
	SourceTypeAccount SourceType = "account"
	SourceTypeCard    SourceType = "card"
)

// Path is the provider data API collection for the source type.
func (t SourceType) Path() string {
	if t == SourceTypeCard {
		return "cards"
	}
	return "accounts"
}

// TransactionStatus is the clearing state of a transaction.
type TransactionStatus string

const (
	StatusCleared TransactionStatus = "cleared"
	StatusPending TransactionStatus = "pending"
)

// TransactionSource is one bank account or card of a connection. It is
// derived on every sync and never persisted on its own.
type TransactionSource struct {
	AccountID      string           `json:"account_id"`
	Name           string           `json:"name"`
	ConnectionName string           `json:"connection_name"`
	Type           SourceType       `json:"type"`
	SubType        string           `json:"sub_type"`
	Provider       string           `json:"provider"`
	Currency       string           `json:"currency"`
	Balance        *decimal.Decimal `json:"balance,omitempty"`
}

// Key identifies the source on the transport. Messages sharing a key are
// delivered in order.
func (s TransactionSource) Key() string {
	return strings.Join([]string{
		s.ConnectionName,
		s.Name,
		string(s.Type),
		s.SubType,
		s.Currency,
	}, "|")
}

// Transaction is a normalized provider transaction.
type Transaction struct {
	Timestamp      time.Time         `json:"timestamp"`
	Description    string            `json:"description"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	Type           string            `json:"transaction_type"`
	Category       string            `json:"transaction_category"`
	Classification []string          `json:"transaction_classification"`
	ExternalID     *string           `json:"normalised_provider_transaction_id,omitempty"`
	MerchantName   *string           `json:"merchant_name,omitempty"`
}

// HasExternalID reports whether the provider supplied a stable identifier.
func (t Transaction) HasExternalID() bool {
	return t.ExternalID != nil && *t.ExternalID != ""
}

// SourceMessage is the producer to consumer payload, one per source.
type SourceMessage struct {
	Source       TransactionSource `json:"source"`
	Transactions []Transaction     `json:"transactions"`
}

// Balance is the provider balance of an account or card.
type Balance struct {
	Currency        string          `json:"currency"`
	Available       decimal.Decimal `json:"available"`
	Current         decimal.Decimal `json:"current"`
	Overdraft       decimal.Decimal `json:"overdraft"`
	UpdateTimestamp time.Time       `json:"update_timestamp"`
}

// ProviderTransaction is a transaction as returned by the provider data API.
type ProviderTransaction struct {
	TransactionID                   string          `json:"transaction_id"`
	NormalisedProviderTransactionID string          `json:"normalised_provider_transaction_id"`
	ProviderTransactionID           string          `json:"provider_transaction_id"`
	Timestamp                       time.Time       `json:"timestamp"`
	Description                     string          `json:"description"`
	Amount                          decimal.Decimal `json:"amount"`
	Currency                        string          `json:"currency"`
	TransactionType                 string          `json:"transaction_type"`
	TransactionCategory             string          `json:"transaction_category"`
	TransactionClassification       []string        `json:"transaction_classification"`
	MerchantName                    string          `json:"merchant_name"`
}

// Normalize tags the provider transaction with its status, which the
// provider only conveys through the endpoint it came from.
func (p ProviderTransaction) Normalize(status TransactionStatus) Transaction {
	tx := Transaction{
		Timestamp:      p.Timestamp,
		Description:    p.Description,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         status,
		Type:           p.TransactionType,
		Category:       p.TransactionCategory,
		Classification: p.TransactionClassification,
	}
	if tx.Classification == nil {
		tx.Classification = []string{}
	}
	if p.NormalisedProviderTransactionID != "" {
		id := p.NormalisedProviderTransactionID
		tx.ExternalID = &id
	}
	if p.MerchantName != "" {
		name := p.MerchantName
		tx.MerchantName = &name
	}
	return tx
}

// SourceFromAccount derives the source of a bank account.
func SourceFromAccount(connection, provider string, a Account) TransactionSource {
	return TransactionSource{
		AccountID:      a.AccountID,
		Name:           a.DisplayName,
		ConnectionName: connection,
		Type:           SourceTypeAccount,
		SubType:        a.AccountType,
		Provider:       provider,
		Currency:       a.Currency,
	}
}

// SourceFromCard derives the source of a card.
func SourceFromCard(connection, provider string, c Card) TransactionSource {
	return TransactionSource{
		AccountID:      c.AccountID,
		Name:           c.DisplayName,
		ConnectionName: connection,
		Type:           SourceTypeCard,
		SubType:        c.CardType,
		Provider:       provider,
		Currency:       c.Currency,
	}
}

// Normalized returns the current balance with the card sign convention
// applied: a card reporting a negative available balance has its current
// balance negated. Other sources are returned as reported.
func (b Balance) Normalized(kind SourceType) decimal.Decimal {
	if kind == SourceTypeCard && b.Available.IsNegative() {
		return b.Current.Neg()
	}
	return b.Current
}

// SourceSnapshot is the account and card listing of a connection.
type SourceSnapshot struct {
	Accounts []Account
	Cards    []Card
}

// Sources derives the transaction sources of the snapshot, accounts first.
func (s SourceSnapshot) Sources(connection, provider string) []TransactionSource {
	out := make([]TransactionSource, 0, len(s.Accounts)+len(s.Cards))
	for _, a := range s.Accounts {
		out = append(out, SourceFromAccount(connection, provider, a))
	}
	for _, c := range s.Cards {
		out = append(out, SourceFromCard(connection, provider, c))
	}
	return out
}
