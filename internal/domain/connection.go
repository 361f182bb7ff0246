package domain

import "time"

// TokenSafetyMargin is how long before expiry a token stops being usable.
const TokenSafetyMargin = 30 * time.Second

// Token is an OAuth credential. Inside a stored Connection the Secret holds
// ciphertext; once decrypted by the token manager it holds the bearer value.
type Token struct {
	Secret    string    `json:"token" bson:"token"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_in"`
}

// Usable reports whether the token stays valid for longer than the safety margin.
func (t Token) Usable(now time.Time) bool {
	return t.Secret != "" && t.ExpiresAt.Sub(now) > TokenSafetyMargin
}

// TokenGrant is the provider token endpoint response.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Connection is one authenticated linkage to a user's bank, unique by Name.
type Connection struct {
	Name         string    `json:"connection_name" bson:"connection_name"`
	FullName     string    `json:"full_name" bson:"full_name"`
	AccessToken  Token     `json:"access_token" bson:"access_token"`
	RefreshToken Token     `json:"refresh_token" bson:"refresh_token"`
	Metadata     Metadata  `json:"metadata" bson:"metadata"`
	Accounts     []Account `json:"accounts" bson:"accounts"`
	Cards        []Card    `json:"cards" bson:"cards"`
	LastSynced   time.Time `json:"last_synced" bson:"last_synced"`
}

// Metadata describes the consent behind a connection.
type Metadata struct {
	ClientID               string   `json:"client_id" bson:"client_id"`
	CredentialsID          string   `json:"credentials_id" bson:"credentials_id"`
	ConsentStatus          string   `json:"consent_status" bson:"consent_status"`
	ConsentStatusUpdatedAt string   `json:"consent_status_updated_at,omitempty" bson:"consent_status_updated_at,omitempty"`
	ConsentCreatedAt       string   `json:"consent_created_at,omitempty" bson:"consent_created_at,omitempty"`
	ConsentExpiresAt       string   `json:"consent_expires_at,omitempty" bson:"consent_expires_at,omitempty"`
	Provider               Provider `json:"provider" bson:"provider"`
	PrivacyPolicy          string   `json:"privacy_policy" bson:"privacy_policy"`
}

// Provider is the bank behind a connection.
type Provider struct {
	DisplayName string `json:"display_name" bson:"display_name"`
	LogoURI     string `json:"logo_uri" bson:"logo_uri"`
	ProviderID  string `json:"provider_id" bson:"provider_id"`
}

// Account is a bank account as listed by the provider.
type Account struct {
	AccountID       string        `json:"account_id" bson:"account_id"`
	AccountType     string        `json:"account_type" bson:"account_type"`
	AccountNumber   AccountNumber `json:"account_number" bson:"account_number"`
	Currency        string        `json:"currency" bson:"currency"`
	DisplayName     string        `json:"display_name" bson:"display_name"`
	UpdateTimestamp time.Time     `json:"update_timestamp" bson:"update_timestamp"`
}

// AccountNumber holds the routing details of an account.
type AccountNumber struct {
	IBAN     string `json:"iban,omitempty" bson:"iban,omitempty"`
	Number   string `json:"number,omitempty" bson:"number,omitempty"`
	SortCode string `json:"sort_code,omitempty" bson:"sort_code,omitempty"`
	SwiftBIC string `json:"swift_bic" bson:"swift_bic"`
	BSB      string `json:"bsb,omitempty" bson:"bsb,omitempty"`
}

// Card is a payment card as listed by the provider.
type Card struct {
	AccountID         string     `json:"account_id" bson:"account_id"`
	CardNetwork       string     `json:"card_network" bson:"card_network"`
	CardType          string     `json:"card_type" bson:"card_type"`
	Currency          string     `json:"currency" bson:"currency"`
	DisplayName       string     `json:"display_name" bson:"display_name"`
	PartialCardNumber string     `json:"partial_card_number" bson:"partial_card_number"`
	NameOnCard        string     `json:"name_on_card,omitempty" bson:"name_on_card,omitempty"`
	ValidFrom         *time.Time `json:"valid_from,omitempty" bson:"valid_from,omitempty"`
	ValidTo           *time.Time `json:"valid_to,omitempty" bson:"valid_to,omitempty"`
	UpdateTimestamp   time.Time  `json:"update_timestamp" bson:"update_timestamp"`
}

// ConnectionSummary is returned by GET /connections.
type ConnectionSummary struct {
	Name       string          `json:"name"`
	LastSynced int64           `json:"lastSynced"`
	ExpiresAt  int64           `json:"expiresAt"`
	Provider   ProviderSummary `json:"provider"`
}

// ProviderSummary is the provider part of a ConnectionSummary.
type ProviderSummary struct {
	Name    string `json:"name"`
	LogoURL string `json:"logoURL"`
}

// Summary projects the connection for API callers. Secrets never leave the
// service. A connection that never finished a sync reports lastSynced 0.
func (c *Connection) Summary() ConnectionSummary {
	var lastSynced int64
	if !c.LastSynced.IsZero() {
		lastSynced = c.LastSynced.UnixMilli()
	}
	return ConnectionSummary{
		Name:       c.Name,
		LastSynced: lastSynced,
		ExpiresAt:  c.RefreshToken.ExpiresAt.UnixMilli(),
		Provider: ProviderSummary{
			Name:    c.Metadata.Provider.DisplayName,
			LogoURL: c.Metadata.Provider.LogoURI,
		},
	}
}
