package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Lunch Money asset types used for synced sources.
const (
	AssetTypeCash   = "cash"
	AssetTypeCredit = "credit"
)

// AssetKey identifies a destination asset by what the pipeline knows about
// the source: institution, name, type, subtype and currency.
type AssetKey struct {
	Institution string
	Name        string
	Type        string
	Subtype     string
	Currency    string
}

// String renders the key, mostly for logs and metrics.
func (k AssetKey) String() string {
	return strings.Join([]string{k.Institution, k.Name, k.Type, k.Subtype, k.Currency}, "|")
}

// AssetKeyForSource maps a transaction source onto the destination asset identity.
func AssetKeyForSource(s TransactionSource) AssetKey {
	assetType := AssetTypeCash
	if s.Type == SourceTypeCard {
		assetType = AssetTypeCredit
	}
	return AssetKey{
		Institution: s.Provider,
		Name:        s.Name,
		Type:        assetType,
		Subtype:     s.SubType,
		Currency:    strings.ToLower(s.Currency),
	}
}

// Asset is a Lunch Money manually-managed asset.
type Asset struct {
	ID              int64           `json:"id"`
	TypeName        string          `json:"type_name"`
	SubtypeName     string          `json:"subtype_name"`
	Name            string          `json:"name"`
	DisplayName     string          `json:"display_name,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	Currency        string          `json:"currency"`
	InstitutionName string          `json:"institution_name"`
}

// Key returns the identity of the asset as seen by the pipeline.
func (a Asset) Key() AssetKey {
	return AssetKey{
		Institution: a.InstitutionName,
		Name:        a.Name,
		Type:        a.TypeName,
		Subtype:     a.SubtypeName,
		Currency:    strings.ToLower(a.Currency),
	}
}

// CreateAssetRequest is the body of POST /v1/assets.
type CreateAssetRequest struct {
	TypeName        string          `json:"type_name"`
	SubtypeName     string          `json:"subtype_name,omitempty"`
	Name            string          `json:"name"`
	Balance         decimal.Decimal `json:"balance"`
	Currency        string          `json:"currency"`
	InstitutionName string          `json:"institution_name"`
}

// Category is a Lunch Money category.
type Category struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	ExcludeFromBudget bool   `json:"exclude_from_budget"`
	ExcludeFromTotals bool   `json:"exclude_from_totals"`
	IsGroup           bool   `json:"is_group"`
}

// CreateCategoryRequest is the body of POST /v1/categories.
type CreateCategoryRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	ExcludeFromBudget bool   `json:"exclude_from_budget"`
	ExcludeFromTotals bool   `json:"exclude_from_totals"`
}

// LedgerTransaction is a transaction in the destination schema.
type LedgerTransaction struct {
	Date       string          `json:"date"`
	Amount     decimal.Decimal `json:"amount"`
	Payee      string          `json:"payee"`
	Currency   string          `json:"currency"`
	AssetID    int64           `json:"asset_id"`
	CategoryID *int64          `json:"category_id,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	Status     string          `json:"status"`
	ExternalID string          `json:"external_id,omitempty"`
}

// InsertTransactionsRequest is the body of POST /v1/transactions.
type InsertTransactionsRequest struct {
	Transactions      []LedgerTransaction `json:"transactions"`
	ApplyRules        bool                `json:"apply_rules"`
	SkipDuplicates    bool                `json:"skip_duplicates"`
	CheckForRecurring bool                `json:"check_for_recurring"`
	DebitAsNegative   bool                `json:"debit_as_negative"`
	SkipBalanceUpdate bool                `json:"skip_balance_update"`
}
