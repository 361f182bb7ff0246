package service

import (
	"strings"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
)

const (
	pendingPayeeSuffix      = " - Pending"
	pendingExternalIDSuffix = "-pending"
	ledgerStatusCleared     = "cleared"
	ledgerDateLayout        = "2006-01-02"
)

// Transform maps a transaction onto the destination schema. The ledger has
// no pending status: a pending transaction is stored as cleared, marked in
// its payee, filed under pendingCategoryID and given a distinct external id
// so the settled version later lands as its own record.
func Transform(tx domain.Transaction, assetID, pendingCategoryID int64, loc *time.Location) domain.LedgerTransaction {
	if loc == nil {
		loc = time.Local
	}
	out := domain.LedgerTransaction{
		Date:     tx.Timestamp.In(loc).Format(ledgerDateLayout),
		Amount:   tx.Amount,
		Payee:    tx.Description,
		Currency: strings.ToLower(tx.Currency),
		AssetID:  assetID,
		Status:   ledgerStatusCleared,
	}
	if tx.MerchantName != nil {
		out.Notes = *tx.MerchantName
	}
	if tx.HasExternalID() {
		out.ExternalID = *tx.ExternalID
	}

	if tx.Status == domain.StatusPending {
		out.Payee += pendingPayeeSuffix
		categoryID := pendingCategoryID
		out.CategoryID = &categoryID
		if out.ExternalID != "" {
			out.ExternalID += pendingExternalIDSuffix
		}
	}
	return out
}
