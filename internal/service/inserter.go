package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Inserter writes transactions to the destination one insert call each.
// Batching is avoided because a single unresolvable duplicate in a batch
// makes the ledger drop the whole batch.
type Inserter struct {
	ledger  port.Ledger
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewInserter creates an Inserter.
func NewInserter(ledger port.Ledger, metrics *observability.Metrics, logger *zap.Logger) *Inserter {
	return &Inserter{ledger: ledger, metrics: metrics, logger: logger}
}

// Insert submits tx. Duplicate skipping is on only when tx has an external
// id. Rules, recurring detection and balance skipping apply to cleared
// transactions only; status is the provider status before Transform.
func (i *Inserter) Insert(ctx context.Context, tx domain.LedgerTransaction, status domain.TransactionStatus) error {
	ctx, span := ledgerTracer.Start(ctx, "Inserter.Insert")
	defer span.End()

	cleared := status == domain.StatusCleared
	skipDuplicates := tx.ExternalID != ""
	span.SetAttributes(
		attribute.Int64("asset.id", tx.AssetID),
		attribute.String("transaction.status", string(status)),
		attribute.Bool("skip_duplicates", skipDuplicates),
	)

	if !skipDuplicates {
		i.logger.Warn("transaction has no external id, duplicate detection disabled",
			zap.Int64("asset_id", tx.AssetID),
			zap.String("date", tx.Date),
			zap.String("payee", tx.Payee),
			zap.String("amount", tx.Amount.String()),
		)
	}

	ids, err := i.ledger.InsertTransactions(ctx, &domain.InsertTransactionsRequest{
		Transactions:      []domain.LedgerTransaction{tx},
		ApplyRules:        cleared,
		SkipDuplicates:    skipDuplicates,
		CheckForRecurring: cleared,
		DebitAsNegative:   true,
		SkipBalanceUpdate: cleared,
	})
	if err != nil {
		i.metrics.IncrExternalError("lunchmoney")
		return fmt.Errorf("insert transaction %q: %w", tx.ExternalID, err)
	}

	i.metrics.IncrTransactionInserted(status)
	i.logger.Debug("transaction submitted",
		zap.String("external_id", tx.ExternalID),
		zap.Int("inserted", len(ids)),
	)
	return nil
}
