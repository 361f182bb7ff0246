package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LedgerSink applies source messages to the destination ledger. It is not
// safe for concurrent use; the consumer feeds it one message at a time.
type LedgerSink struct {
	assets            *AssetReconciler
	inserter          *Inserter
	pendingCategoryID int64
	loc               *time.Location
	metrics           *observability.Metrics
	logger            *zap.Logger
}

// NewLedgerSink creates a LedgerSink. Dates are rendered in loc.
func NewLedgerSink(assets *AssetReconciler, inserter *Inserter, pendingCategoryID int64, loc *time.Location, metrics *observability.Metrics, logger *zap.Logger) *LedgerSink {
	return &LedgerSink{
		assets:            assets,
		inserter:          inserter,
		pendingCategoryID: pendingCategoryID,
		loc:               loc,
		metrics:           metrics,
		logger:            logger,
	}
}

// HandleMessage decodes a source message, reconciles its asset and inserts
// its transactions in order. A payload that cannot be decoded is a
// *domain.ErrValidation; any other error leaves the message for redelivery.
func (s *LedgerSink) HandleMessage(ctx context.Context, payload []byte) error {
	ctx, span := ledgerTracer.Start(ctx, "LedgerSink.HandleMessage")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("handle_message", time.Since(start))
	}()

	var msg domain.SourceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return &domain.ErrValidation{Field: "payload", Message: err.Error()}
	}
	if msg.Source.Name == "" || msg.Source.Currency == "" {
		return &domain.ErrValidation{Field: "source", Message: "name and currency are required"}
	}
	span.SetAttributes(
		attribute.String("source.key", msg.Source.Key()),
		attribute.Int("transactions.count", len(msg.Transactions)),
	)

	assetID, err := s.assets.Reconcile(ctx, msg.Source)
	if err != nil {
		return err
	}

	for idx, tx := range msg.Transactions {
		lt := Transform(tx, assetID, s.pendingCategoryID, s.loc)
		if err := s.inserter.Insert(ctx, lt, tx.Status); err != nil {
			return fmt.Errorf("transaction %d of %s: %w", idx, msg.Source.Key(), err)
		}
	}

	s.logger.Info("source message applied",
		zap.String("source", msg.Source.Key()),
		zap.Int64("asset_id", assetID),
		zap.Int("transactions", len(msg.Transactions)),
	)
	return nil
}
