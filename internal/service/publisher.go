package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"go.uber.org/zap"
)

// Publisher emits one message per source update.
type Publisher struct {
	bus     port.MessageBus
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(bus port.MessageBus, metrics *observability.Metrics, logger *zap.Logger) *Publisher {
	return &Publisher{bus: bus, metrics: metrics, logger: logger}
}

// Publish sends {source, transactions} keyed by the source identity. An
// update with no transactions and no balance is suppressed; the result
// reports whether a message was sent.
func (p *Publisher) Publish(ctx context.Context, src domain.TransactionSource, txs []domain.Transaction) (bool, error) {
	if len(txs) == 0 && src.Balance == nil {
		p.metrics.IncrSuppressed()
		p.logger.Debug("nothing to publish", zap.String("source", src.Key()))
		return false, nil
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}

	payload, err := json.Marshal(domain.SourceMessage{Source: src, Transactions: txs})
	if err != nil {
		return false, fmt.Errorf("encode source message: %w", err)
	}
	if err := p.bus.Publish(ctx, src.Key(), payload); err != nil {
		return false, err
	}

	p.metrics.IncrPublished()
	p.logger.Info("source published",
		zap.String("source", src.Key()),
		zap.Int("transactions", len(txs)),
		zap.Bool("balance", src.Balance != nil),
	)
	return true, nil
}
