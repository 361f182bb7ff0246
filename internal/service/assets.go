package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ledgerTracer = otel.Tracer("service/ledger")

const assetCache = "asset"

// AssetReconciler resolves the destination asset of a source, creating it
// on first sight and keeping its balance current afterwards.
type AssetReconciler struct {
	ledger  port.Ledger
	index   port.AssetIndex
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewAssetReconciler creates an AssetReconciler over index.
func NewAssetReconciler(ledger port.Ledger, index port.AssetIndex, metrics *observability.Metrics, logger *zap.Logger) *AssetReconciler {
	return &AssetReconciler{ledger: ledger, index: index, metrics: metrics, logger: logger}
}

// Seed loads every destination asset into the index.
func (r *AssetReconciler) Seed(ctx context.Context) error {
	ctx, span := ledgerTracer.Start(ctx, "AssetReconciler.Seed")
	defer span.End()

	if err := r.refresh(ctx); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("assets.count", r.index.Len()))
	r.logger.Info("asset index seeded", zap.Int("assets", r.index.Len()))
	return nil
}

// Reconcile returns the asset id for src. A known asset gets its balance
// updated when src carries one. On a miss the index is refreshed from the
// destination first, and only an asset still unknown is created, with the
// balance or zero.
func (r *AssetReconciler) Reconcile(ctx context.Context, src domain.TransactionSource) (int64, error) {
	ctx, span := ledgerTracer.Start(ctx, "AssetReconciler.Reconcile")
	defer span.End()

	key := domain.AssetKeyForSource(src)
	span.SetAttributes(attribute.String("asset.key", key.String()))

	id, ok := r.index.Lookup(key)
	if ok {
		r.metrics.IncrCacheHit(assetCache)
	} else {
		r.metrics.IncrCacheMiss(assetCache)
		if err := r.refresh(ctx); err != nil {
			return 0, err
		}
		if id, ok = r.index.Lookup(key); ok {
			r.logger.Info("asset found on refresh",
				zap.Int64("asset_id", id),
				zap.Stringer("asset", key),
			)
		}
	}

	if ok {
		span.SetAttributes(attribute.Int64("asset.id", id))
		if src.Balance == nil {
			return id, nil
		}
		err := r.updateBalance(ctx, id, key, *src.Balance)
		if err == nil {
			return id, nil
		}
		if !assetMissing(err) {
			return 0, err
		}

		// The indexed asset is gone on the destination.
		r.logger.Warn("indexed asset missing on destination",
			zap.Int64("asset_id", id),
			zap.Stringer("asset", key),
		)
		if rerr := r.refresh(ctx); rerr != nil {
			return 0, rerr
		}
		if _, still := r.index.Lookup(key); still {
			return 0, err
		}
	}

	return r.create(ctx, key, src.Balance)
}

// refresh rebuilds the index from a full listing of destination assets.
func (r *AssetReconciler) refresh(ctx context.Context) error {
	assets, err := r.ledger.ListAssets(ctx)
	if err != nil {
		r.metrics.IncrExternalError("lunchmoney")
		return fmt.Errorf("refresh assets: %w", err)
	}
	r.index.Reset()
	for _, a := range assets {
		r.index.Put(a.Key(), a.ID)
	}
	r.metrics.IncrAssetOperation("refresh")
	return nil
}

func (r *AssetReconciler) updateBalance(ctx context.Context, id int64, key domain.AssetKey, balance decimal.Decimal) error {
	if err := r.ledger.UpdateAssetBalance(ctx, id, balance, key.Currency); err != nil {
		r.metrics.IncrExternalError("lunchmoney")
		return fmt.Errorf("update balance of asset %d: %w", id, err)
	}
	r.metrics.IncrAssetOperation("balance")
	r.logger.Debug("asset balance updated",
		zap.Int64("asset_id", id),
		zap.String("balance", balance.String()),
	)
	return nil
}

func (r *AssetReconciler) create(ctx context.Context, key domain.AssetKey, balance *decimal.Decimal) (int64, error) {
	initial := decimal.Zero
	if balance != nil {
		initial = *balance
	}
	asset, err := r.ledger.CreateAsset(ctx, &domain.CreateAssetRequest{
		TypeName:        key.Type,
		SubtypeName:     key.Subtype,
		Name:            key.Name,
		Balance:         initial,
		Currency:        key.Currency,
		InstitutionName: key.Institution,
	})
	if err != nil {
		r.metrics.IncrExternalError("lunchmoney")
		return 0, fmt.Errorf("create asset %s: %w", key, err)
	}

	if prev, ok := r.index.KeyOf(asset.ID); ok && prev != key {
		r.logger.Warn("destination reused an indexed asset id",
			zap.Int64("asset_id", asset.ID),
			zap.Stringer("previous", prev),
			zap.Stringer("asset", key),
		)
	}
	r.index.Put(key, asset.ID)
	r.metrics.IncrAssetOperation("create")
	r.logger.Info("asset created",
		zap.Int64("asset_id", asset.ID),
		zap.Stringer("asset", key),
	)
	return asset.ID, nil
}

// assetMissing reports whether the destination rejected a call because the
// asset no longer exists.
func assetMissing(err error) bool {
	var upstream *domain.ErrUpstreamAPI
	if !errors.As(err, &upstream) {
		return false
	}
	return upstream.StatusCode == http.StatusNotFound ||
		strings.Contains(strings.ToLower(upstream.Body), "not found")
}

// ResolvePendingCategory returns the id of the category named name, creating
// it when missing. Pending transactions are filed under it.
func ResolvePendingCategory(ctx context.Context, ledger port.Ledger, name string, logger *zap.Logger) (int64, error) {
	ctx, span := ledgerTracer.Start(ctx, "ResolvePendingCategory")
	defer span.End()

	categories, err := ledger.ListCategories(ctx)
	if err != nil {
		return 0, fmt.Errorf("list categories: %w", err)
	}
	for _, c := range categories {
		if !c.IsGroup && c.Name == name {
			logger.Info("pending category found", zap.Int64("category_id", c.ID))
			return c.ID, nil
		}
	}

	id, err := ledger.CreateCategory(ctx, &domain.CreateCategoryRequest{
		Name:        name,
		Description: "Transactions not yet settled by the bank",
	})
	if err != nil {
		return 0, fmt.Errorf("create category %q: %w", name, err)
	}
	logger.Info("pending category created", zap.Int64("category_id", id))
	return id, nil
}
