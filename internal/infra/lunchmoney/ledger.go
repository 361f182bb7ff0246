package lunchmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// --- Assets ---

type assetsResponse struct {
	Assets []domain.Asset `json:"assets"`
}

// ListAssets returns every manually-managed asset.
func (c *Client) ListAssets(ctx context.Context) ([]domain.Asset, error) {
	ctx, span := tracer.Start(ctx, "LunchMoney.ListAssets")
	defer span.End()

	body, err := c.read(ctx, "/assets")
	if err != nil {
		return nil, err
	}
	var resp assetsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.ErrExternalService{Service: serviceName + "/assets", Err: fmt.Errorf("failed to decode assets: %w", err)}
	}
	span.SetAttributes(attribute.Int("assets.count", len(resp.Assets)))
	return resp.Assets, nil
}

// CreateAsset creates a manually-managed asset.
func (c *Client) CreateAsset(ctx context.Context, req *domain.CreateAssetRequest) (*domain.Asset, error) {
	ctx, span := tracer.Start(ctx, "LunchMoney.CreateAsset")
	defer span.End()
	span.SetAttributes(attribute.String("asset.name", req.Name))

	body, err := c.write(ctx, http.MethodPost, "/assets", req)
	if err != nil {
		return nil, err
	}
	var asset domain.Asset
	if err := json.Unmarshal(body, &asset); err != nil {
		return nil, &domain.ErrExternalService{Service: serviceName + "/assets", Err: fmt.Errorf("failed to decode asset: %w", err)}
	}
	span.SetAttributes(attribute.Int64("asset.id", asset.ID))
	return &asset, nil
}

type updateAssetRequest struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency,omitempty"`
}

// UpdateAssetBalance overwrites the balance of an asset.
func (c *Client) UpdateAssetBalance(ctx context.Context, id int64, balance decimal.Decimal, currency string) error {
	ctx, span := tracer.Start(ctx, "LunchMoney.UpdateAssetBalance")
	defer span.End()
	span.SetAttributes(attribute.Int64("asset.id", id))

	_, err := c.write(ctx, http.MethodPut, fmt.Sprintf("/assets/%d", id), updateAssetRequest{
		Balance:  balance,
		Currency: currency,
	})
	return err
}

// --- Categories ---

type categoriesResponse struct {
	Categories []domain.Category `json:"categories"`
}

// ListCategories returns every category.
func (c *Client) ListCategories(ctx context.Context) ([]domain.Category, error) {
	ctx, span := tracer.Start(ctx, "LunchMoney.ListCategories")
	defer span.End()

	body, err := c.read(ctx, "/categories")
	if err != nil {
		return nil, err
	}
	var resp categoriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.ErrExternalService{Service: serviceName + "/categories", Err: fmt.Errorf("failed to decode categories: %w", err)}
	}
	return resp.Categories, nil
}

type createCategoryResponse struct {
	CategoryID int64 `json:"category_id"`
}

// CreateCategory creates a category and returns its id.
func (c *Client) CreateCategory(ctx context.Context, req *domain.CreateCategoryRequest) (int64, error) {
	ctx, span := tracer.Start(ctx, "LunchMoney.CreateCategory")
	defer span.End()
	span.SetAttributes(attribute.String("category.name", req.Name))

	body, err := c.write(ctx, http.MethodPost, "/categories", req)
	if err != nil {
		return 0, err
	}
	var resp createCategoryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, &domain.ErrExternalService{Service: serviceName + "/categories", Err: fmt.Errorf("failed to decode category: %w", err)}
	}
	return resp.CategoryID, nil
}

// --- Transactions ---

type insertTransactionsResponse struct {
	IDs []int64 `json:"ids"`
}

// InsertTransactions submits transactions. With SkipDuplicates set the API
// drops entries whose external_id already exists on the asset, so the
// returned ids may be fewer than the submitted transactions.
func (c *Client) InsertTransactions(ctx context.Context, req *domain.InsertTransactionsRequest) ([]int64, error) {
	ctx, span := tracer.Start(ctx, "LunchMoney.InsertTransactions")
	defer span.End()
	span.SetAttributes(
		attribute.Int("transactions.count", len(req.Transactions)),
		attribute.Bool("skip_duplicates", req.SkipDuplicates),
	)

	body, err := c.write(ctx, http.MethodPost, "/transactions", req)
	if err != nil {
		return nil, err
	}
	var resp insertTransactionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.ErrExternalService{Service: serviceName + "/transactions", Err: fmt.Errorf("failed to decode insert result: %w", err)}
	}
	if resp.IDs == nil {
		resp.IDs = []int64{}
	}
	return resp.IDs, nil
}
