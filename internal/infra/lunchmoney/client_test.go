package lunchmoney_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/lunchmoney"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *lunchmoney.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return lunchmoney.NewClient(
		srv.Client(),
		srv.URL,
		"lm-token",
		resilience.NewCircuitBreaker("lunchmoney-test"),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
}

func TestListAssets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assets", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer lm-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"assets":[{"id":42,"type_name":"cash","subtype_name":"TRANSACTION","name":"Acme Checking","balance":"100.5000","currency":"gbp","institution_name":"Mock Bank"}]}`))
	})
	c := newTestClient(t, mux)

	assets, err := c.ListAssets(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("expected 1 asset, got %d", len(assets))
	}
	if assets[0].ID != 42 || !assets[0].Balance.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("unexpected asset: %+v", assets[0])
	}
}

func TestCreateAsset(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req domain.CreateAssetRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(domain.Asset{
			ID:              42,
			TypeName:        req.TypeName,
			SubtypeName:     req.SubtypeName,
			Name:            req.Name,
			Balance:         req.Balance,
			Currency:        req.Currency,
			InstitutionName: req.InstitutionName,
		})
	})
	c := newTestClient(t, mux)

	asset, err := c.CreateAsset(context.Background(), &domain.CreateAssetRequest{
		TypeName:        "cash",
		Name:            "Acme Checking",
		Balance:         decimal.RequireFromString("12.34"),
		Currency:        "gbp",
		InstitutionName: "Mock Bank",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asset.ID != 42 || asset.Name != "Acme Checking" {
		t.Errorf("unexpected asset: %+v", asset)
	}
}

func TestInsertTransactions_NotRetried(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestClient(t, mux)

	_, err := c.InsertTransactions(context.Background(), &domain.InsertTransactionsRequest{
		Transactions: []domain.LedgerTransaction{{Date: "2024-01-05", Payee: "Coffee"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 call, got %d", n)
	}
}

func TestInsertTransactions_SendsFlags(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ids":[1001]}`))
	})
	c := newTestClient(t, mux)

	ids, err := c.InsertTransactions(context.Background(), &domain.InsertTransactionsRequest{
		Transactions:      []domain.LedgerTransaction{{Date: "2024-01-05", Payee: "Coffee", ExternalID: "n-1"}},
		ApplyRules:        true,
		SkipDuplicates:    true,
		CheckForRecurring: true,
		DebitAsNegative:   true,
		SkipBalanceUpdate: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1001 {
		t.Errorf("unexpected ids: %v", ids)
	}
	for _, flag := range []string{"apply_rules", "skip_duplicates", "check_for_recurring", "debit_as_negative", "skip_balance_update"} {
		if got[flag] != true {
			t.Errorf("expected %s=true, got %v", flag, got[flag])
		}
	}
}

func TestEmbeddedErrorIsReported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/categories", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":["A category with the same name already exists."]}`))
	})
	c := newTestClient(t, mux)

	_, err := c.CreateCategory(context.Background(), &domain.CreateCategoryRequest{Name: "Pending"})
	var upstream *domain.ErrUpstreamAPI
	if !errors.As(err, &upstream) {
		t.Fatalf("expected ErrUpstreamAPI, got %v", err)
	}
	if upstream.Body != "A category with the same name already exists." {
		t.Errorf("unexpected body: %q", upstream.Body)
	}
}

func TestListCategories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/categories", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"categories":[{"id":7,"name":"Pending"}]}`))
	})
	c := newTestClient(t, mux)

	cats, err := c.ListCategories(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cats) != 1 || cats[0].ID != 7 {
		t.Errorf("unexpected categories: %+v", cats)
	}
}

func TestUpdateAssetBalance(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assets/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":42}`))
	})
	c := newTestClient(t, mux)

	if err := c.UpdateAssetBalance(context.Background(), 42, decimal.RequireFromString("-20.5"), "gbp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["balance"] != "-20.5" || got["currency"] != "gbp" {
		t.Errorf("unexpected body: %v", got)
	}
}
