package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/config"
	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/handler"
	"github.com/boddenberg/ledgerlink-go/internal/infra/cache"
	"github.com/boddenberg/ledgerlink-go/internal/infra/crypto"
	"github.com/boddenberg/ledgerlink-go/internal/infra/lunchmoney"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"
	"github.com/boddenberg/ledgerlink-go/internal/infra/truelayer"
	"github.com/boddenberg/ledgerlink-go/internal/service"

	"go.uber.org/zap"
)

// --- In-memory infrastructure ---

type memStore struct {
	mu    sync.Mutex
	conns map[string]domain.Connection
}

func (s *memStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[name]
	return ok, nil
}

func (s *memStore) Get(_ context.Context, name string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "connection", ID: name}
	}
	return &c, nil
}

func (s *memStore) List(context.Context) ([]domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Connection
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out, nil
}

func (s *memStore) Upsert(_ context.Context, conn *domain.Connection) error {
	return s.with(conn.Name, func(c *domain.Connection) { *c = *conn })
}

func (s *memStore) UpdateTokens(_ context.Context, name string, access domain.Token, refresh *domain.Token) error {
	return s.with(name, func(c *domain.Connection) {
		c.AccessToken = access
		if refresh != nil {
			c.RefreshToken = *refresh
		}
	})
}

func (s *memStore) UpdateSources(_ context.Context, name string, accounts []domain.Account, cards []domain.Card) error {
	return s.with(name, func(c *domain.Connection) { c.Accounts, c.Cards = accounts, cards })
}

func (s *memStore) UpdateLastSynced(_ context.Context, name string, at time.Time) error {
	return s.with(name, func(c *domain.Connection) { c.LastSynced = at })
}

func (s *memStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, name)
	return nil
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) with(name string, fn func(*domain.Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conns[name]
	fn(&c)
	s.conns[name] = c
	return nil
}

type memBus struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payload)
	return nil
}

// --- Mock upstream APIs ---

func results(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"results": v, "status": "Succeeded"})
}

func newTrueLayerServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.TokenGrant{AccessToken: "tl-access", RefreshToken: "tl-refresh", ExpiresIn: 3600, TokenType: "Bearer"})
	})
	mux.HandleFunc("/data/v1/me", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{
			"credentials_id": "cred-1",
			"consent_status": "Authorised",
			"provider":       map[string]string{"display_name": "Mock Bank", "provider_id": "mock"},
		}})
	})
	mux.HandleFunc("/data/v1/info", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{"full_name": "Jane Doe"}})
	})
	mux.HandleFunc("/data/v1/accounts", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{
			"account_id": "acc-1", "account_type": "TRANSACTION", "currency": "GBP", "display_name": "Acme Checking",
		}})
	})
	mux.HandleFunc("/data/v1/cards", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	mux.HandleFunc("/data/v1/accounts/acc-1/transactions", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{
			"timestamp": "2026-03-10T09:00:00Z", "description": "COFFEE HOUSE", "amount": -12.50,
			"currency": "GBP", "normalised_provider_transaction_id": "abc", "merchant_name": "Coffee House",
		}})
	})
	mux.HandleFunc("/data/v1/accounts/acc-1/transactions/pending", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{
			"timestamp": "2026-03-11T18:30:00Z", "description": "CORNER SHOP", "amount": -4.20, "currency": "GBP",
		}})
	})
	mux.HandleFunc("/data/v1/accounts/acc-1/balance", func(w http.ResponseWriter, r *http.Request) {
		results(w, []map[string]any{{"currency": "GBP", "available": 980.5, "current": 1000.25}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type lunchMoneyRecorder struct {
	mu      sync.Mutex
	assets  []domain.CreateAssetRequest
	inserts []domain.InsertTransactionsRequest
}

func newLunchMoneyServer(t *testing.T, rec *lunchMoneyRecorder) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"assets":[]}`))
			return
		}
		var req domain.CreateAssetRequest
		json.NewDecoder(r.Body).Decode(&req)
		rec.mu.Lock()
		rec.assets = append(rec.assets, req)
		rec.mu.Unlock()
		json.NewEncoder(w).Encode(domain.Asset{
			ID: 42, TypeName: req.TypeName, SubtypeName: req.SubtypeName, Name: req.Name,
			Balance: req.Balance, Currency: req.Currency, InstitutionName: req.InstitutionName,
		})
	})
	mux.HandleFunc("/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		var req domain.InsertTransactionsRequest
		json.NewDecoder(r.Body).Decode(&req)
		rec.mu.Lock()
		rec.inserts = append(rec.inserts, req)
		n := len(rec.inserts)
		rec.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ids": []int{n}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestIntegration_ConnectSyncAndApply links a bank through the producer API,
// lets the initial way-back sync publish, and applies the message to the ledger.
func TestIntegration_ConnectSyncAndApply(t *testing.T) {
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	retry := resilience.Config{MaxRetries: 1, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 4}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	// --- Producer side ---
	tlServer := newTrueLayerServer(t)
	tl := truelayer.NewClient(httpClient, config.TrueLayerConfig{
		AuthOrigin:  tlServer.URL,
		APIOrigin:   tlServer.URL,
		ClientID:    "client-id",
		RedirectURI: "https://producer.example.com/redirect",
		Providers:   "uk-cs-mock",
	}, resilience.NewCircuitBreaker("truelayer-it"), resilience.NewBulkhead(4), retry, logger)

	cipher, err := crypto.NewTokenCipher("secret", "salt")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	store := &memStore{conns: map[string]domain.Connection{}}
	bus := &memBus{}
	tokens := service.NewTokenManager(store, tl, cipher, 90*24*time.Hour, metrics, logger)
	fetcher := service.NewSourceFetcher(tl)
	orchestrator := service.NewSyncOrchestrator(store, tokens, fetcher, service.NewPublisher(bus, metrics, logger), 30, 4, metrics, logger)
	state := service.NewStateSigner("state-secret", time.Minute, cache.New[bool](time.Minute))
	connections := service.NewConnectionService(store, tl, tl, fetcher, tokens, orchestrator, state, logger)

	router := handler.NewRouter(connections, orchestrator, nil, metrics, []string{"*"}, logger)
	api := httptest.NewServer(router)
	defer api.Close()

	// --- Consent ---
	resp, err := http.Get(api.URL + "/auth?name=acme&url=" + url.QueryEscape("https://app.example.com/done"))
	if err != nil {
		t.Fatalf("GET /auth: %v", err)
	}
	var authBody map[string]string
	json.NewDecoder(resp.Body).Decode(&authBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /auth, got %d", resp.StatusCode)
	}
	authURL, _ := url.Parse(authBody["authURL"])
	stateParam := authURL.Query().Get("state")

	noFollow := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err = noFollow.Get(api.URL + "/redirect?code=code-1&state=" + url.QueryEscape(stateParam))
	if err != nil {
		t.Fatalf("GET /redirect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "https://app.example.com/done" {
		t.Fatalf("expected 302 to return url, got %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}

	orchestrator.Wait()

	conn, err := store.Get(context.Background(), "acme")
	if err != nil {
		t.Fatalf("expected stored connection: %v", err)
	}
	if conn.AccessToken.Secret == "tl-access" || conn.AccessToken.Secret == "" {
		t.Error("access token must be stored encrypted")
	}
	if conn.FullName != "Jane Doe" || conn.Metadata.Provider.DisplayName != "Mock Bank" {
		t.Errorf("unexpected connection %+v", conn)
	}
	if time.Since(conn.LastSynced) > time.Minute {
		t.Errorf("expected way-back sync to advance last_synced, got %v", conn.LastSynced)
	}
	if len(bus.payloads) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(bus.payloads))
	}

	// --- Consumer side ---
	lmRec := &lunchMoneyRecorder{}
	lmServer := newLunchMoneyServer(t, lmRec)
	ledger := lunchmoney.NewClient(httpClient, lmServer.URL, "lm-token", resilience.NewCircuitBreaker("lunchmoney-it"), retry, logger)
	assets := service.NewAssetReconciler(ledger, cache.NewAssetIndex(), metrics, logger)
	if err := assets.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sink := service.NewLedgerSink(assets, service.NewInserter(ledger, metrics, logger), 77, time.UTC, metrics, logger)

	if err := sink.HandleMessage(context.Background(), bus.payloads[0]); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	if len(lmRec.assets) != 1 {
		t.Fatalf("expected 1 asset creation, got %d", len(lmRec.assets))
	}
	created := lmRec.assets[0]
	if created.Name != "Acme Checking" || created.TypeName != "cash" || created.Balance.String() != "1000.25" {
		t.Errorf("unexpected asset %+v", created)
	}

	if len(lmRec.inserts) != 2 {
		t.Fatalf("expected 2 insert calls, got %d", len(lmRec.inserts))
	}
	cleared, pending := lmRec.inserts[0], lmRec.inserts[1]
	if !cleared.SkipDuplicates || cleared.Transactions[0].ExternalID != "abc" || cleared.Transactions[0].AssetID != 42 {
		t.Errorf("unexpected cleared insert %+v", cleared)
	}
	if cleared.Transactions[0].Amount.String() != "-12.5" {
		t.Errorf("unexpected cleared amount %s", cleared.Transactions[0].Amount)
	}
	if pending.SkipDuplicates || pending.ApplyRules || pending.Transactions[0].Payee != "CORNER SHOP - Pending" {
		t.Errorf("unexpected pending insert %+v", pending)
	}

	snap := metrics.Snapshot()
	if snap.MessagesPublished != 1 || snap.AssetsCreated != 1 || snap.TransactionsInserted != 2 {
		t.Errorf("unexpected pipeline metrics %+v", snap)
	}
}
