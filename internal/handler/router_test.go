package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/handler"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockConnections struct {
	authURL     string
	returnURL   string
	summaries   []domain.ConnectionSummary
	err         error
	gotName     string
	gotURL      string
	gotCode     string
	gotState    string
	deletedName string
}

func (m *mockConnections) AuthURL(_ context.Context, name, returnURL string) (string, error) {
	m.gotName, m.gotURL = name, returnURL
	return m.authURL, m.err
}

func (m *mockConnections) CompleteAuth(_ context.Context, code, state string) (string, error) {
	m.gotCode, m.gotState = code, state
	return m.returnURL, m.err
}

func (m *mockConnections) List(context.Context) ([]domain.ConnectionSummary, error) {
	return m.summaries, m.err
}

func (m *mockConnections) Delete(_ context.Context, name string) error {
	m.deletedName = name
	return m.err
}

type mockSyncs struct {
	err      error
	byName   string
	since    *time.Time
	allCalls int
}

func (m *mockSyncs) StartByName(_ context.Context, name string, since *time.Time) error {
	m.byName, m.since = name, since
	return m.err
}

func (m *mockSyncs) StartAll(_ context.Context, since *time.Time) {
	m.allCalls++
	m.since = since
}

func newRouter(conns *mockConnections, syncs *mockSyncs, checks ...handler.HealthCheck) http.Handler {
	return handler.NewRouter(conns, syncs, checks, observability.NewMetrics(), []string{"*"}, zap.NewNop())
}

func serve(router http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestHealthz(t *testing.T) {
	ok := handler.HealthCheck{Name: "store", Check: func(context.Context) error { return nil }}
	rec := serve(newRouter(&mockConnections{}, &mockSyncs{}, ok), http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body domain.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || len(body.Services) != 1 || body.Services[0].Name != "store" {
		t.Errorf("unexpected health %+v", body)
	}
}

func TestHealthz_Unhealthy(t *testing.T) {
	down := handler.HealthCheck{Name: "store", Check: func(context.Context) error { return errors.New("down") }}
	rec := serve(newRouter(&mockConnections{}, &mockSyncs{}, down), http.MethodGet, "/healthz")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	rec := serve(newRouter(&mockConnections{}, &mockSyncs{}), http.MethodGet, "/readyz")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	rec := serve(newRouter(&mockConnections{}, &mockSyncs{}), http.MethodGet, "/metrics")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestPipelineMetrics(t *testing.T) {
	rec := serve(newRouter(&mockConnections{}, &mockSyncs{}), http.MethodGet, "/v1/metrics/pipeline")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "messagesPublished") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestAuth(t *testing.T) {
	conns := &mockConnections{authURL: "https://auth.example.com/?state=abc"}
	rec := serve(newRouter(conns, &mockSyncs{}), http.MethodGet, "/auth?name=acme&url=https%3A%2F%2Fapp.example.com%2Fdone")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["authURL"] != conns.authURL {
		t.Errorf("unexpected body %v", body)
	}
	if conns.gotName != "acme" || conns.gotURL != "https://app.example.com/done" {
		t.Errorf("unexpected arguments %q %q", conns.gotName, conns.gotURL)
	}
}

func TestAuth_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", &domain.ErrValidation{Field: "name", Message: "required"}, http.StatusBadRequest},
		{"conflict", &domain.ErrConflict{Message: "exists"}, http.StatusConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newRouter(&mockConnections{err: tt.err}, &mockSyncs{}), http.MethodGet, "/auth?name=acme&url=x")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRedirect(t *testing.T) {
	conns := &mockConnections{returnURL: "https://app.example.com/done"}
	rec := serve(newRouter(conns, &mockSyncs{}), http.MethodGet, "/redirect?code=c1&state=s1")

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://app.example.com/done" {
		t.Errorf("unexpected location %q", loc)
	}
	if conns.gotCode != "c1" || conns.gotState != "s1" {
		t.Errorf("unexpected arguments %q %q", conns.gotCode, conns.gotState)
	}
}

func TestRedirect_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   int
	}{
		{"provider error", "/redirect?error=access_denied", nil, http.StatusBadRequest},
		{"invalid state", "/redirect?code=c&state=s", &domain.ErrInvalidState{Reason: "expired"}, http.StatusBadRequest},
		{"upstream", "/redirect?code=c&state=s", &domain.ErrUpstreamAPI{Service: "truelayer", StatusCode: 400}, http.StatusBadGateway},
		{"circuit open", "/redirect?code=c&state=s", &domain.ErrCircuitOpen{Service: "truelayer"}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newRouter(&mockConnections{err: tt.err}, &mockSyncs{}), http.MethodGet, tt.target)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestRedirect_UpstreamDetailStaysInLogs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"upstream", &domain.ErrUpstreamAPI{Service: "truelayer", Operation: "POST /connect/token", StatusCode: 400, Body: `{"error":"invalid_grant","secret":"abc"}`}, "truelayer request failed"},
		{"external", &domain.ErrExternalService{Service: "truelayer/me", Err: errors.New("dial tcp 10.0.0.1:443: refused")}, "upstream service unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newRouter(&mockConnections{err: tt.err}, &mockSyncs{}), http.MethodGet, "/redirect?code=c&state=s")
			if rec.Code != http.StatusBadGateway {
				t.Fatalf("expected 502, got %d", rec.Code)
			}
			var body map[string]string
			json.NewDecoder(rec.Body).Decode(&body)
			if body["error"] != tt.want {
				t.Errorf("expected %q, got %q", tt.want, body["error"])
			}
		})
	}
}

func TestListConnections(t *testing.T) {
	conns := &mockConnections{summaries: []domain.ConnectionSummary{{
		Name:       "acme",
		LastSynced: 1700000000000,
		ExpiresAt:  1800000000000,
		Provider:   domain.ProviderSummary{Name: "Mock Bank", LogoURL: "https://logo"},
	}}}
	rec := serve(newRouter(conns, &mockSyncs{}), http.MethodGet, "/connections")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0]["name"] != "acme" || body[0]["lastSynced"] != float64(1700000000000) {
		t.Errorf("unexpected body %v", body)
	}
	provider, _ := body[0]["provider"].(map[string]any)
	if provider["logoURL"] != "https://logo" {
		t.Errorf("unexpected provider %v", provider)
	}
}

func TestDeleteConnection(t *testing.T) {
	conns := &mockConnections{}
	rec := serve(newRouter(conns, &mockSyncs{}), http.MethodDelete, "/connections/acme")

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if conns.deletedName != "acme" {
		t.Errorf("expected delete of 'acme', got %q", conns.deletedName)
	}

	conns.err = &domain.ErrNotFound{Resource: "connection", ID: "ghost"}
	if rec := serve(newRouter(conns, &mockSyncs{}), http.MethodDelete, "/connections/ghost"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestSyncAll(t *testing.T) {
	syncs := &mockSyncs{}
	rec := serve(newRouter(&mockConnections{}, syncs), http.MethodPost, "/connections/sync?since=2026-03-01T00:00:00Z")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if syncs.allCalls != 1 {
		t.Errorf("expected 1 call, got %d", syncs.allCalls)
	}
	if syncs.since == nil || !syncs.since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected since %v", syncs.since)
	}
}

func TestSyncAll_BadSince(t *testing.T) {
	syncs := &mockSyncs{}
	rec := serve(newRouter(&mockConnections{}, syncs), http.MethodPost, "/connections/sync?since=yesterday")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if syncs.allCalls != 0 {
		t.Error("sync must not start with a bad since")
	}
}

func TestSyncConnection(t *testing.T) {
	syncs := &mockSyncs{}
	rec := serve(newRouter(&mockConnections{}, syncs), http.MethodPost, "/connections/sync/acme")

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if syncs.byName != "acme" || syncs.since != nil {
		t.Errorf("unexpected arguments %q %v", syncs.byName, syncs.since)
	}
}

func TestSyncConnection_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown", &domain.ErrNotFound{Resource: "connection", ID: "acme"}, http.StatusNotFound},
		{"in flight", &domain.ErrConflict{Message: "running"}, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newRouter(&mockConnections{}, &mockSyncs{err: tt.err}), http.MethodPost, "/connections/sync/acme")
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestOpsRouter(t *testing.T) {
	running := true
	check := handler.HealthCheck{Name: "consumer", Check: func(context.Context) error {
		if !running {
			return errors.New("stopped")
		}
		return nil
	}}
	router := handler.NewOpsRouter([]handler.HealthCheck{check}, observability.NewMetrics(), zap.NewNop())

	if rec := serve(router, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	running = false
	if rec := serve(router, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if rec := serve(router, http.MethodGet, "/connections"); rec.Code != http.StatusNotFound {
		t.Errorf("consumer exposes no connection API, got %d", rec.Code)
	}
}
