package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// ConnectionManager is the connection lifecycle behind the producer API.
type ConnectionManager interface {
	AuthURL(ctx context.Context, name, returnURL string) (string, error)
	CompleteAuth(ctx context.Context, code, state string) (string, error)
	List(ctx context.Context) ([]domain.ConnectionSummary, error)
	Delete(ctx context.Context, name string) error
}

// SyncTrigger starts on-demand syncs in the background.
type SyncTrigger interface {
	StartByName(ctx context.Context, name string, since *time.Time) error
	StartAll(ctx context.Context, since *time.Time)
}

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter creates the HTTP router of the TrueLayer service.
func NewRouter(conns ConnectionManager, syncs SyncTrigger, checks []HealthCheck, metrics *observability.Metrics, corsOrigins []string, logger *zap.Logger) http.Handler {
	r := newBaseRouter(metrics, logger)
	r.Use(CORSMiddleware(corsOrigins))

	mountOps(r, checks, metrics)

	// =============================================
	// Connection consent
	// GET /auth?name=&url=
	// GET /redirect?code=&state=
	// =============================================
	r.Get("/auth", authURLHandler(conns, logger))
	r.Get("/redirect", redirectHandler(conns, logger))

	// =============================================
	// Connections
	// =============================================
	r.Route("/connections", func(r chi.Router) {
		r.Get("/", listConnectionsHandler(conns, logger))
		r.Delete("/{name}", deleteConnectionHandler(conns, logger))
		r.Post("/sync", syncAllHandler(syncs, logger))
		r.Post("/sync/{name}", syncConnectionHandler(syncs, logger))
	})

	return r
}

func newBaseRouter(metrics *observability.Metrics, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(RequestMetricsMiddleware(metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	return r
}

func mountOps(r chi.Router, checks []HealthCheck, metrics *observability.Metrics) {
	r.Get("/healthz", healthzHandler(checks))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/v1/metrics/pipeline", pipelineMetricsHandler(metrics))
}

// ============================================================
// Consent
// ============================================================

func authURLHandler(conns ConnectionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /auth")
		defer span.End()

		name := r.URL.Query().Get("name")
		span.SetAttributes(attribute.String("connection.name", name))

		authURL, err := conns.AuthURL(ctx, name, r.URL.Query().Get("url"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"authURL": authURL})
	}
}

func redirectHandler(conns ConnectionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /redirect")
		defer span.End()

		q := r.URL.Query()
		if providerErr := q.Get("error"); providerErr != "" {
			logger.Warn("consent rejected by provider", zap.String("error", providerErr))
			writeError(w, http.StatusBadRequest, "authorization failed: "+providerErr)
			return
		}

		returnURL, err := conns.CompleteAuth(ctx, q.Get("code"), q.Get("state"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		http.Redirect(w, r, returnURL, http.StatusFound)
	}
}

// ============================================================
// Connections
// ============================================================

func listConnectionsHandler(conns ConnectionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /connections")
		defer span.End()

		summaries, err := conns.List(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.Int("connections.count", len(summaries)))
		writeJSON(w, http.StatusOK, summaries)
	}
}

func deleteConnectionHandler(conns ConnectionManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /connections/{name}")
		defer span.End()

		name := chi.URLParam(r, "name")
		span.SetAttributes(attribute.String("connection.name", name))

		if err := conns.Delete(ctx, name); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func syncAllHandler(syncs SyncTrigger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /connections/sync")
		defer span.End()

		since, err := parseSince(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		syncs.StartAll(ctx, since)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func syncConnectionHandler(syncs SyncTrigger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /connections/sync/{name}")
		defer span.End()

		name := chi.URLParam(r, "name")
		span.SetAttributes(attribute.String("connection.name", name))

		since, err := parseSince(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		if err := syncs.StartByName(ctx, name, since); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "connection": name})
	}
}

// ============================================================
// Operational endpoints
// ============================================================

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		now := time.Now().Format(time.RFC3339)
		overall := "healthy"
		services := make([]domain.ServiceHealth, 0, len(checks))
		for _, c := range checks {
			start := time.Now()
			status := "healthy"
			if err := c.Check(ctx); err != nil {
				status = "unhealthy"
				overall = "unhealthy"
			}
			services = append(services, domain.ServiceHealth{
				Name:        c.Name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		code := http.StatusOK
		if overall != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pipelineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
