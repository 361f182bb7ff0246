package handler

import (
	"net/http"

	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"

	"go.uber.org/zap"
)

// NewOpsRouter creates the operational surface of the Lunch Money service.
// The service has no public API; it only exposes health and metrics.
func NewOpsRouter(checks []HealthCheck, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := newBaseRouter(metrics, logger)
	mountOps(r, checks, metrics)
	return r
}
