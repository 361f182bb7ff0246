package observability

import (
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics of the pipeline. Both services share
// the definitions; each only moves the series it owns.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	syncRuns        *prometheus.CounterVec
	connectionSyncs *prometheus.HistogramVec
	sourceFailures  prometheus.Counter
	publishes       *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	messages        *prometheus.CounterVec
	assetOperations *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerlink_request_duration_seconds",
				Help:    "Duration of operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		syncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_sync_runs_total",
				Help: "Connection sync attempts by trigger and outcome.",
			},
			[]string{"kind", "status"},
		),
		connectionSyncs: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerlink_connection_sync_duration_seconds",
				Help:    "Duration of a single connection sync.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
		sourceFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerlink_source_sync_failures_total",
				Help: "Transaction sources that failed to sync.",
			},
		),
		publishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_messages_published_total",
				Help: "Source messages by publish result.",
			},
			[]string{"result"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_token_refreshes_total",
				Help: "Access token refreshes by result.",
			},
			[]string{"result"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_messages_consumed_total",
				Help: "Consumed messages by outcome.",
			},
			[]string{"status"},
		),
		assetOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_asset_operations_total",
				Help: "Destination asset writes.",
			},
			[]string{"operation"},
		),
		transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_transactions_inserted_total",
				Help: "Transactions submitted to the destination by source status.",
			},
			[]string{"status"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerlink_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// RecordSyncRun counts one connection sync attempt.
func (m *Metrics) RecordSyncRun(kind, status string, d time.Duration) {
	m.syncRuns.WithLabelValues(kind, status).Inc()
	m.connectionSyncs.WithLabelValues(status).Observe(d.Seconds())
}

// IncrSourceFailure counts a source that failed within a connection sync.
func (m *Metrics) IncrSourceFailure() {
	m.sourceFailures.Inc()
}

// IncrPublished counts an emitted source message.
func (m *Metrics) IncrPublished() {
	m.publishes.WithLabelValues("published").Inc()
}

// IncrSuppressed counts a source update that carried no information.
func (m *Metrics) IncrSuppressed() {
	m.publishes.WithLabelValues("suppressed").Inc()
}

// IncrTokenRefresh counts an access token refresh.
func (m *Metrics) IncrTokenRefresh(result string) {
	m.tokenRefreshes.WithLabelValues(result).Inc()
}

// IncrMessage counts a consumed message by outcome.
func (m *Metrics) IncrMessage(status string) {
	m.messages.WithLabelValues(status).Inc()
}

// IncrAssetOperation counts a destination asset write (create, balance).
func (m *Metrics) IncrAssetOperation(operation string) {
	m.assetOperations.WithLabelValues(operation).Inc()
}

// IncrTransactionInserted counts a transaction submitted to the destination.
func (m *Metrics) IncrTransactionInserted(status domain.TransactionStatus) {
	m.transactions.WithLabelValues(string(status)).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// Snapshot returns the pipeline counters for GET /v1/metrics/pipeline.
func (m *Metrics) Snapshot() *domain.PipelineMetrics {
	hits := getCounterValue(m.cacheHits, "asset")
	misses := getCounterValue(m.cacheMisses, "asset")
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.PipelineMetrics{
		SyncRunsSucceeded:    int64(sumCounter(m.syncRuns, "status", "success")),
		SyncRunsFailed:       int64(sumCounter(m.syncRuns, "status", "error")),
		SourceFailures:       int64(counterValue(m.sourceFailures)),
		MessagesPublished:    int64(getCounterValue(m.publishes, "published")),
		MessagesSuppressed:   int64(getCounterValue(m.publishes, "suppressed")),
		TokenRefreshes:       int64(getCounterValue(m.tokenRefreshes, "success")),
		MessagesProcessed:    int64(getCounterValue(m.messages, "processed")),
		MessagesFailed:       int64(getCounterValue(m.messages, "failed")),
		MessagesDeadLettered: int64(getCounterValue(m.messages, "dead_lettered")),
		AssetsCreated:        int64(getCounterValue(m.assetOperations, "create")),
		TransactionsInserted: int64(getCounterValue(m.transactions, string(domain.StatusCleared)) +
			getCounterValue(m.transactions, string(domain.StatusPending))),
		AssetCacheHitRate: hitRate,
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	return counterValue(cv.WithLabelValues(label))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounter adds every series of cv whose label name has the given value.
func sumCounter(cv *prometheus.CounterVec, name, value string) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	total := float64(0)
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil {
			continue
		}
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}
