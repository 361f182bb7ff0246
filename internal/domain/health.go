package domain

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// PipelineMetrics is returned by GET /v1/metrics/pipeline.
type PipelineMetrics struct {
	SyncRunsSucceeded    int64   `json:"syncRunsSucceeded"`
	SyncRunsFailed       int64   `json:"syncRunsFailed"`
	SourceFailures       int64   `json:"sourceFailures"`
	MessagesPublished    int64   `json:"messagesPublished"`
	MessagesSuppressed   int64   `json:"messagesSuppressed"`
	TokenRefreshes       int64   `json:"tokenRefreshes"`
	MessagesProcessed    int64   `json:"messagesProcessed"`
	MessagesFailed       int64   `json:"messagesFailed"`
	MessagesDeadLettered int64   `json:"messagesDeadLettered"`
	AssetsCreated        int64   `json:"assetsCreated"`
	TransactionsInserted int64   `json:"transactionsInserted"`
	AssetCacheHitRate    float64 `json:"assetCacheHitRate"`
}
