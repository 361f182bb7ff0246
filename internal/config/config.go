package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	sandboxAuthOrigin    = "https://auth.truelayer-sandbox.com"
	sandboxAPIOrigin     = "https://api.truelayer-sandbox.com"
	productionAuthOrigin = "https://auth.truelayer.com"
	productionAPIOrigin  = "https://api.truelayer.com"
)

// productionProviders is the provider filter sent on the consent screen
// when the sandbox is not in use.
var productionProviders = []string{
	"uk-ob-all", "uk-oauth-all", "at-ob-all", "be-ob-all", "be-xs2a-all",
	"fi-ob-all", "fr-ob-all", "fr-stet-all", "de-ob-all", "de-xs2a-all",
	"ie-ob-all", "it-ob-all", "lt-ob-all", "lt-xs2a-all", "nl-ob-all",
	"nl-xs2a-all", "pl-ob-all", "pl-polishapi-all", "pt-ob-all", "es-ob-all",
	"es-xs2a-all", "se-ob-all",
}

// Config holds the configuration of both services.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port         int
	ConsumerPort int
	LogLevel     string
	CORSOrigins  []string

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// TrueLayer
	TrueLayer TrueLayerConfig

	// Connection store
	StoreBackend  string // mongo | postgres
	MongoURL      string
	MongoUsername string
	MongoPassword string
	MongoDatabase string
	PostgresURL   string

	// Kafka
	KafkaBrokers         []string
	TransactionsTopic    string
	DeadLetterTopic      string
	ConsumerGroupID      string
	ConsumerMaxAttempts  int
	ConsumerRetryBackoff time.Duration

	// Sync schedule
	SyncInterval  time.Duration
	SyncOnStartup bool
	BackfillTimes []string
	BackfillDays  int

	// Lunch Money
	LunchMoney LunchMoneyConfig
}

// TrueLayerConfig groups the provider settings.
type TrueLayerConfig struct {
	AuthOrigin            string
	APIOrigin             string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	Providers             string
	StateSecret           string
	StateTTL              time.Duration
	TokenEncryptionSecret string
	TokenEncryptionSalt   string
	RefreshTokenLifetime  time.Duration
	UseSandbox            bool
}

// LunchMoneyConfig groups the destination ledger settings.
type LunchMoneyConfig struct {
	AccessToken         string
	APIOrigin           string
	Timezone            string
	PendingCategoryName string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	sandbox := getEnvBool("TRUELAYER_USE_SANDBOX", false)

	authOrigin, apiOrigin := productionAuthOrigin, productionAPIOrigin
	providers := strings.Join(productionProviders, " ")
	if sandbox {
		authOrigin, apiOrigin = sandboxAuthOrigin, sandboxAPIOrigin
		providers = "uk-cs-mock"
	}

	return &Config{
		Port:         getEnvInt("PORT", 8080),
		ConsumerPort: getEnvInt("CONSUMER_PORT", 8081),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 200*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 8),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		TrueLayer: TrueLayerConfig{
			AuthOrigin:            getEnv("TRUELAYER_AUTH_ORIGIN", authOrigin),
			APIOrigin:             getEnv("TRUELAYER_API_ORIGIN", apiOrigin),
			ClientID:              getEnv("TRUELAYER_CLIENT_ID", ""),
			ClientSecret:          getEnv("TRUELAYER_CLIENT_SECRET", ""),
			RedirectURI:           getEnv("TRUELAYER_REDIRECT_URI", ""),
			Providers:             getEnv("TRUELAYER_PROVIDERS", providers),
			StateSecret:           getEnv("TRUELAYER_STATE_SECRET", ""),
			StateTTL:              getEnvDuration("TRUELAYER_STATE_TTL", 10*time.Minute),
			TokenEncryptionSecret: getEnv("TRUELAYER_TOKEN_ENCRYPTION_SECRET", ""),
			TokenEncryptionSalt:   getEnv("TRUELAYER_TOKEN_ENCRYPTION_SALT", ""),
			RefreshTokenLifetime:  getEnvDuration("TRUELAYER_REFRESH_TOKEN_LIFETIME", 90*24*time.Hour),
			UseSandbox:            sandbox,
		},

		StoreBackend:  getEnv("STORE_BACKEND", "mongo"),
		MongoURL:      getEnv("MONGO_URL", "mongodb://mongo:27017/connections"),
		MongoUsername: getEnv("MONGO_USERNAME", "user"),
		MongoPassword: getEnv("MONGO_PASSWORD", "pass"),
		MongoDatabase: getEnv("MONGO_DATABASE", "connections"),
		PostgresURL:   getEnv("POSTGRES_URL", ""),

		KafkaBrokers:         getEnvList("KAFKA_BROKERS", []string{"kafka:9092"}),
		TransactionsTopic:    getEnv("KAFKA_TRANSACTIONS_TOPIC", "transactions"),
		DeadLetterTopic:      getEnv("KAFKA_DEAD_LETTER_TOPIC", "transactions.dlq"),
		ConsumerGroupID:      getEnv("KAFKA_GROUP_ID", "main"),
		ConsumerMaxAttempts:  getEnvInt("CONSUMER_MAX_ATTEMPTS", 5),
		ConsumerRetryBackoff: getEnvDuration("CONSUMER_RETRY_BACKOFF", time.Second),

		SyncInterval:  getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		SyncOnStartup: getEnvBool("SYNC_ON_STARTUP", true),
		BackfillTimes: getEnvList("BACKFILL_TIMES", []string{"03:00"}),
		BackfillDays:  getEnvInt("BACKFILL_DAYS", 30),

		LunchMoney: LunchMoneyConfig{
			AccessToken:         getEnv("LUNCH_MONEY_ACCESS_TOKEN", ""),
			APIOrigin:           getEnv("LUNCH_MONEY_API_ORIGIN", "https://dev.lunchmoney.app"),
			Timezone:            getEnv("LUNCH_MONEY_TIMEZONE", ""),
			PendingCategoryName: getEnv("PENDING_CATEGORY_NAME", "Pending"),
		},
	}
}

// ValidateProducer checks the settings the TrueLayer service cannot start without.
func (c *Config) ValidateProducer() error {
	required := []struct{ key, value string }{
		{"TRUELAYER_CLIENT_ID", c.TrueLayer.ClientID},
		{"TRUELAYER_CLIENT_SECRET", c.TrueLayer.ClientSecret},
		{"TRUELAYER_REDIRECT_URI", c.TrueLayer.RedirectURI},
		{"TRUELAYER_STATE_SECRET", c.TrueLayer.StateSecret},
		{"TRUELAYER_TOKEN_ENCRYPTION_SECRET", c.TrueLayer.TokenEncryptionSecret},
		{"TRUELAYER_TOKEN_ENCRYPTION_SALT", c.TrueLayer.TokenEncryptionSalt},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s environment variable not specified", r.key)
		}
	}
	switch c.StoreBackend {
	case "mongo":
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL environment variable not specified")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

// ValidateConsumer checks the settings the Lunch Money service cannot start without.
func (c *Config) ValidateConsumer() error {
	if c.LunchMoney.AccessToken == "" {
		return fmt.Errorf("LUNCH_MONEY_ACCESS_TOKEN environment variable not specified")
	}
	if c.ConsumerMaxAttempts < 1 {
		return fmt.Errorf("CONSUMER_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// Location resolves the destination ledger timezone.
func (c LunchMoneyConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
