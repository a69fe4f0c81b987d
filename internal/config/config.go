package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CORSAllowedOrigins []string

	StoreDriver      string
	DatabaseURL      string
	DBRunMigrations  bool
	RedisURL         string
	StateKeyPrefix   string
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	BackendBaseURL             string
	BackendCompanyID           string
	BackendTimeout             time.Duration
	BackendMaxAttempts         int
	BackendBreakerMinRequests  int
	BackendBreakerFailureRatio float64
	BackendBreakerOpenFor      time.Duration

	TaxTablePath         string
	TaxJurisdiction      string
	CurrencyCode         string
	PromotionStacking    string
	ShiftStrictShortfall bool
	CatalogCacheTTL      time.Duration

	SearchRateLimit  int
	SearchRateWindow time.Duration
	RateLimitDriver  string

	LogFormat            string
	LogLevel             string
	MetricsNamespace     string
	MetricsEnabled       bool
	MetricsBuckets       string
	TracingEnabled       bool
	TracingSamplingRatio float64
	TracingExporter      string
	OTLPEndpoint         string
	HealthDBTimeout      time.Duration
	HealthRedisTimeout   time.Duration
	ShutdownTimeout      time.Duration

	MaxBodyBytes       int64
	SecureHeaders      bool
	SecureHSTS         bool
	PprofEnabled       bool
	PprofBasicAuthUser string
	PprofBasicAuthPass string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		StoreDriver:      strings.ToLower(valueOrDefault(k.String("STORE_DRIVER"), StoreMemory)),
		DatabaseURL:      strings.TrimSpace(k.String("DATABASE_URL")),
		DBRunMigrations:  parseBoolDefault(k.String("DB_RUN_MIGRATIONS"), true),
		RedisURL:         strings.TrimSpace(k.String("REDIS_URL")),
		StateKeyPrefix:   valueOrDefault(k.String("STATE_KEY_PREFIX"), "pos:"),
		LockTTL:          parseDuration(k.String("LOCK_TTL"), "10s"),
		LockRetryBackoff: parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),

		BackendBaseURL:             strings.TrimSpace(k.String("BACKEND_BASE_URL")),
		BackendCompanyID:           strings.TrimSpace(k.String("BACKEND_COMPANY_ID")),
		BackendTimeout:             parseDuration(k.String("BACKEND_TIMEOUT"), "10s"),
		BackendMaxAttempts:         parseInt(k.String("BACKEND_MAX_ATTEMPTS"), 1),
		BackendBreakerMinRequests:  parseInt(k.String("BACKEND_BREAKER_MIN_REQUESTS"), 5),
		BackendBreakerFailureRatio: parseFloat(k.String("BACKEND_BREAKER_FAILURE_RATIO"), 0.5),
		BackendBreakerOpenFor:      parseDuration(k.String("BACKEND_BREAKER_OPEN_FOR"), "30s"),

		TaxTablePath:         strings.TrimSpace(k.String("TAX_TABLE_PATH")),
		TaxJurisdiction:      strings.ToUpper(valueOrDefault(k.String("TAX_JURISDICTION"), "IN")),
		CurrencyCode:         strings.ToUpper(valueOrDefault(k.String("CURRENCY_CODE"), "INR")),
		PromotionStacking:    strings.ToLower(valueOrDefault(k.String("PROMOTION_STACKING"), "stack")),
		ShiftStrictShortfall: parseBool(k.String("SHIFT_STRICT_SHORTFALL")),
		CatalogCacheTTL:      parseDuration(k.String("CATALOG_CACHE_TTL"), "60s"),

		SearchRateLimit:  parseInt(k.String("SEARCH_RATE_LIMIT"), 20),
		SearchRateWindow: parseDuration(k.String("SEARCH_RATE_WINDOW"), "1s"),
		RateLimitDriver:  strings.ToLower(valueOrDefault(k.String("RATE_LIMIT_DRIVER"), "memory")),

		LogFormat:            valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
		LogLevel:             valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		MetricsNamespace:     valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "pos"),
		MetricsEnabled:       parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
		MetricsBuckets:       strings.TrimSpace(k.String("OBS_METRICS_BUCKETS_MS")),
		TracingEnabled:       parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
		TracingSamplingRatio: parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		TracingExporter:      valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
		OTLPEndpoint:         strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		HealthDBTimeout:      parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisTimeout:   parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),
		ShutdownTimeout:      parseDuration(k.String("SHUTDOWN_TIMEOUT"), "10s"),

		MaxBodyBytes:       int64(parseInt(k.String("HTTP_MAX_BODY_BYTES"), 1<<20)),
		SecureHeaders:      parseBoolDefault(k.String("SECURE_HEADERS"), true),
		SecureHSTS:         parseBool(k.String("SECURE_HSTS")),
		PprofEnabled:       parseBool(k.String("OBS_ENABLE_PPROF")),
		PprofBasicAuthUser: strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
		PprofBasicAuthPass: strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
	}

	if cfg.BackendMaxAttempts < 1 {
		cfg.BackendMaxAttempts = 1
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisURL == "" {
			return nil, errors.New("REDIS_URL is required when STORE_DRIVER=redis")
		}
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be one of memory, redis, postgres (got %q)", cfg.StoreDriver)
	}
	switch cfg.RateLimitDriver {
	case "memory", "off":
	case "redis", "sliding":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required when RATE_LIMIT_DRIVER=%s", cfg.RateLimitDriver)
		}
	default:
		return nil, fmt.Errorf("RATE_LIMIT_DRIVER must be one of memory, redis, sliding, off (got %q)", cfg.RateLimitDriver)
	}
	if cfg.PromotionStacking != "stack" && cfg.PromotionStacking != "consume" {
		return nil, fmt.Errorf("PROMOTION_STACKING must be stack or consume (got %q)", cfg.PromotionStacking)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
