package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/config"
	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/health"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/pos"
	"github.com/noah-isme/backend-pos/internal/pricing"
	"github.com/noah-isme/backend-pos/internal/promotion"
	"github.com/noah-isme/backend-pos/internal/ratelimit"
	"github.com/noah-isme/backend-pos/internal/search"
	"github.com/noah-isme/backend-pos/internal/session"
	"github.com/noah-isme/backend-pos/internal/store/memory"
	"github.com/noah-isme/backend-pos/internal/store/pgstore"
	"github.com/noah-isme/backend-pos/internal/store/redisstore"
)

// TillStore persists open sessions and held bills.
type TillStore interface {
	session.Store
	draft.Store
}

// Dependencies enumerates the shared services of the API process.
type Dependencies struct {
	Config    *config.Config
	Logger    zerolog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Store     TillStore
	Locker    lock.Guard
	Backend   *backend.Client
	Limiter   ratelimit.Allower
	Validator *validator.Validate
	Till      *pos.Service
	// MeterProvider receives the Redis client metrics.
	MeterProvider metric.MeterProvider
}

// New connects the configured stores and builds the till service.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger, Validator: validator.New(), MeterProvider: otel.GetMeterProvider()}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg, d.MeterProvider, logger)
		if err != nil {
			return nil, err
		}
		d.Redis = rdb
	}
	if cfg.StoreDriver == config.StorePostgres {
		if cfg.DBRunMigrations {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := connectPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		d.DB = pool
	}

	switch cfg.StoreDriver {
	case config.StoreRedis:
		d.Store = redisstore.New(d.Redis, cfg.StateKeyPrefix)
	case config.StorePostgres:
		d.Store = pgstore.New(d.DB)
	default:
		d.Store = memory.New()
	}

	if d.Redis != nil {
		d.Locker = lock.Locker{R: d.Redis, RetryBackoff: cfg.LockRetryBackoff, Prefix: cfg.StateKeyPrefix}
	} else {
		d.Locker = &lock.Local{}
	}

	limiter, err := newLimiter(cfg, d.Redis)
	if err != nil {
		return nil, err
	}
	d.Limiter = limiter

	d.Backend = backend.New(backend.Options{
		BaseURL:             cfg.BackendBaseURL,
		CompanyID:           cfg.BackendCompanyID,
		Timeout:             cfg.BackendTimeout,
		MaxAttempts:         cfg.BackendMaxAttempts,
		BreakerMinRequests:  cfg.BackendBreakerMinRequests,
		BreakerFailureRatio: cfg.BackendBreakerFailureRatio,
		BreakerOpenFor:      cfg.BackendBreakerOpenFor,
		Logger:              logger.With().Str("component", "backend").Logger(),
	})
	if cfg.BackendBaseURL == "" {
		logger.Warn().Msg("BACKEND_BASE_URL not set; catalog, promotions and sale submission will fail")
	}

	table := pricing.DefaultTable()
	if cfg.TaxTablePath != "" {
		table, err = pricing.LoadTable(cfg.TaxTablePath)
		if err != nil {
			return nil, err
		}
	}
	if !slices.Contains(table.Names(), cfg.TaxJurisdiction) {
		logger.Warn().Str("jurisdiction", cfg.TaxJurisdiction).Str("default_rate", table.Default.String()).
			Msg("jurisdiction not in tax table; default rate applies")
	}

	stacking, err := promotion.ParseStacking(cfg.PromotionStacking)
	if err != nil {
		return nil, err
	}

	var searcher catalog.Searcher
	if d.Redis != nil && cfg.CatalogCacheTTL > 0 {
		searcher = catalog.CachedSearcher{
			Next:      d.Backend,
			Cache:     catalog.NewCache(d.Redis, cfg.CatalogCacheTTL, cfg.StateKeyPrefix),
			CompanyID: cfg.BackendCompanyID,
			Logger:    logger,
		}
	}

	d.Till = &pos.Service{
		Backend: d.Backend,
		Catalog: searcher,
		Sessions: &session.Service{
			Store:           d.Store,
			Locker:          d.Locker,
			Submitter:       d.Backend,
			StrictShortfall: cfg.ShiftStrictShortfall,
			LockTTL:         cfg.LockTTL,
			Logger:          logger.With().Str("component", "session").Logger(),
		},
		Drafts:       d.Store,
		Search:       search.NewSequencer(),
		Index:        catalog.NewIndex(),
		TaxTable:     table,
		Jurisdiction: cfg.TaxJurisdiction,
		Currency:     cfg.CurrencyCode,
		Stacking:     stacking,
		Logger:       logger.With().Str("component", "till").Logger(),
	}

	ok = true
	return d, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, mp metric.MeterProvider, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(rdb, redisotel.WithMeterProvider(mp)); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func connectPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "pos-api"

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func newLimiter(cfg *config.Config, rdb *redis.Client) (ratelimit.Allower, error) {
	prefix := cfg.StateKeyPrefix + "rl:"
	switch cfg.RateLimitDriver {
	case "off":
		return nil, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis rate limiter requires REDIS_URL")
		}
		return ratelimit.NewRedis(rdb, prefix)
	case "sliding":
		if rdb == nil {
			return nil, errors.New("sliding rate limiter requires REDIS_URL")
		}
		return ratelimit.Limiter{Client: rdb, Prefix: prefix}, nil
	default:
		return ratelimit.NewMemory(prefix), nil
	}
}

// Handler builds the till HTTP handler with search rate limiting and, when Redis is
// available, Idempotency-Key protection.
func (d *Dependencies) Handler() *pos.Handler {
	h := &pos.Handler{Svc: d.Till, Validator: d.Validator}
	if d.Limiter != nil {
		h.SearchLimit = ratelimit.Handler{
			Limiter: d.Limiter,
			Config: ratelimit.Config{
				Key:    ratelimit.TerminalKey("search:"),
				Window: d.Config.SearchRateWindow,
				Max:    d.Config.SearchRateLimit,
			},
			OnError: func(err error) {
				d.Logger.Warn().Err(err).Msg("search rate limiter")
			},
		}.Middleware
	}
	if d.Redis != nil {
		h.Idempotency = common.Idem{R: d.Redis, Prefix: d.Config.StateKeyPrefix}.Middleware
	}
	return h
}

// Health builds the readiness handler.
func (d *Dependencies) Health() health.Handler {
	h := health.Handler{
		Checker:      d,
		DBTimeout:    d.Config.HealthDBTimeout,
		RedisTimeout: d.Config.HealthRedisTimeout,
	}
	if d.Backend != nil {
		h.Backend = d.Backend.HTTP.Breaker
	}
	return h
}

// PingDB probes PostgreSQL when it backs the store.
func (d *Dependencies) PingDB(ctx context.Context, timeout time.Duration) error {
	if d.DB == nil {
		return health.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DB.Ping(ctx)
}

// PingRedis probes Redis when configured.
func (d *Dependencies) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return health.ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Close releases the pooled connections.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
		d.DB = nil
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			d.Logger.Error().Err(err).Msg("close redis")
		}
		d.Redis = nil
	}
}
