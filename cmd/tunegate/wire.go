package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/tunegate/internal/api"
	"github.com/felipepmaragno/tunegate/internal/auth"
	"github.com/felipepmaragno/tunegate/internal/cache"
	"github.com/felipepmaragno/tunegate/internal/circuitbreaker"
	"github.com/felipepmaragno/tunegate/internal/config"
	"github.com/felipepmaragno/tunegate/internal/crypto"
	"github.com/felipepmaragno/tunegate/internal/gateway"
	"github.com/felipepmaragno/tunegate/internal/httputil"
	"github.com/felipepmaragno/tunegate/internal/metrics"
	"github.com/felipepmaragno/tunegate/internal/notifications"
	"github.com/felipepmaragno/tunegate/internal/orchestrator"
	"github.com/felipepmaragno/tunegate/internal/provider/bedrock"
	"github.com/felipepmaragno/tunegate/internal/provider/gemini"
	"github.com/felipepmaragno/tunegate/internal/queue"
	"github.com/felipepmaragno/tunegate/internal/quota"
	"github.com/felipepmaragno/tunegate/internal/router"
	"github.com/felipepmaragno/tunegate/internal/secrets"
	"github.com/felipepmaragno/tunegate/internal/store"
)

const (
	jobQueueKey   = "tunegate:jobs"
	alertDedupTTL = 48 * time.Hour
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    store.Store
	redis    *redis.Client
	orch     *orchestrator.Orchestrator
	gateway  *gateway.Gateway
	admins   auth.AdminUserRepository
	checkers []api.HealthChecker
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	db, st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.db, a.store = db, st
	if db != nil {
		a.checkers = append(a.checkers, api.NewPostgresHealthChecker(db))
	} else {
		a.checkers = append(a.checkers, api.CheckFunc{CheckName: "store", Fn: st.Ping})
	}

	if cfg.RedisURL != "" {
		a.redis, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.checkers = append(a.checkers, api.NewRedisHealthChecker(a.redis))
		slog.Info("connected to redis")
	}

	var awsCfg aws.Config
	if cfg.UsesAWS() {
		awsCfg, err = loadAWSConfig(ctx, cfg.AWSRegion)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	apiKey, err := geminiAPIKey(ctx, cfg, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if apiKey == "" {
		slog.Warn("no gemini api key configured, provider calls will be rejected")
	}

	provider := gemini.New(gemini.Config{
		APIKey:            apiKey,
		BaseURL:           cfg.GeminiBaseURL,
		RequestsPerSecond: cfg.GeminiRPS,
		Burst:             int(cfg.GeminiRPS) + 1,
		HTTPClient:        httputil.NewClient(httputil.DefaultConfig().WithTimeout(cfg.InferenceTimeout)),
	})

	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), func(name string, from, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(name, int(to))
		slog.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
	})

	inference := router.New(provider, breakers)
	if cfg.BedrockEnabled {
		inference.Route(bedrock.ModelPrefix, bedrock.New(awsCfg))
		slog.Info("registered inference backend", "backend", "bedrock")
	}
	for _, backend := range inference.Backends() {
		a.checkers = append(a.checkers, api.NewBackendHealthChecker(backend))
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" {
		notifier = notifications.NewSNSNotifier(awsCfg, cfg.SNSTopicARN)
		slog.Info("using sns notifications", "topic", cfg.SNSTopicARN)
	}

	var (
		tracker    quota.Tracker
		dedup      quota.AlertDeduplicator
		modelCache cache.Cache
	)
	if a.redis != nil {
		tracker = quota.NewRedisTracker(a.redis, st, cfg.DailyQuota)
		dedup = quota.NewRedisDeduplicator(a.redis, alertDedupTTL)
		modelCache = cache.NewRedisCache(a.redis)
		slog.Info("using redis quota tracker and model cache")
	} else {
		tracker = quota.NewStoreTracker(st, cfg.DailyQuota)
		modelCache = cache.NewInMemoryCache()
		slog.Info("using store quota tracker and in-memory model cache")
	}

	monitor := quota.NewMonitor(quota.DefaultThresholds(), dedup)
	monitor.OnAlert(quota.LogAlertHandler)
	monitor.OnAlert(notifications.QuotaAlertHandler(notifier))

	jobQueue, err := buildQueue(cfg, a.redis, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(orchestrator.Config{
		Store:             st,
		Provider:          provider,
		Queue:             jobQueue,
		Notifier:          notifier,
		PollInterval:      cfg.PollInterval,
		MaxPollDuration:   cfg.MaxPollDuration,
		MaxPollErrors:     cfg.MaxPollErrors,
		ClaimTTL:          cfg.ClaimTTL,
		WorkerConcurrency: cfg.WorkerConcurrency,
	})

	a.gateway = gateway.New(gateway.Config{
		Store:    st,
		Resolver: auth.NewResolver(st, st),
		Router:   inference,
		Tracker:  tracker,
		Monitor:  monitor,
		Cache:    modelCache,
		CacheTTL: cfg.ModelCacheTTL,
	})

	if cfg.AdminAuthEnabled {
		if db != nil {
			a.admins = auth.NewPostgresAdminUserRepository(db)
		} else {
			a.admins = auth.NewInMemoryAdminUserRepository()
		}
		if err := seedAdmin(ctx, a.admins, cfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) handler() *api.Handler {
	var admin *auth.RBACMiddleware
	if a.admins != nil {
		admin = auth.NewRBACMiddleware(auth.NewAuthenticator(a.admins))
	}

	return api.NewHandler(api.HandlerConfig{
		Jobs:     a.orch,
		JobStore: a.store,
		Gateway:  a.gateway,
		APIKeys:  a.store,
		Admin:    admin,
		Checkers: a.checkers,
		Version:  version,
	})
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise. The returned *sql.DB is nil in memory mode.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return nil, store.NewInMemoryStore(), nil
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	var enc *crypto.Encryptor
	if cfg.EncryptionKey != "" {
		enc, err = crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("encryption key: %w", err)
		}
		slog.Info("training examples encrypted at rest")
	}

	slog.Info("using postgres store")
	return db, store.NewPostgresStore(db, enc), nil
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// geminiAPIKey prefers the Secrets Manager secret over the plain variable.
func geminiAPIKey(ctx context.Context, cfg *config.Config, awsCfg aws.Config) (string, error) {
	if cfg.GeminiAPIKeySecret == "" {
		return cfg.GeminiAPIKey, nil
	}

	key, err := secrets.ResolveAPIKey(ctx, secrets.NewAWSSecretsManager(awsCfg), cfg.GeminiAPIKeySecret)
	if err != nil {
		return "", fmt.Errorf("resolve gemini api key: %w", err)
	}
	slog.Info("gemini api key loaded from secrets manager", "secret", cfg.GeminiAPIKeySecret)
	return key, nil
}

func buildQueue(cfg *config.Config, rdb *redis.Client, awsCfg aws.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		if rdb == nil {
			return nil, errors.New("redis queue requires REDIS_URL")
		}
		slog.Info("using redis job queue", "key", jobQueueKey)
		return queue.NewRedisQueue(rdb, jobQueueKey), nil
	case config.QueueSQS:
		slog.Info("using sqs job queue", "url", cfg.SQSQueueURL)
		return queue.NewSQSQueue(awsCfg, cfg.SQSQueueURL), nil
	default:
		slog.Info("using in-memory job queue")
		return queue.NewInMemoryQueue(1024), nil
	}
}

// seedAdmin creates or refreshes the bootstrap operator when a password is configured.
func seedAdmin(ctx context.Context, repo auth.AdminUserRepository, cfg *config.Config) error {
	if cfg.AdminPassword == "" {
		return nil
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	err = repo.Create(ctx, &auth.AdminUser{
		ID:           uuid.NewString(),
		Username:     cfg.AdminUsername,
		PasswordHash: hash,
		Role:         auth.RoleAdmin,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	slog.Info("admin user ready", "username", cfg.AdminUsername)
	return nil
}
