package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	httpapi "github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/api/http"
	rediscache "github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/cache/redis"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/config"
	eventkafka "github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/event/kafka"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/logging"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/observability"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/repository/postgres"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/service"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/shutdown"
	"github.com/Avhad-Enterprises/anant-enterprises-backend-sub001/internal/worker"
)

// App holds every dependency needed to run and cleanly stop the stock
// service.
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	shutdownMgr *shutdown.Manager
	workers     []func(context.Context) error
	wg          sync.WaitGroup
}

// Build assembles the stock service from configuration.
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	logger, err := logging.New(logging.Config{
		ServiceName: "stock",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("op", op))
	logger.Info("Building stock service", zap.String("config", cfg.LogFields()))

	otelShutdown, err := observability.Init(context.Background(), observability.Config{
		Enabled:               cfg.ObservabilityEnabled,
		OTLPEndpoint:          cfg.OTLPEndpoint,
		SamplingRatio:         cfg.SamplingRatio,
		ServiceName:           "stock",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL connection established")

	readiness := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pool.Ping(ctx) == nil
	}

	store := postgres.NewStore(pool, cfg.LockTimeout)

	policy, err := service.ParseConversionPolicy(cfg.ConversionPolicy)
	if err != nil {
		pool.Close()
		return nil, err
	}
	engine := service.NewEngine(store, logger, policy)

	// The sellable cache is optional: without Redis the validator reads
	// the ledger directly.
	var cache service.SellableCache
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		logger.Info("Connecting to Redis", zap.String("addr", cfg.RedisAddr))
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			pool.Close()
			return nil, err
		}
		cache = rediscache.NewSellableCache(redisClient, cfg.RedisCacheTTL, logger)
	}
	validator := service.NewValidator(store, cache, logger)

	sweeper := worker.NewSweeper(store, engine, logger, cfg.SweepInterval, cfg.SweepBatchSize)
	reconciler := worker.NewReconciler(engine, logger, cfg.ReconcileInterval)

	workers := []func(context.Context) error{sweeper.Start, reconciler.Start}

	var dispatcher *eventkafka.Dispatcher
	if len(cfg.KafkaBrokers) > 0 {
		dispatcher = eventkafka.NewDispatcher(
			logger,
			store,
			cfg.KafkaBrokers,
			cfg.StockEventsTopic,
			cfg.OutboxBatchSize,
			cfg.OutboxInterval,
			cfg.OutboxMaxRetries,
			cfg.OutboxBackoff,
		)
		workers = append(workers, dispatcher.Start)
	} else {
		logger.Warn("Kafka brokers not configured, stock events stay in the outbox")
	}

	handler := httpapi.NewHandler(engine, validator, reconciler.RunOnce, cfg.DefaultTTL, logger)
	router := httpapi.NewRouter(handler, readiness, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownMgr := shutdown.New(cfg.ShutdownTimeout, logger)
	shutdownMgr.Add("observability", otelShutdown)
	shutdownMgr.Add("postgres_pool", shutdown.Pool(pool))
	if redisClient != nil {
		shutdownMgr.Add("redis_client", shutdown.Closer(redisClient))
	}
	if dispatcher != nil {
		shutdownMgr.Add("kafka_writer", shutdown.Closer(dispatcher))
	}
	shutdownMgr.Add("http_server", shutdown.HTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		shutdownMgr: shutdownMgr,
		workers:     workers,
	}, nil
}

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal arrives.
func (a *App) Run() error {
	defer logging.Sync(a.logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())

	a.logger.Info("Starting stock service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	for _, start := range a.workers {
		start := start
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := start(workerCtx); err != nil && err != context.Canceled {
				a.logger.Error("background worker stopped", zap.Error(err))
			}
		}()
	}

	a.shutdownMgr.Wait()
	stopWorkers()

	a.wg.Wait()
	a.logger.Info("Stock service stopped")
	return nil
}
