/**
 * @description
 * Main entry point for the bridge-service. It loads configuration, connects the
 * ledger store, Redis and RabbitMQ, builds the bank and ledger gateways, the
 * directory and the transfer orchestrator, then serves the HTTP API alongside
 * the outbox dispatcher and the recovery scheduler.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgxpool: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Shared rate limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Service packages.
 * - pkg/bankclient, pkg/ledgerclient, pkg/rabbitmq, pkg/middleware.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/bridge-service/internal/api"
	"github.com/transfa/bridge-service/internal/app"
	"github.com/transfa/bridge-service/internal/config"
	"github.com/transfa/bridge-service/internal/logging"
	"github.com/transfa/bridge-service/internal/store"
	"github.com/transfa/bridge-service/pkg/bankclient"
	"github.com/transfa/bridge-service/pkg/ledgerclient"
	"github.com/transfa/bridge-service/pkg/middleware"
	"github.com/transfa/bridge-service/pkg/rabbitmq"
)

func main() {
	issueOperator := flag.String("issue-operator-token", "", "print an operator token for the given subject and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using process environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	tokens := middleware.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL())
	if subject := strings.TrimSpace(*issueOperator); subject != "" {
		token, expiresAt, err := tokens.IssueOperator(subject)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"operator token issue failed\" err=%v", err)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	logger.Info("starting bridge-service", "port", cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepo := openRepository(ctx, cfg, logger)
	defer closeRepo()

	limiter, closeLimiter := openRateLimiter(ctx, cfg, logger)
	defer closeLimiter()

	bank := bankclient.NewClient(cfg.BankAPIBaseURL, cfg.BankAPIKey, cfg.RemoteTimeout(), logger)
	ledger := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey, cfg.LedgerNetwork, cfg.RemoteTimeout(), logger)

	retry := app.RetryPolicy{
		BaseDelay:   cfg.RetryBaseDelay(),
		MaxDelay:    cfg.RetryMaxDelay(),
		MaxAttempts: cfg.RetryMaxAttempts,
	}
	metrics := app.NewMetrics()

	directory := app.NewDirectory(repo, bank, ledger, tokens, retry, logger)
	orchestrator := app.NewOrchestrator(repo, directory, bank, ledger, app.OrchestratorConfig{
		MinAmount:  cfg.TransferMinAmount,
		MaxAmount:  cfg.TransferMaxAmount,
		Retry:      retry,
		StaleAfter: cfg.RecoveryStaleAfter(),
	}, metrics, logger)

	dispatcher := app.NewOutboxDispatcher(repo, publisherFactory(cfg, logger), cfg.OutboxPollInterval(), logger)
	go dispatcher.Run(ctx)

	jobs := app.NewJobs(orchestrator, metrics, logger, 0)
	scheduler := app.NewScheduler(jobs, logger, app.SchedulerConfig{
		RecoverySchedule:    cfg.RecoverySchedule,
		LimboReportSchedule: cfg.LimboReportSchedule,
	})
	if scheduled := scheduler.Start(); scheduled == 0 {
		logger.Warn("no background jobs scheduled; stale transfers will only resume on operator request")
	}

	handler := api.NewHandler(directory, orchestrator, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Tokens:         tokens,
		TransferLimit:  limiter,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        metrics,
		Health:         repo,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down bridge-service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	<-scheduler.Stop().Done()
	logger.Info("bridge-service stopped")
}

// openRepository connects PostgreSQL and applies migrations. Without a
// DATABASE_URL the service runs on the in-memory store.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Repository, func()) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; using in-memory ledger store, data will not survive a restart")
		return store.NewMemoryRepository(cfg.EventsExchange), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database ping failed\" err=%v", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
	}
	logger.Info("database connected")
	return store.NewPostgresRepository(pool, cfg.EventsExchange), pool.Close
}

// openRateLimiter prefers the shared Redis limiter and falls back to a
// per-instance one. A zero limit disables rate limiting.
func openRateLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (middleware.Limiter, func()) {
	if cfg.TransferRateLimitPerMinute <= 0 {
		logger.Info("transfer rate limiting disabled")
		return nil, func() {}
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("REDIS_URL not set; transfer rate limiting is per instance")
		return middleware.NewLocalRateLimiter(cfg.TransferRateLimitPerMinute), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; transfer rate limiting is per instance", "err", err)
		return middleware.NewLocalRateLimiter(cfg.TransferRateLimitPerMinute), func() {}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; transfer rate limiting is per instance", "err", err)
		_ = client.Close()
		return middleware.NewLocalRateLimiter(cfg.TransferRateLimitPerMinute), func() {}
	}
	logger.Info("redis connected")
	limiter := middleware.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix, cfg.TransferRateLimitPerMinute, time.Minute)
	return limiter, func() { _ = client.Close() }
}

// publisherFactory returns the dispatcher's connector. Without RABBITMQ_URL
// events are logged instead of published.
func publisherFactory(cfg config.Config, logger *slog.Logger) app.PublisherFactory {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; transfer events will be logged only")
		fallback := &rabbitmq.EventProducerFallback{Logger: logger}
		return func() (rabbitmq.Publisher, error) { return fallback, nil }
	}
	return func() (rabbitmq.Publisher, error) {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			return nil, err
		}
		return producer, nil
	}
}
