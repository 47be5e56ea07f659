/**
 * @description
 * Entry point for the settlement-service. Wires configuration, Postgres, Redis,
 * RabbitMQ, the payout gateway client, the settlement orchestrator, the scheduler
 * and the HTTP server, then blocks until a shutdown signal arrives.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9, github.com/bsm/redislock: ledger locks and rate limits.
 * - github.com/joho/godotenv: loads .env files during local development.
 * - pkg/payoutclient, pkg/rabbitmq: gateway and broker clients.
 */
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/husn/settlement-service/internal/api"
	"github.com/husn/settlement-service/internal/app"
	"github.com/husn/settlement-service/internal/config"
	"github.com/husn/settlement-service/internal/store"
	"github.com/husn/settlement-service/pkg/payoutclient"
	"github.com/husn/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using environment variables")
	}

	log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	logger := log.WithField("component", "bootstrap")

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.WithError(err).Fatal("config load failed")
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("INTERNAL_API_KEY is not set; internal routes will refuse every request")
	}
	if cfg.GatewayWebhookSecret == "" {
		logger.Warn("PAYOUT_WEBHOOK_SECRET is not set; gateway webhooks will be rejected")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	logger.Info("database connected")

	repository := store.NewPostgresRepository(dbpool)

	redisClient := connectRedis(cfg.RedisURL, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var locker app.LedgerLocker = app.NewLocalLedgerLocker()
	if redisClient != nil {
		locker = app.NewRedisLedgerLocker(redislock.New(redisClient), cfg.RedisKeyPrefix, cfg.LedgerLockTTL())
	} else {
		logger.Warn("redis unavailable; ledger locks are local to this instance")
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			logger.Info("rabbitmq producer connected")
		} else {
			logger.WithError(err).Warn("rabbitmq producer unavailable; using fallback")
		}
	}
	defer publisher.Close()
	notifier := app.NewAsyncNotifier(publisher, cfg.EventsExchange, cfg.NotifierBufferSize)

	gatewayClient := payoutclient.NewClient(cfg.GatewayBaseURL, cfg.GatewayKeyID, cfg.GatewayKeySecret, cfg.GatewaySourceAccount)

	service := app.NewService(repository, gatewayClient, notifier, locker, app.ServiceConfig{
		CommissionRate:   cfg.CommissionRate,
		Currency:         cfg.Currency,
		PayoutMode:       cfg.PayoutMode,
		WeekStart:        cfg.WeekStart,
		GatewayTimeout:   cfg.GatewayTimeout(),
		PreviewRateLimit: cfg.PreviewRateLimitPerMinute,
	})
	if cfg.GatewayWebhookSecret != "" {
		service.SetWebhookVerifier(payoutclient.NewWebhookVerifier(cfg.GatewayWebhookSecret))
	}
	if redisClient != nil {
		service.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix))
	}

	// Relayed gateway events are unsigned; the consumer re-reads each payout from the gateway.
	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.WithError(err).Warn("rabbitmq consumer unavailable; relying on webhooks and reconcile")
		} else {
			defer consumer.Close()
			statusConsumer := app.NewGatewayStatusConsumer(service)
			bindings := map[string]func([]byte) bool{
				"payout.gateway.processed": statusConsumer.HandleMessage,
				"payout.gateway.failed":    statusConsumer.HandleMessage,
				"payout.gateway.reversed":  statusConsumer.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.GatewayStatusQueue, bindings); err != nil {
				logger.WithError(err).Fatal("gateway status consumer start failed")
			}
		}
	}

	var scheduler *app.Scheduler
	if cfg.SchedulerEnabled {
		scheduler = app.NewScheduler(service, app.SchedulerConfig{
			WeeklyGenerationSchedule: cfg.WeeklyGenerationSchedule,
			ReconcileSchedule:        cfg.ReconcileSchedule,
			ReconcileStaleAfter:      cfg.ReconcileStaleAfter(),
			ReconcileBatchSize:       cfg.ReconcileBatchSize,
		})
		scheduler.Start()
	}

	handler := api.NewHandler(service, api.HandlerConfig{
		ReconcileStaleAfter: cfg.ReconcileStaleAfter(),
		ReconcileBatchSize:  cfg.ReconcileBatchSize,
	})
	router := api.NewRouter(handler, cfg.ClerkJWKSURL, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"component": "http", "port": cfg.ServerPort}).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("component", "http").WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown failed")
	}
	notifier.Close()

	logger.Info("server stopped")
}

func connectRedis(redisURL string, logger *log.Entry) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.WithError(err).Warn("redis url parse failed")
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("redis ping failed")
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
