package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/fetcher"
	"github.com/cpstats-sync/internal/handler"
	"github.com/cpstats-sync/internal/history"
	"github.com/cpstats-sync/internal/kafka"
	"github.com/cpstats-sync/internal/memstore"
	"github.com/cpstats-sync/internal/postgres"
	"github.com/cpstats-sync/internal/redis"
	"github.com/cpstats-sync/internal/service"
	"github.com/cpstats-sync/internal/worker"
)

// localCacheSize bounds the in-process ranking cache: one overall ranking per
// metric plus one per platform and metric.
const localCacheSize = 64

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	configErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", configErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks []handler.ReadinessCheck

	// Initialize storage
	var store domain.Store
	switch cfg.Store.Driver {
	case "memory":
		mem := memstore.New()
		for _, u := range cfg.Store.Users {
			mem.PutUser(domain.User{ID: u.ID, Username: u.Username, IsPublic: u.Public, CreatedAt: time.Now().UTC()})
		}
		store = mem
		logger.Info("using in-memory store", "seed_users", len(cfg.Store.Users))
	default:
		logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		postgresRepo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer postgresRepo.Close()
		logger.Info("connected to PostgreSQL")

		// Run database migrations
		if err := postgresRepo.RunMigrations(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		store = postgresRepo
		checks = append(checks, handler.ReadinessCheck{Name: "postgres", Check: postgresRepo.Ping})
	}

	// Initialize fetchers
	registry := fetcher.NewRegistry()
	httpClient := &http.Client{Timeout: cfg.Sync.FetchTimeout}
	for name, endpoint := range cfg.Fetchers.Endpoints {
		platform, err := domain.ParsePlatform(name)
		if err != nil {
			logger.Warn("ignoring fetcher for unknown platform", "platform", name)
			continue
		}
		registry.Register(platform, fetcher.NewHTTPFetcher(endpoint, cfg.Fetchers.UserAgent, httpClient))
	}
	logger.Info("fetchers registered", "platforms", registry.Platforms())
	var platformFetcher domain.Fetcher = fetcher.WithTimeout(registry, cfg.Sync.FetchTimeout)

	// Initialize Redis coordination, rate limits and ranking cache
	var (
		rankingCache interface {
			service.RankingCache
			service.Invalidator
		}
		workerOpts []worker.Option
	)
	if cfg.Redis.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		redisClient, err := redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("connected to Redis")

		limits := make(map[domain.Platform]redis.Limit, len(cfg.Redis.RateLimits))
		for name, l := range cfg.Redis.RateLimits {
			platform, err := domain.ParsePlatform(strings.ToLower(name))
			if err != nil {
				logger.Warn("ignoring rate limit for unknown platform", "platform", name)
				continue
			}
			limits[platform] = redis.Limit{Requests: l.Requests, Window: l.Window}
		}
		platformFetcher = redis.NewRateLimitedFetcher(redisClient, platformFetcher, limits)
		rankingCache = redis.NewRankingCache(redisClient, cfg.Redis.CacheTTL)
		workerOpts = append(workerOpts, worker.WithCoordinator(
			redis.NewCoordinator(redisClient, cfg.Redis.CycleLockTTL, cfg.Redis.LeaseTTL),
		))
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: redisClient.Ping})
	} else {
		rankingCache = service.NewLocalRankingCache(localCacheSize, cfg.Redis.CacheTTL)
	}
	workerOpts = append(workerOpts, worker.WithInvalidator(rankingCache))

	// Initialize services
	scoreService := service.NewScoreService(store, logger)
	accountService := service.NewAccountService(store, scoreService, rankingCache, logger)
	leaderboardService := service.NewLeaderboardService(store, rankingCache, &cfg.Leaderboard, logger)
	recorder := history.NewRecorder(store, cfg.History.RetentionDays, logger)

	// Initialize sync worker
	syncWorker := worker.NewSyncWorker(
		store,
		platformFetcher,
		scoreService,
		recorder,
		&cfg.Sync,
		&cfg.History,
		logger,
		workerOpts...,
	)
	if err := syncWorker.Start(ctx); err != nil {
		logger.Error("failed to start sync worker", "error", err)
		os.Exit(1)
	}

	// Initialize Kafka consumer for sync requests
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, syncWorker, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(handler.Services{
		Users:        store,
		Accounts:     accountService,
		Scores:       scoreService,
		Leaderboards: leaderboardService,
		History:      recorder,
		Sync:         syncWorker,
	}, logger, checks...)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Cancel in-flight cycles at the next batch boundary, then stop the scheduler
	cancel()
	if err := syncWorker.Stop(); err != nil {
		logger.Error("failed to stop sync worker", "error", err)
	}

	logger.Info("server stopped")
}
