package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/crestline-ai/usage-console/internal/cache"
	"github.com/crestline-ai/usage-console/internal/config"
	"github.com/crestline-ai/usage-console/internal/database"
	"github.com/crestline-ai/usage-console/internal/httpserver"
	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/observability"
	"github.com/crestline-ai/usage-console/internal/redisclient"
	"github.com/crestline-ai/usage-console/internal/services/quota"
	"github.com/crestline-ai/usage-console/internal/services/usage"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
	}))
	slog.SetDefault(logger)

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	var redisClient *redis.Client
	var dailyCache *cache.DailyUsage
	loc := cfg.Location()
	if cfg.Cache.Enabled {
		redisClient = redisclient.New(cfg.Redis)
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
		dailyCache = cache.NewDailyUsage(redisClient, loc)
	} else {
		logger.Warn("daily usage cache disabled, every request hits upstream")
	}

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	if obs != nil {
		defer obs.Shutdown(ctx)
	}

	engine := usage.New(usage.Params{
		Pool:         dbPool,
		Cache:        dailyCache,
		Fetcher:      upstream.NewClient(cfg.Upstream, logger),
		Identities:   identity.NewStore(dbPool, logger),
		Metrics:      obs,
		Logger:       logger,
		Location:     loc,
		MaxRangeDays: cfg.Reporting.MaxRangeDays,
	})

	sinks := []quota.HookSink{quota.NewLogHookSink(logger)}
	for _, url := range cfg.Quota.Webhooks {
		sinks = append(sinks, quota.NewWebhookSink(url, cfg.Quota.Webhook.MaxRetries, logger))
	}
	quotaService := quota.NewService(quota.Params{
		Source:      quota.NewPGSubscriptionSource(dbPool),
		Pool:        dbPool,
		Sinks:       sinks,
		Thresholds:  cfg.Quota.WarningThresholds,
		DedupWindow: cfg.Quota.DedupWindow,
		Logger:      logger,
	})

	if dailyCache != nil {
		startCacheJanitor(ctx, engine, cfg.Cache, logger)
	}

	server, err := httpserver.New(httpserver.Deps{
		Config:        cfg,
		Usage:         engine,
		Quota:         quotaService,
		Observability: obs,
		Pool:          dbPool,
		Redis:         redisClient,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	logger.Info("usage console listening", slog.String("addr", cfg.Server.ListenAddr))
	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}

func startCacheJanitor(ctx context.Context, engine *usage.Engine, cfg config.CacheConfig, logger *slog.Logger) {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		run := func() {
			removed := engine.CleanupCache(ctx, cfg.RetentionDays)
			if removed > 0 {
				logger.Info("cache janitor pass complete", slog.Int("removed", removed))
			}
		}
		run()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
