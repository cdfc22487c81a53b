// Command backfill prewarms the daily usage cache for a date range so the
// first dashboard load after a deploy does not fan out to upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/crestline-ai/usage-console/internal/cache"
	"github.com/crestline-ai/usage-console/internal/config"
	"github.com/crestline-ai/usage-console/internal/database"
	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/redisclient"
	"github.com/crestline-ai/usage-console/internal/services/usage"
	"github.com/crestline-ai/usage-console/internal/timeutil"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

func main() {
	var (
		startDate   = flag.String("start", "", "first date to backfill (YYYY-MM-DD)")
		endDate     = flag.String("end", "", "last date to backfill (YYYY-MM-DD, default yesterday)")
		concurrency = flag.Int("concurrency", 4, "parallel upstream fetches")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo, TimeFormat: time.RFC3339}))
	slog.SetDefault(logger)

	loc := cfg.Location()
	if *endDate == "" {
		yesterday, err := timeutil.ParseDateKey(timeutil.Today(loc))
		if err != nil {
			log.Fatalf("derive default end date: %v", err)
		}
		*endDate = timeutil.FormatDateKey(yesterday.AddDate(0, 0, -1))
	}
	if *startDate == "" {
		log.Fatal("-start is required")
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	if !cfg.Cache.Enabled {
		log.Fatal("cache is disabled, nothing to backfill")
	}
	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	engine := usage.New(usage.Params{
		Pool:             dbPool,
		Cache:            cache.NewDailyUsage(redisClient, loc),
		Fetcher:          upstream.NewClient(cfg.Upstream, logger),
		Identities:       identity.NewStore(dbPool, logger),
		Logger:           logger,
		Location:         loc,
		MaxRangeDays:     cfg.Reporting.MaxRangeDays,
		FetchConcurrency: *concurrency,
	})

	days, coverage, err := engine.Warm(ctx, *startDate, *endDate)
	if err != nil {
		log.Fatalf("backfill failed: %v", err)
	}

	totals := usage.RawTotals(days)
	fmt.Printf("backfilled %d/%d days (%s .. %s)\n", coverage.Resolved, coverage.Requested, *startDate, *endDate)
	fmt.Printf("requests=%d tokens=%d spend=%s\n", totals.APIRequests, totals.TotalTokens, totals.Spend.StringFixed(4))
	if coverage.Partial() {
		fmt.Printf("missing dates: %v\n", coverage.MissingDates)
		os.Exit(1)
	}
}
