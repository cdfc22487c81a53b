package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/crestline-ai/usage-console/internal/lock"
	"github.com/crestline-ai/usage-console/internal/observability"
	"github.com/crestline-ai/usage-console/internal/timeutil"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

var (
	// ErrInvalidRange covers malformed or reversed date ranges.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrRangeTooWide is returned when a range exceeds the configured cap.
	ErrRangeTooWide = errors.New("date range too wide")
	// ErrNoData is returned when not a single requested day could be resolved.
	ErrNoData = errors.New("no usage data available for range")
	// ErrUnsupportedFilter marks filter combinations a breakdown cannot honor.
	ErrUnsupportedFilter = errors.New("unsupported filter combination")
)

const defaultFetchConcurrency = 4

// Engine resolves, enriches, caches, and aggregates per-day usage.
type Engine struct {
	pool             *pgxpool.Pool
	cache            DailyCache
	fetcher          ActivityFetcher
	identities       IdentityResolver
	metrics          *observability.Provider
	logger           *slog.Logger
	loc              *time.Location
	maxRangeDays     int
	fetchConcurrency int
}

// Params collects the engine's collaborators. Pool is optional; without it
// per-date refreshes run unserialized, which is only acceptable for
// single-instance deployments and tests.
type Params struct {
	Pool             *pgxpool.Pool
	Cache            DailyCache
	Fetcher          ActivityFetcher
	Identities       IdentityResolver
	Metrics          *observability.Provider
	Logger           *slog.Logger
	Location         *time.Location
	MaxRangeDays     int
	FetchConcurrency int
}

func New(p Params) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRange := p.MaxRangeDays
	if maxRange <= 0 {
		maxRange = 365
	}
	concurrency := p.FetchConcurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}
	return &Engine{
		pool:             p.Pool,
		cache:            p.Cache,
		fetcher:          p.Fetcher,
		identities:       p.Identities,
		metrics:          p.Metrics,
		logger:           logger,
		loc:              timeutil.EnsureLocation(p.Location),
		maxRangeDays:     maxRange,
		fetchConcurrency: concurrency,
	}
}

// GetAnalytics aggregates the filtered range and compares it against the
// immediately preceding period of equal length. Totals cover only the days
// that resolved; Coverage reports any gap.
func (e *Engine) GetAnalytics(ctx context.Context, f Filters) (*Analytics, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	start, end, err := e.validateRange(f.StartDate, f.EndDate)
	if err != nil {
		return nil, err
	}

	days, coverage, err := e.resolveRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	strategy := strategyFor(f)
	totals := strategy.totals(days, f)

	analytics := &Analytics{
		Period: Period{
			StartDate: timeutil.FormatDateKey(start),
			EndDate:   timeutil.FormatDateKey(end),
			Days:      timeutil.DaysBetween(start, end),
		},
		Totals:   totals,
		Coverage: coverage,
		Trends:   e.buildTrends(ctx, f, start, end, strategy, totals),
	}
	return analytics, nil
}

func (e *Engine) buildTrends(ctx context.Context, f Filters, start, end time.Time, strategy aggregationStrategy, current Totals) []TrendResult {
	prevStart, prevEnd := ComparisonPeriod(start, end)

	var previous Totals
	prevDays, _, err := e.resolveRange(ctx, prevStart, prevEnd)
	if err != nil {
		e.logger.WarnContext(ctx, "comparison period unavailable, trending against zero baseline",
			slog.String("start", timeutil.FormatDateKey(prevStart)),
			slog.String("end", timeutil.FormatDateKey(prevEnd)),
			slog.String("error", err.Error()),
		)
	} else {
		previous = strategy.totals(prevDays, f)
	}

	return []TrendResult{
		CalculateTrend("requests", float64(current.Requests), float64(previous.Requests)),
		CalculateTrend("total_tokens", float64(current.Tokens.Total), float64(previous.Tokens.Total)),
		CalculateTrend("cost", current.Cost, previous.Cost),
	}
}

func (e *Engine) validateRange(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := timeutil.ParseDateKey(startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %q: %v", ErrInvalidRange, startDate, err)
	}
	end, err := timeutil.ParseDateKey(endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %q: %v", ErrInvalidRange, endDate, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %s precedes start %s", ErrInvalidRange, endDate, startDate)
	}
	if days := timeutil.DaysBetween(start, end); days > e.maxRangeDays {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d days exceeds limit of %d", ErrRangeTooWide, days, e.maxRangeDays)
	}
	return start, end, nil
}

// resolveRange returns the enriched documents for every day in [start, end]
// that could be resolved, in chronological order. Cached past days are served
// from Redis; misses and the current day are fetched concurrently.
func (e *Engine) resolveRange(ctx context.Context, start, end time.Time) ([]*DayData, Coverage, error) {
	dates := timeutil.RangeDays(start, end)
	today := timeutil.Today(e.loc)

	resolved := make(map[string]*DayData, len(dates))

	var pastDates []string
	for _, date := range dates {
		if date != today {
			pastDates = append(pastDates, date)
		}
	}
	if e.cache != nil && len(pastDates) > 0 {
		for date, payload := range e.cache.GetRange(ctx, pastDates) {
			day, err := decodeDayData(payload)
			if err != nil {
				e.logger.WarnContext(ctx, "discarding undecodable cached day",
					slog.String("date", date),
					slog.String("error", err.Error()),
				)
				continue
			}
			resolved[date] = day
		}
		for _, date := range pastDates {
			_, hit := resolved[date]
			e.metrics.RecordCacheLookup(hit)
		}
	}

	var (
		mu       sync.Mutex
		failures []error
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.fetchConcurrency)
	for _, date := range dates {
		if _, ok := resolved[date]; ok {
			continue
		}
		date := date
		group.Go(func() error {
			day, err := e.resolveDay(gctx, date, date == today)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return nil
			}
			if day != nil {
				resolved[date] = day
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, Coverage{}, err
	}

	coverage := Coverage{Requested: len(dates)}
	days := make([]*DayData, 0, len(dates))
	for _, date := range dates {
		if day, ok := resolved[date]; ok {
			days = append(days, day)
			coverage.Resolved++
			continue
		}
		coverage.MissingDates = append(coverage.MissingDates, date)
	}
	if coverage.Resolved == 0 {
		return nil, coverage, fmt.Errorf("%w: %s", ErrNoData, errors.Join(failures...))
	}
	if coverage.Partial() {
		e.logger.WarnContext(ctx, "aggregating over partial range",
			slog.Int("requested", coverage.Requested),
			slog.Int("resolved", coverage.Resolved),
			slog.Any("missing", coverage.MissingDates),
		)
	}
	return days, coverage, nil
}

// resolveDay populates one missing date. Past-day refreshes are serialized
// per calendar date with a Postgres advisory lock so concurrent instances do
// not duplicate upstream fetches; the current day is fetched unconditionally
// and never cached here.
func (e *Engine) resolveDay(ctx context.Context, date string, isToday bool) (*DayData, error) {
	if isToday || e.pool == nil {
		return e.fetchAndEnrich(ctx, date, isToday)
	}

	id, err := lock.DeriveLockID(date)
	if err != nil {
		return nil, err
	}
	day, acquired, err := lock.WithLock(ctx, e.pool, id,
		func(ctx context.Context, _ *pgxpool.Conn) (*DayData, error) {
			// Another worker may have filled the cache while we queued.
			if cached, ok := e.cachedDay(ctx, date); ok {
				return cached, nil
			}
			return e.fetchAndEnrich(ctx, date, false)
		},
		lock.Options{OnLockFailed: func(int64) {
			e.metrics.RecordLockContention()
			e.logger.DebugContext(ctx, "per-date lock contended, deferring to holder",
				slog.String("date", date),
			)
		}},
	)
	if err != nil {
		return nil, err
	}
	if acquired {
		return day, nil
	}
	// The lock holder is refreshing this date right now; it may already have
	// landed in the cache by the time we look again.
	if cached, ok := e.cachedDay(ctx, date); ok {
		return cached, nil
	}
	return nil, nil
}

func (e *Engine) cachedDay(ctx context.Context, date string) (*DayData, bool) {
	if e.cache == nil {
		return nil, false
	}
	payload, ok := e.cache.Get(ctx, date)
	if !ok {
		return nil, false
	}
	day, err := decodeDayData(payload)
	if err != nil {
		return nil, false
	}
	return day, true
}

func (e *Engine) fetchAndEnrich(ctx context.Context, date string, isToday bool) (*DayData, error) {
	started := time.Now()
	raw, err := e.fetcher.DailyActivity(ctx, date)
	e.metrics.RecordUpstreamFetch(err == nil, time.Since(started))
	if err != nil {
		return nil, err
	}
	if raw.Date == "" {
		raw.Date = date
	}

	day := e.enrichDay(ctx, raw)
	if !isToday {
		e.storeDay(ctx, day)
	}
	return day, nil
}

func (e *Engine) storeDay(ctx context.Context, day *DayData) {
	if e.cache == nil || day == nil {
		return
	}
	payload, err := json.Marshal(day)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to serialize day for cache",
			slog.String("date", day.Date),
			slog.String("error", err.Error()),
		)
		return
	}
	e.cache.Put(ctx, day.Date, payload)
}

func decodeDayData(payload []byte) (*DayData, error) {
	var day DayData
	if err := json.Unmarshal(payload, &day); err != nil {
		return nil, err
	}
	if day.Users == nil {
		day.Users = make(map[string]*UserUsage)
	}
	return &day, nil
}

// RefreshToday drops any cached entry for the current day and refetches it
// from upstream. The current day is deliberately never written back: a
// mid-day snapshot would otherwise survive the date rollover and serve stale
// numbers once the date becomes a past day.
func (e *Engine) RefreshToday(ctx context.Context) (*DayData, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	if e.cache != nil {
		e.cache.InvalidateToday(ctx)
	}
	date := timeutil.Today(e.loc)
	day, err := e.fetchAndEnrich(ctx, date, true)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "refreshed current-day usage",
		slog.String("date", date),
		slog.Int64("requests", day.Raw.APIRequests),
	)
	return day, nil
}

// CleanupCache evicts cached days older than the retention window.
func (e *Engine) CleanupCache(ctx context.Context, retentionDays int) int {
	if e == nil || e.cache == nil {
		return 0
	}
	removed := e.cache.Cleanup(ctx, retentionDays)
	if removed > 0 {
		e.logger.InfoContext(ctx, "evicted expired usage cache entries",
			slog.Int("removed", removed),
			slog.Int("retention_days", retentionDays),
		)
	}
	return removed
}

// Warm resolves and caches every day in the range, fetching whatever is
// missing. The backfill tool uses it to prewarm the cache after deploys.
func (e *Engine) Warm(ctx context.Context, startDate, endDate string) ([]*DayData, Coverage, error) {
	if e == nil || e.fetcher == nil {
		return nil, Coverage{}, fmt.Errorf("usage engine not initialized")
	}
	start, end, err := e.validateRange(startDate, endDate)
	if err != nil {
		return nil, Coverage{}, err
	}
	return e.resolveRange(ctx, start, end)
}

// RawTotals sums the unfiltered upstream metrics over resolved days. The
// backfill tool uses it for reconciliation output.
func RawTotals(days []*DayData) upstream.Metrics {
	var total upstream.Metrics
	for _, day := range days {
		if day != nil {
			total.Add(day.Raw.Metrics)
		}
	}
	return total
}
