package usage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/crestline-ai/usage-console/internal/cache"
	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/timeutil"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

var (
	userAlpha = identity.User{
		UserID:   uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Username: "alice",
		Email:    "alice@example.com",
		Role:     "admin",
	}
	userBeta = identity.User{
		UserID:   uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Username: "bob",
		Email:    "bob@example.com",
		Role:     "member",
	}
)

type fakeFetcher struct {
	mu    sync.Mutex
	days  map[string]*upstream.DayMetrics
	calls map[string]int
}

func (f *fakeFetcher) DailyActivity(_ context.Context, date string) (*upstream.DayMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[date]++
	day, ok := f.days[date]
	if !ok {
		return nil, fmt.Errorf("%w: no data for %s", upstream.ErrUpstream, date)
	}
	clone := *day
	return &clone, nil
}

func (f *fakeFetcher) callCount(date string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[date]
}

type fakeResolver struct {
	resolution identity.Resolution
	err        error
}

func (f *fakeResolver) Resolve(context.Context, []string, []string) (identity.Resolution, error) {
	if f.err != nil {
		return identity.Resolution{}, f.err
	}
	return f.resolution, nil
}

func defaultResolver() *fakeResolver {
	return &fakeResolver{resolution: identity.Resolution{
		ByHash: map[string]identity.User{
			"hash-alpha": userAlpha,
			"hash-beta":  userBeta,
		},
		ByAlias: map[string]identity.User{
			"team-alpha": userAlpha,
		},
	}}
}

func testMetrics(requests, tokens, prompt, completion int64, spend string, ok, failed int64) upstream.Metrics {
	return upstream.Metrics{
		APIRequests:        requests,
		TotalTokens:        tokens,
		PromptTokens:       prompt,
		CompletionTokens:   completion,
		Spend:              decimal.RequireFromString(spend),
		SuccessfulRequests: ok,
		FailedRequests:     failed,
	}
}

// fixtureDay builds a day with two models, two providers, and two attributed
// key hashes totalling 100 requests and $12.50.
func fixtureDay(date string) *upstream.DayMetrics {
	alphaMetrics := testMetrics(60, 3000, 2000, 1000, "9.00", 58, 2)
	betaMetrics := testMetrics(40, 2000, 1200, 800, "3.50", 37, 3)
	return &upstream.DayMetrics{
		Date:    date,
		Metrics: testMetrics(100, 5000, 3200, 1800, "12.50", 95, 5),
		Breakdown: upstream.Breakdown{
			Models: map[string]upstream.ModelUsage{
				"gpt-4o": {
					Metrics:   alphaMetrics,
					Providers: map[string]upstream.Metrics{"openai": alphaMetrics},
					APIKeys: map[string]upstream.KeyUsage{
						"hash-alpha": {
							Metrics:  alphaMetrics,
							Metadata: &upstream.KeyMetadata{KeyAlias: "team-alpha"},
						},
					},
				},
				"claude-sonnet": {
					Metrics:   betaMetrics,
					Providers: map[string]upstream.Metrics{"anthropic": betaMetrics},
					APIKeyBreakdown: map[string]upstream.KeyUsage{
						"hash-beta": {Metrics: betaMetrics},
					},
				},
			},
			Providers: map[string]upstream.Metrics{
				"openai":    alphaMetrics,
				"anthropic": betaMetrics,
			},
		},
	}
}

func newTestEngine(t *testing.T, fetcher *fakeFetcher, resolver IdentityResolver) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	engine := New(Params{
		Cache:        cache.NewDailyUsage(client, time.UTC),
		Fetcher:      fetcher,
		Identities:   resolver,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRangeDays: 90,
	})
	return engine, mr
}

func TestGetAnalyticsAggregatesRange(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
		"2025-01-15": fixtureDay("2025-01-15"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	got, err := engine.GetAnalytics(context.Background(), Filters{
		StartDate: "2025-01-14",
		EndDate:   "2025-01-15",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Totals.Requests != 200 {
		t.Fatalf("requests = %d, want 200", got.Totals.Requests)
	}
	if got.Totals.Tokens.Total != 10000 || got.Totals.Tokens.Prompt != 6400 {
		t.Fatalf("unexpected token totals: %+v", got.Totals.Tokens)
	}
	if got.Totals.Cost != 25 {
		t.Fatalf("cost = %v, want 25", got.Totals.Cost)
	}
	if got.Totals.SuccessRate != 0.95 {
		t.Fatalf("success rate = %v, want 0.95", got.Totals.SuccessRate)
	}
	if got.Totals.TotalUsers != 2 || got.Totals.ActiveUsers != 2 {
		t.Fatalf("unexpected user counts: %+v", got.Totals)
	}
	if got.Coverage.Requested != 2 || got.Coverage.Resolved != 2 || got.Coverage.Partial() {
		t.Fatalf("unexpected coverage: %+v", got.Coverage)
	}
	if got.Period.Days != 2 {
		t.Fatalf("period days = %d, want 2", got.Period.Days)
	}
	if len(got.Trends) != 3 {
		t.Fatalf("expected 3 trend entries, got %d", len(got.Trends))
	}
	// The comparison period has no data, so activity trends against the zero
	// baseline the same way CalculateTrend treats any empty previous period.
	if got.Trends[0].Metric != "requests" || got.Trends[0].Direction != TrendUp || got.Trends[0].PercentageChange != 100 {
		t.Fatalf("unexpected requests trend against empty baseline: %+v", got.Trends[0])
	}
}

func TestGetAnalyticsServesCachedPastDays(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
		"2025-01-15": fixtureDay("2025-01-15"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	filters := Filters{StartDate: "2025-01-14", EndDate: "2025-01-15"}
	if _, err := engine.GetAnalytics(context.Background(), filters); err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if _, err := engine.GetAnalytics(context.Background(), filters); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if n := fetcher.callCount("2025-01-14"); n != 1 {
		t.Fatalf("past day fetched %d times, want 1", n)
	}
	if n := fetcher.callCount("2025-01-15"); n != 1 {
		t.Fatalf("past day fetched %d times, want 1", n)
	}
}

func TestGetAnalyticsNeverCachesToday(t *testing.T) {
	today := timeutil.Today(time.UTC)
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		today: fixtureDay(today),
	}}
	engine, mr := newTestEngine(t, fetcher, defaultResolver())

	filters := Filters{StartDate: today, EndDate: today}
	for i := 0; i < 2; i++ {
		if _, err := engine.GetAnalytics(context.Background(), filters); err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
	}
	if n := fetcher.callCount(today); n < 2 {
		t.Fatalf("today fetched %d times, want a fresh fetch per call", n)
	}
	if mr.Exists("usage:day:" + today) {
		t.Fatal("current day must not be cached")
	}
}

func TestGetAnalyticsPartialCoverage(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	got, err := engine.GetAnalytics(context.Background(), Filters{
		StartDate: "2025-01-14",
		EndDate:   "2025-01-16",
	})
	if err != nil {
		t.Fatalf("partial range must still aggregate: %v", err)
	}
	if got.Totals.Requests != 100 {
		t.Fatalf("requests = %d, want only the resolved day", got.Totals.Requests)
	}
	if !got.Coverage.Partial() || got.Coverage.Resolved != 1 {
		t.Fatalf("unexpected coverage: %+v", got.Coverage)
	}
	if len(got.Coverage.MissingDates) != 2 || got.Coverage.MissingDates[0] != "2025-01-15" {
		t.Fatalf("unexpected missing dates: %v", got.Coverage.MissingDates)
	}
}

func TestGetAnalyticsFailsWhenNothingResolves(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFetcher{}, defaultResolver())

	_, err := engine.GetAnalytics(context.Background(), Filters{
		StartDate: "2025-01-14",
		EndDate:   "2025-01-15",
	})
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestGetAnalyticsRejectsBadRanges(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFetcher{}, defaultResolver())
	ctx := context.Background()

	if _, err := engine.GetAnalytics(ctx, Filters{StartDate: "2025-01-15", EndDate: "2025-01-14"}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("reversed range: expected ErrInvalidRange, got %v", err)
	}
	if _, err := engine.GetAnalytics(ctx, Filters{StartDate: "2025-02-30", EndDate: "2025-03-01"}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("impossible date: expected ErrInvalidRange, got %v", err)
	}
	if _, err := engine.GetAnalytics(ctx, Filters{StartDate: "2024-01-01", EndDate: "2024-12-31"}); !errors.Is(err, ErrRangeTooWide) {
		t.Fatalf("wide range: expected ErrRangeTooWide, got %v", err)
	}
}

func TestGetAnalyticsFiltersByUser(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	got, err := engine.GetAnalytics(context.Background(), Filters{
		StartDate: "2025-01-14",
		EndDate:   "2025-01-14",
		UserIDs:   []string{userAlpha.UserID.String()},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Totals.Requests != 60 || got.Totals.Cost != 9 {
		t.Fatalf("expected only alice's usage, got %+v", got.Totals)
	}
	if got.Totals.TotalUsers != 1 {
		t.Fatalf("total users = %d, want 1", got.Totals.TotalUsers)
	}
}

func TestGetAnalyticsFiltersByProvider(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	got, err := engine.GetAnalytics(context.Background(), Filters{
		StartDate:   "2025-01-14",
		EndDate:     "2025-01-14",
		ProviderIDs: []string{"anthropic"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Totals.Requests != 40 || got.Totals.Cost != 3.5 {
		t.Fatalf("expected only anthropic usage, got %+v", got.Totals)
	}
}

func TestGetAnalyticsKeyScopedPath(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	// Key filters match either the hash or the alias.
	for _, keyID := range []string{"hash-alpha", "team-alpha"} {
		got, err := engine.GetAnalytics(context.Background(), Filters{
			StartDate: "2025-01-14",
			EndDate:   "2025-01-14",
			APIKeyIDs: []string{keyID},
		})
		if err != nil {
			t.Fatalf("key %q: unexpected error: %v", keyID, err)
		}
		if got.Totals.Requests != 60 {
			t.Fatalf("key %q: requests = %d, want 60", keyID, got.Totals.Requests)
		}
	}
}

func TestEnrichSkipsBlankKeyHashes(t *testing.T) {
	day := fixtureDay("2025-01-14")
	model := day.Breakdown.Models["gpt-4o"]
	model.APIKeys["  "] = upstream.KeyUsage{Metrics: testMetrics(7, 300, 200, 100, "0.70", 7, 0)}
	day.Breakdown.Models["gpt-4o"] = model

	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{"2025-01-14": day}}
	engine, _ := newTestEngine(t, fetcher, defaultResolver())

	days, _, err := engine.resolveRange(context.Background(),
		mustDate(t, "2025-01-14"), mustDate(t, "2025-01-14"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if days[0].SkippedRequests != 7 {
		t.Fatalf("skipped requests = %d, want 7", days[0].SkippedRequests)
	}
	for _, entry := range days[0].Keys {
		if entry.Hash == "  " {
			t.Fatal("blank hash must not produce a key attribution")
		}
	}
}

func TestEnrichBucketsUnresolvedKeysAsUnknownUser(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	// Resolver knows nobody.
	engine, _ := newTestEngine(t, fetcher, &fakeResolver{resolution: identity.Resolution{}})

	days, _, err := engine.resolveRange(context.Background(),
		mustDate(t, "2025-01-14"), mustDate(t, "2025-01-14"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unknown, ok := days[0].Users[uuid.Nil.String()]
	if !ok {
		t.Fatalf("expected unknown-user bucket, got users %v", days[0].Users)
	}
	if unknown.User.Username != "Unknown User" {
		t.Fatalf("unexpected unknown user identity: %+v", unknown.User)
	}
	if unknown.Metrics.APIRequests != 100 {
		t.Fatalf("unknown bucket requests = %d, want all 100", unknown.Metrics.APIRequests)
	}
}

func TestEnrichDegradesWhenIdentityLookupFails(t *testing.T) {
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		"2025-01-14": fixtureDay("2025-01-14"),
	}}
	engine, _ := newTestEngine(t, fetcher, &fakeResolver{err: errors.New("database down")})

	days, _, err := engine.resolveRange(context.Background(),
		mustDate(t, "2025-01-14"), mustDate(t, "2025-01-14"))
	if err != nil {
		t.Fatalf("identity failures must not fail the day: %v", err)
	}
	if _, ok := days[0].Users[uuid.Nil.String()]; !ok {
		t.Fatal("expected degraded attribution to unknown user")
	}
}

func TestRefreshTodayInvalidatesCacheEntry(t *testing.T) {
	today := timeutil.Today(time.UTC)
	fetcher := &fakeFetcher{days: map[string]*upstream.DayMetrics{
		today: fixtureDay(today),
	}}
	engine, mr := newTestEngine(t, fetcher, defaultResolver())

	mr.Set("usage:day:"+today, `{"date":"stale"}`)
	day, err := engine.RefreshToday(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if day.Date != today {
		t.Fatalf("refreshed date = %s, want %s", day.Date, today)
	}
	if mr.Exists("usage:day:" + today) {
		t.Fatal("stale entry for today must be dropped and not rewritten")
	}
	if fetcher.callCount(today) != 1 {
		t.Fatalf("expected one upstream fetch, got %d", fetcher.callCount(today))
	}
}

func mustDate(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := timeutil.ParseDateKey(value)
	if err != nil {
		t.Fatalf("bad fixture date %q: %v", value, err)
	}
	return parsed
}
