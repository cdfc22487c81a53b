package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crestline-ai/usage-console/internal/identity"
	usageservice "github.com/crestline-ai/usage-console/internal/services/usage"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

type stubFetcher struct {
	days map[string]*upstream.DayMetrics
}

func (s *stubFetcher) DailyActivity(_ context.Context, date string) (*upstream.DayMetrics, error) {
	day, ok := s.days[date]
	if !ok {
		return nil, fmt.Errorf("%w: no data for %s", upstream.ErrUpstream, date)
	}
	clone := *day
	return &clone, nil
}

type stubResolver struct {
	resolution identity.Resolution
}

func (s *stubResolver) Resolve(context.Context, []string, []string) (identity.Resolution, error) {
	return s.resolution, nil
}

func testApp(t *testing.T, token string) *fiber.App {
	t.Helper()

	user := identity.User{
		UserID:   uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Username: "alice",
		Email:    "alice@example.com",
	}
	metrics := upstream.Metrics{
		APIRequests:        50,
		TotalTokens:        2500,
		PromptTokens:       1500,
		CompletionTokens:   1000,
		Spend:              decimal.RequireFromString("5.00"),
		SuccessfulRequests: 50,
	}
	day := &upstream.DayMetrics{
		Date:    "2025-01-14",
		Metrics: metrics,
		Breakdown: upstream.Breakdown{
			Models: map[string]upstream.ModelUsage{
				"gpt-4o": {
					Metrics:   metrics,
					Providers: map[string]upstream.Metrics{"openai": metrics},
					APIKeys: map[string]upstream.KeyUsage{
						"hash-alpha": {Metrics: metrics},
					},
				},
			},
			Providers: map[string]upstream.Metrics{"openai": metrics},
		},
	}

	engine := usageservice.New(usageservice.Params{
		Fetcher:    &stubFetcher{days: map[string]*upstream.DayMetrics{"2025-01-14": day}},
		Identities: &stubResolver{resolution: identity.Resolution{ByHash: map[string]identity.User{"hash-alpha": user}}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	app := fiber.New()
	Register(app, Deps{AdminToken: token, Usage: engine})
	return app
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := testApp(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/admin/usage/analytics?start_date=2025-01-14&end_date=2025-01-14", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/usage/analytics?start_date=2025-01-14&end_date=2025-01-14", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 with bad token", resp.StatusCode)
	}
}

func TestAnalyticsEndpoint(t *testing.T) {
	app := testApp(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/admin/usage/analytics?start_date=2025-01-14&end_date=2025-01-14", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body usageservice.Analytics
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Totals.Requests != 50 {
		t.Fatalf("requests = %d, want 50", body.Totals.Requests)
	}
	if body.Period.StartDate != "2025-01-14" {
		t.Fatalf("unexpected period: %+v", body.Period)
	}
}

func TestAnalyticsEndpointValidation(t *testing.T) {
	app := testApp(t, "")

	cases := []struct {
		name string
		path string
		want int
	}{
		{"missing dates", "/admin/usage/analytics", http.StatusBadRequest},
		{"reversed range", "/admin/usage/analytics?start_date=2025-01-15&end_date=2025-01-14", http.StatusBadRequest},
		{"unresolvable range", "/admin/usage/analytics?start_date=2020-01-01&end_date=2020-01-01", http.StatusBadGateway},
		{"bad breakdown group", "/admin/usage/breakdown?start_date=2025-01-14&end_date=2025-01-14&group=tenant", http.StatusBadRequest},
		{"user-scoped provider breakdown", "/admin/usage/breakdown?start_date=2025-01-14&end_date=2025-01-14&group=provider&user_ids=11111111-1111-1111-1111-111111111111", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestExportEndpointServesCSV(t *testing.T) {
	app := testApp(t, "")

	req := httptest.NewRequest(http.MethodGet, "/admin/usage/export?start_date=2025-01-14&end_date=2025-01-14&format=csv", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q, want text/csv", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		t.Fatal("expected attachment content disposition")
	}
}
