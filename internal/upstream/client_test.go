package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crestline-ai/usage-console/internal/config"
)

const dailyFeedBody = `{
	"api_requests": 100,
	"total_tokens": 5000,
	"prompt_tokens": 3000,
	"completion_tokens": 2000,
	"spend": "12.50",
	"successful_requests": 95,
	"failed_requests": 5,
	"breakdown": {
		"models": {
			"gpt-4o": {
				"metrics": {"api_requests": 60, "total_tokens": 3000, "spend": "9.00", "successful_requests": 58, "failed_requests": 2},
				"providers": {"openai": {"api_requests": 60, "total_tokens": 3000, "spend": "9.00"}},
				"api_keys": {
					"hash-alpha": {"metrics": {"api_requests": 60, "total_tokens": 3000, "spend": "9.00"}, "metadata": {"key_alias": "team-alpha", "team_id": "t1"}}
				}
			},
			"claude-sonnet": {
				"metrics": {"api_requests": 40, "total_tokens": 2000, "spend": "3.50", "successful_requests": 37, "failed_requests": 3},
				"api_key_breakdown": {
					"hash-beta": {"metrics": {"api_requests": 40, "total_tokens": 2000, "spend": "3.50"}}
				}
			}
		},
		"providers": {
			"openai": {"api_requests": 60, "total_tokens": 3000, "spend": "9.00"},
			"anthropic": {"api_requests": 40, "total_tokens": 2000, "spend": "3.50"}
		}
	}
}`

func TestDailyActivityDecodesBothKeyFieldSpellings(t *testing.T) {
	var gotAuth, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("date")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(dailyFeedBody))
	}))
	defer ts.Close()

	client := NewClient(config.UpstreamConfig{BaseURL: ts.URL, APIKey: "secret", Timeout: time.Second}, nil)
	day, err := client.DailyActivity(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotQuery != "2025-01-15" {
		t.Fatalf("expected date query param, got %q", gotQuery)
	}
	if day.APIRequests != 100 || day.SuccessfulRequests != 95 {
		t.Fatalf("unexpected totals: %+v", day.Metrics)
	}
	if day.Spend.String() != "12.5" {
		t.Fatalf("unexpected spend: %s", day.Spend)
	}

	modern := day.Breakdown.Models["gpt-4o"].KeyEntries()
	if entry, ok := modern["hash-alpha"]; !ok || entry.Alias() != "team-alpha" {
		t.Fatalf("expected hash-alpha with alias, got %+v", modern)
	}
	legacy := day.Breakdown.Models["claude-sonnet"].KeyEntries()
	if entry, ok := legacy["hash-beta"]; !ok || entry.Metrics.APIRequests != 40 {
		t.Fatalf("expected hash-beta from legacy field, got %+v", legacy)
	}
}

func TestDailyActivityRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(dailyFeedBody))
	}))
	defer ts.Close()

	client := NewClient(config.UpstreamConfig{BaseURL: ts.URL, Timeout: time.Second, MaxRetries: 2}, nil)
	day, err := client.DailyActivity(context.Background(), "2025-01-15")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if day.APIRequests != 100 {
		t.Fatalf("unexpected payload after retry: %+v", day.Metrics)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestDailyActivityDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	client := NewClient(config.UpstreamConfig{BaseURL: ts.URL, Timeout: time.Second, MaxRetries: 3}, nil)
	if _, err := client.DailyActivity(context.Background(), "2025-01-15"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls.Load())
	}
}
