package usage

import (
	"context"
	"time"

	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

// DailyCache is the per-date storage contract the engine consumes. Values are
// opaque serialized DayData documents. Implementations must tolerate
// concurrent reads of the same date; the advisory lock serializes writes.
type DailyCache interface {
	Get(ctx context.Context, date string) ([]byte, bool)
	Put(ctx context.Context, date string, data []byte)
	GetRange(ctx context.Context, dates []string) map[string][]byte
	InvalidateToday(ctx context.Context)
	Cleanup(ctx context.Context, retentionDays int) int
}

// ActivityFetcher supplies the upstream per-day usage feed.
type ActivityFetcher interface {
	DailyActivity(ctx context.Context, date string) (*upstream.DayMetrics, error)
}

// IdentityResolver maps API-key hashes and aliases to gateway users in batch.
type IdentityResolver interface {
	Resolve(ctx context.Context, hashes, aliases []string) (identity.Resolution, error)
}

// Filters narrow an analytics request. Dimensions combine with AND semantics;
// an empty slice leaves that dimension unfiltered.
type Filters struct {
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	UserIDs     []string `json:"user_ids,omitempty"`
	ModelIDs    []string `json:"model_ids,omitempty"`
	ProviderIDs []string `json:"provider_ids,omitempty"`
	APIKeyIDs   []string `json:"api_key_ids,omitempty"`
}

// UserUsage is one user's attributed slice of a day.
type UserUsage struct {
	User    identity.User               `json:"user"`
	Metrics upstream.Metrics            `json:"metrics"`
	Models  map[string]upstream.Metrics `json:"models,omitempty"`
}

// KeyAttribution is one enriched per-key-hash entry, retained at full
// granularity for key-scoped aggregation.
type KeyAttribution struct {
	Hash     string           `json:"hash"`
	Alias    string           `json:"alias,omitempty"`
	Model    string           `json:"model"`
	Provider string           `json:"provider,omitempty"`
	User     identity.User    `json:"user"`
	Metrics  upstream.Metrics `json:"metrics"`
}

// DayData is the enriched analytics document for one calendar day: the raw
// upstream metrics plus user-attributed breakdowns. Past-day documents are
// immutable once cached; the current day is always refetched.
type DayData struct {
	Date            string                `json:"date"`
	Raw             upstream.DayMetrics   `json:"raw"`
	Users           map[string]*UserUsage `json:"users"`
	Keys            []KeyAttribution      `json:"keys,omitempty"`
	SkippedRequests int64                 `json:"skipped_requests,omitempty"`
	EnrichedAt      time.Time             `json:"enriched_at"`
}

// TokenTotals splits a token count by direction.
type TokenTotals struct {
	Total      int64 `json:"total"`
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
}

// Totals is the merged view over a date range after filtering.
type Totals struct {
	Requests    int64       `json:"requests"`
	Tokens      TokenTotals `json:"tokens"`
	Cost        float64     `json:"cost"`
	TotalUsers  int         `json:"total_users"`
	ActiveUsers int         `json:"active_users"`
	SuccessRate float64     `json:"success_rate"`
}

// Period labels the date range an aggregation covers.
type Period struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Days      int    `json:"days"`
}

// Coverage reports which requested days actually resolved. Missing days mean
// upstream failures or lock contention on this request; totals cover only the
// resolved days.
type Coverage struct {
	Requested    int      `json:"requested"`
	Resolved     int      `json:"resolved"`
	MissingDates []string `json:"missing_dates,omitempty"`
}

func (c Coverage) Partial() bool {
	return c.Resolved < c.Requested
}

// Analytics is the full aggregation response.
type Analytics struct {
	Period   Period        `json:"period"`
	Totals   Totals        `json:"totals"`
	Coverage Coverage      `json:"coverage"`
	Trends   []TrendResult `json:"trends"`
}

// UserBreakdownRow is one user's share of the filtered range.
type UserBreakdownRow struct {
	UserID   string      `json:"user_id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
	Role     string      `json:"role,omitempty"`
	Requests int64       `json:"requests"`
	Tokens   TokenTotals `json:"tokens"`
	Cost     float64     `json:"cost"`
}

// Contributor names a top contributing entity inside a breakdown row.
type Contributor struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Requests int64   `json:"requests"`
	Cost     float64 `json:"cost"`
}

// ModelBreakdownRow is one model's share of the filtered range.
type ModelBreakdownRow struct {
	Model    string        `json:"model"`
	Requests int64         `json:"requests"`
	Tokens   TokenTotals   `json:"tokens"`
	Cost     float64       `json:"cost"`
	TopUsers []Contributor `json:"top_users,omitempty"`
}

// ProviderBreakdownRow is one provider's share of the filtered range.
type ProviderBreakdownRow struct {
	Provider  string        `json:"provider"`
	Requests  int64         `json:"requests"`
	Tokens    TokenTotals   `json:"tokens"`
	Cost      float64       `json:"cost"`
	TopModels []Contributor `json:"top_models,omitempty"`
}

// Export wraps the serialized export payload with its content type.
type Export struct {
	ContentType string
	Data        []byte
}
