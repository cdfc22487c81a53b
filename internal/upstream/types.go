package upstream

import (
	"github.com/shopspring/decimal"
)

// Metrics are the upstream-reported counters for one aggregation bucket.
type Metrics struct {
	APIRequests        int64           `json:"api_requests"`
	TotalTokens        int64           `json:"total_tokens"`
	PromptTokens       int64           `json:"prompt_tokens"`
	CompletionTokens   int64           `json:"completion_tokens"`
	Spend              decimal.Decimal `json:"spend"`
	SuccessfulRequests int64           `json:"successful_requests"`
	FailedRequests     int64           `json:"failed_requests"`
}

// Add accumulates other into m.
func (m *Metrics) Add(other Metrics) {
	m.APIRequests += other.APIRequests
	m.TotalTokens += other.TotalTokens
	m.PromptTokens += other.PromptTokens
	m.CompletionTokens += other.CompletionTokens
	m.Spend = m.Spend.Add(other.Spend)
	m.SuccessfulRequests += other.SuccessfulRequests
	m.FailedRequests += other.FailedRequests
}

// KeyMetadata carries optional attribution hints attached to a key-hash entry.
type KeyMetadata struct {
	KeyAlias string `json:"key_alias,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
}

// KeyUsage is the per-API-key-hash slice of a model's daily usage.
type KeyUsage struct {
	Metrics  Metrics      `json:"metrics"`
	Metadata *KeyMetadata `json:"metadata,omitempty"`
}

// Alias returns the key alias from metadata, when present.
func (k KeyUsage) Alias() string {
	if k.Metadata == nil {
		return ""
	}
	return k.Metadata.KeyAlias
}

// ModelUsage is one model's slice of the day, broken down by provider and by
// API-key hash. Older feed versions report keys under "api_key_breakdown";
// KeyEntries merges both spellings.
type ModelUsage struct {
	Metrics         Metrics             `json:"metrics"`
	Providers       map[string]Metrics  `json:"providers,omitempty"`
	APIKeys         map[string]KeyUsage `json:"api_keys,omitempty"`
	APIKeyBreakdown map[string]KeyUsage `json:"api_key_breakdown,omitempty"`
}

// KeyEntries returns the per-key-hash entries regardless of which field name
// the feed used. The modern field wins on duplicate hashes.
func (m ModelUsage) KeyEntries() map[string]KeyUsage {
	if len(m.APIKeyBreakdown) == 0 {
		return m.APIKeys
	}
	if len(m.APIKeys) == 0 {
		return m.APIKeyBreakdown
	}
	merged := make(map[string]KeyUsage, len(m.APIKeys)+len(m.APIKeyBreakdown))
	for hash, entry := range m.APIKeyBreakdown {
		merged[hash] = entry
	}
	for hash, entry := range m.APIKeys {
		merged[hash] = entry
	}
	return merged
}

// Breakdown is the per-model / per-provider tree under a day's totals.
type Breakdown struct {
	Models    map[string]ModelUsage `json:"models,omitempty"`
	Providers map[string]Metrics    `json:"providers,omitempty"`
}

// DayMetrics is the upstream-reported usage for a single calendar day. It is
// created by the daily fetch and never mutated afterwards.
type DayMetrics struct {
	Date string `json:"date,omitempty"`
	Metrics
	Breakdown Breakdown `json:"breakdown"`
}
