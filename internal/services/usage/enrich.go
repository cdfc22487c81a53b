package usage

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

// enrichDay joins a raw upstream day against the identity store, attributing
// every per-key entry to a user. Entries whose key cannot be resolved fall
// into the Unknown User bucket; entries with a blank hash are dropped and
// tallied so raw and enriched totals stay reconcilable.
func (e *Engine) enrichDay(ctx context.Context, raw *upstream.DayMetrics) *DayData {
	day := &DayData{
		Date:       raw.Date,
		Raw:        *raw,
		Users:      make(map[string]*UserUsage),
		EnrichedAt: time.Now().UTC(),
	}

	hashes := make([]string, 0, 16)
	aliases := make([]string, 0, 16)
	seenHash := make(map[string]struct{})
	seenAlias := make(map[string]struct{})
	for _, model := range sortedModelNames(raw.Breakdown.Models) {
		for hash, entry := range raw.Breakdown.Models[model].KeyEntries() {
			if strings.TrimSpace(hash) == "" {
				continue
			}
			if _, ok := seenHash[hash]; !ok {
				seenHash[hash] = struct{}{}
				hashes = append(hashes, hash)
			}
			if alias := entry.Alias(); alias != "" {
				if _, ok := seenAlias[alias]; !ok {
					seenAlias[alias] = struct{}{}
					aliases = append(aliases, alias)
				}
			}
		}
	}

	resolution, err := e.identities.Resolve(ctx, hashes, aliases)
	if err != nil {
		// Identity lookup failures degrade to Unknown User attribution
		// rather than failing the whole day.
		e.logger.ErrorContext(ctx, "identity resolution failed, attributing to unknown user",
			slog.String("date", raw.Date),
			slog.String("error", err.Error()),
		)
		resolution = identity.Resolution{}
	}

	for _, model := range sortedModelNames(raw.Breakdown.Models) {
		modelUsage := raw.Breakdown.Models[model]
		provider := soleProvider(modelUsage)
		for hash, entry := range modelUsage.KeyEntries() {
			if strings.TrimSpace(hash) == "" {
				day.SkippedRequests += entry.Metrics.APIRequests
				e.logger.DebugContext(ctx, "skipping usage entry with empty key hash",
					slog.String("date", raw.Date),
					slog.String("model", model),
					slog.String("key_hash", hash),
					slog.Int64("requests", entry.Metrics.APIRequests),
				)
				continue
			}
			alias := entry.Alias()
			user, ok := resolution.Lookup(hash, alias)
			if !ok {
				user = identity.Unknown()
			}

			day.Keys = append(day.Keys, KeyAttribution{
				Hash:     hash,
				Alias:    alias,
				Model:    model,
				Provider: provider,
				User:     user,
				Metrics:  entry.Metrics,
			})

			id := user.UserID.String()
			bucket, ok := day.Users[id]
			if !ok {
				bucket = &UserUsage{
					User:   user,
					Models: make(map[string]upstream.Metrics),
				}
				// Per-user buckets carry no key detail.
				bucket.User.KeyHash = ""
				bucket.User.KeyName = ""
				day.Users[id] = bucket
			}
			bucket.Metrics.Add(entry.Metrics)
			perModel := bucket.Models[model]
			perModel.Add(entry.Metrics)
			bucket.Models[model] = perModel
		}
	}

	if day.SkippedRequests > 0 {
		e.metrics.RecordSkippedRecords(day.SkippedRequests)
	}
	return day
}

func sortedModelNames(models map[string]upstream.ModelUsage) []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// soleProvider attributes key entries to a provider only when the model's
// traffic went through exactly one.
func soleProvider(m upstream.ModelUsage) string {
	if len(m.Providers) != 1 {
		return ""
	}
	for name := range m.Providers {
		return name
	}
	return ""
}
