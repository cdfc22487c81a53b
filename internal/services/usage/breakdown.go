package usage

import (
	"context"
	"fmt"
	"sort"

	"github.com/crestline-ai/usage-console/internal/identity"
	"github.com/crestline-ai/usage-console/internal/upstream"
)

const topContributors = 5

// GetUserBreakdown returns per-user totals over the filtered range, sorted by
// cost descending with request count as the tiebreak.
func (e *Engine) GetUserBreakdown(ctx context.Context, f Filters) ([]UserBreakdownRow, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	start, end, err := e.validateRange(f.StartDate, f.EndDate)
	if err != nil {
		return nil, err
	}
	days, _, err := e.resolveRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type userAgg struct {
		user identity.User
		acc  accumulator
	}
	byUser := make(map[string]*userAgg)
	walkKeyEntries(days, f, func(entry KeyAttribution) {
		id := entry.User.UserID.String()
		agg, ok := byUser[id]
		if !ok {
			agg = &userAgg{user: entry.User}
			byUser[id] = agg
		}
		agg.acc.add(entry.Metrics)
	})

	rows := make([]UserBreakdownRow, 0, len(byUser))
	for id, agg := range byUser {
		rows = append(rows, UserBreakdownRow{
			UserID:   id,
			Username: agg.user.Username,
			Email:    agg.user.Email,
			Role:     agg.user.Role,
			Requests: agg.acc.requests,
			Tokens: TokenTotals{
				Total:      agg.acc.tokens,
				Prompt:     agg.acc.prompt,
				Completion: agg.acc.completion,
			},
			Cost: agg.acc.spend.InexactFloat64(),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Cost != rows[j].Cost {
			return rows[i].Cost > rows[j].Cost
		}
		return rows[i].Requests > rows[j].Requests
	})
	return rows, nil
}

// GetModelBreakdown returns per-model totals with the top contributing users.
func (e *Engine) GetModelBreakdown(ctx context.Context, f Filters) ([]ModelBreakdownRow, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	start, end, err := e.validateRange(f.StartDate, f.EndDate)
	if err != nil {
		return nil, err
	}
	days, _, err := e.resolveRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type modelAgg struct {
		acc   accumulator
		users map[string]*Contributor
	}
	byModel := make(map[string]*modelAgg)
	walkKeyEntries(days, f, func(entry KeyAttribution) {
		agg, ok := byModel[entry.Model]
		if !ok {
			agg = &modelAgg{users: make(map[string]*Contributor)}
			byModel[entry.Model] = agg
		}
		agg.acc.add(entry.Metrics)

		id := entry.User.UserID.String()
		contributor, ok := agg.users[id]
		if !ok {
			contributor = &Contributor{ID: id, Name: entry.User.Username}
			agg.users[id] = contributor
		}
		contributor.Requests += entry.Metrics.APIRequests
		contributor.Cost += entry.Metrics.Spend.InexactFloat64()
	})

	rows := make([]ModelBreakdownRow, 0, len(byModel))
	for model, agg := range byModel {
		rows = append(rows, ModelBreakdownRow{
			Model:    model,
			Requests: agg.acc.requests,
			Tokens: TokenTotals{
				Total:      agg.acc.tokens,
				Prompt:     agg.acc.prompt,
				Completion: agg.acc.completion,
			},
			Cost:     agg.acc.spend.InexactFloat64(),
			TopUsers: topN(agg.users),
		})
	}
	sortRowsByCost(rows, func(r ModelBreakdownRow) (float64, int64) { return r.Cost, r.Requests })
	return rows, nil
}

// GetProviderBreakdown returns per-provider totals from the raw upstream
// breakdown, with the provider's top models attached. Provider rows come from
// the raw tree, which carries no user or key attribution, so user- and
// key-scoped filters are rejected rather than silently ignored.
func (e *Engine) GetProviderBreakdown(ctx context.Context, f Filters) ([]ProviderBreakdownRow, error) {
	if e == nil || e.fetcher == nil {
		return nil, fmt.Errorf("usage engine not initialized")
	}
	if len(f.UserIDs) > 0 || len(f.APIKeyIDs) > 0 {
		return nil, fmt.Errorf("%w: provider breakdown cannot be scoped by user or api key", ErrUnsupportedFilter)
	}
	start, end, err := e.validateRange(f.StartDate, f.EndDate)
	if err != nil {
		return nil, err
	}
	days, _, err := e.resolveRange(ctx, start, end)
	if err != nil {
		return nil, err
	}

	providerFilter := newFilterSet(f.ProviderIDs)
	modelFilter := newFilterSet(f.ModelIDs)

	type providerAgg struct {
		metrics upstream.Metrics
		models  map[string]*Contributor
	}
	byProvider := make(map[string]*providerAgg)
	for _, day := range days {
		for model, modelUsage := range day.Raw.Breakdown.Models {
			if !modelFilter.matches(model) {
				continue
			}
			for provider, metrics := range modelUsage.Providers {
				if !providerFilter.matches(provider) {
					continue
				}
				agg, ok := byProvider[provider]
				if !ok {
					agg = &providerAgg{models: make(map[string]*Contributor)}
					byProvider[provider] = agg
				}
				agg.metrics.Add(metrics)

				contributor, ok := agg.models[model]
				if !ok {
					contributor = &Contributor{ID: model, Name: model}
					agg.models[model] = contributor
				}
				contributor.Requests += metrics.APIRequests
				contributor.Cost += metrics.Spend.InexactFloat64()
			}
		}
	}

	rows := make([]ProviderBreakdownRow, 0, len(byProvider))
	for provider, agg := range byProvider {
		row := ProviderBreakdownRow{
			Provider: provider,
			Requests: agg.metrics.APIRequests,
			Tokens: TokenTotals{
				Total:      agg.metrics.TotalTokens,
				Prompt:     agg.metrics.PromptTokens,
				Completion: agg.metrics.CompletionTokens,
			},
			Cost:      agg.metrics.Spend.InexactFloat64(),
			TopModels: topN(agg.models),
		}
		rows = append(rows, row)
	}
	sortRowsByCost(rows, func(r ProviderBreakdownRow) (float64, int64) { return r.Cost, r.Requests })
	return rows, nil
}

// walkKeyEntries visits every enriched key entry matching the filters.
func walkKeyEntries(days []*DayData, f Filters, visit func(KeyAttribution)) {
	userFilter := newFilterSet(f.UserIDs)
	modelFilter := newFilterSet(f.ModelIDs)
	providerFilter := newFilterSet(f.ProviderIDs)
	keyFilter := newFilterSet(f.APIKeyIDs)

	for _, day := range days {
		if day == nil {
			continue
		}
		modelScope := modelsInScope(day, modelFilter, providerFilter)
		for _, entry := range day.Keys {
			if !keyFilter.matchesAny(entry.Hash, entry.Alias) {
				continue
			}
			if !userFilter.matches(entry.User.UserID.String()) {
				continue
			}
			if !modelScope.matches(entry.Model) {
				continue
			}
			visit(entry)
		}
	}
}

func topN(contributors map[string]*Contributor) []Contributor {
	out := make([]Contributor, 0, len(contributors))
	for _, c := range contributors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Requests > out[j].Requests
	})
	if len(out) > topContributors {
		out = out[:topContributors]
	}
	return out
}

func sortRowsByCost[T any](rows []T, key func(T) (float64, int64)) {
	sort.Slice(rows, func(i, j int) bool {
		costI, reqI := key(rows[i])
		costJ, reqJ := key(rows[j])
		if costI != costJ {
			return costI > costJ
		}
		return reqI > reqJ
	})
}
