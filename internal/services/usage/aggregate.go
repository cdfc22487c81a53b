package usage

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/crestline-ai/usage-console/internal/upstream"
)

// accumulator folds metrics and user membership across days.
type accumulator struct {
	requests   int64
	prompt     int64
	completion int64
	tokens     int64
	spend      decimal.Decimal
	successful int64
	failed     int64
	users      map[string]struct{}
}

func newAccumulator() *accumulator {
	return &accumulator{users: make(map[string]struct{})}
}

func (a *accumulator) add(m upstream.Metrics) {
	a.requests += m.APIRequests
	a.tokens += m.TotalTokens
	a.prompt += m.PromptTokens
	a.completion += m.CompletionTokens
	a.spend = a.spend.Add(m.Spend)
	a.successful += m.SuccessfulRequests
	a.failed += m.FailedRequests
}

func (a *accumulator) seeUser(id string) {
	a.users[id] = struct{}{}
}

func (a *accumulator) totals() Totals {
	totals := Totals{
		Requests: a.requests,
		Tokens: TokenTotals{
			Total:      a.tokens,
			Prompt:     a.prompt,
			Completion: a.completion,
		},
		Cost:        a.spend.InexactFloat64(),
		TotalUsers:  len(a.users),
		ActiveUsers: len(a.users),
	}
	if counted := a.successful + a.failed; counted > 0 {
		totals.SuccessRate = float64(a.successful) / float64(counted)
	}
	return totals
}

// filterSet is a membership filter where the empty set matches everything.
type filterSet map[string]struct{}

func newFilterSet(values []string) filterSet {
	if len(values) == 0 {
		return nil
	}
	set := make(filterSet, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (s filterSet) matches(value string) bool {
	if s == nil {
		return true
	}
	_, ok := s[value]
	return ok
}

func (s filterSet) matchesAny(values ...string) bool {
	if s == nil {
		return true
	}
	for _, v := range values {
		if _, ok := s[v]; ok {
			return true
		}
	}
	return false
}

// aggregationStrategy computes range totals from enriched day documents. The
// fast path works off pre-aggregated per-user and per-model buckets; key
// filters force the slower per-key walk.
type aggregationStrategy interface {
	name() string
	totals(days []*DayData, f Filters) Totals
}

func strategyFor(f Filters) aggregationStrategy {
	if len(f.APIKeyIDs) > 0 {
		return keyScopedStrategy{}
	}
	return fastPathStrategy{}
}

type fastPathStrategy struct{}

func (fastPathStrategy) name() string { return "fast_path" }

func (fastPathStrategy) totals(days []*DayData, f Filters) Totals {
	userFilter := newFilterSet(f.UserIDs)
	modelFilter := newFilterSet(f.ModelIDs)
	providerFilter := newFilterSet(f.ProviderIDs)

	acc := newAccumulator()
	unfiltered := userFilter == nil && modelFilter == nil && providerFilter == nil

	for _, day := range days {
		if day == nil {
			continue
		}
		modelScope := modelsInScope(day, modelFilter, providerFilter)
		if unfiltered {
			// Raw day totals include records that failed enrichment, so an
			// unfiltered range sums exactly to the upstream feed.
			acc.add(day.Raw.Metrics)
			for id := range day.Users {
				acc.seeUser(id)
			}
			continue
		}
		for id, user := range day.Users {
			if !userFilter.matches(id) {
				continue
			}
			matched := false
			for model, metrics := range user.Models {
				if !modelScope.matches(model) {
					continue
				}
				acc.add(metrics)
				matched = true
			}
			if matched {
				acc.seeUser(id)
			}
		}
	}
	return acc.totals()
}

type keyScopedStrategy struct{}

func (keyScopedStrategy) name() string { return "key_scoped" }

func (keyScopedStrategy) totals(days []*DayData, f Filters) Totals {
	userFilter := newFilterSet(f.UserIDs)
	modelFilter := newFilterSet(f.ModelIDs)
	providerFilter := newFilterSet(f.ProviderIDs)
	keyFilter := newFilterSet(f.APIKeyIDs)

	acc := newAccumulator()
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
			acc.add(entry.Metrics)
			acc.seeUser(entry.User.UserID.String())
		}
	}
	return acc.totals()
}

// modelsInScope folds the provider filter into a model filter using the day's
// raw breakdown, so downstream loops only ever test model membership. Returns
// nil when neither dimension is constrained.
func modelsInScope(day *DayData, modelFilter, providerFilter filterSet) filterSet {
	if providerFilter == nil {
		return modelFilter
	}
	scope := make(filterSet)
	for model, usage := range day.Raw.Breakdown.Models {
		if modelFilter != nil && !modelFilter.matches(model) {
			continue
		}
		for provider := range usage.Providers {
			if providerFilter.matches(provider) {
				scope[model] = struct{}{}
				break
			}
		}
	}
	return scope
}
