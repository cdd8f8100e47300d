package usage

// FilterSet holds the optional aggregation filters. Any subset may be active
// simultaneously; aggregation honors the full cross-product of active
// filters.
type FilterSet struct {
	UserIDs    []string `json:"user_ids,omitempty"`
	Models     []string `json:"models,omitempty"`
	Providers  []string `json:"providers,omitempty"`
	KeyAliases []string `json:"key_aliases,omitempty"`
}

// IsZero reports whether no filter dimension is active.
func (f FilterSet) IsZero() bool {
	return len(f.UserIDs) == 0 && len(f.Models) == 0 && len(f.Providers) == 0 && len(f.KeyAliases) == 0
}

// Matcher is a FilterSet compiled into constant-time membership checks.
type Matcher struct {
	users     map[string]struct{}
	models    map[string]struct{}
	providers map[string]struct{}
	keys      map[string]struct{}
}

// NewMatcher compiles the filter set.
func NewMatcher(f FilterSet) Matcher {
	return Matcher{
		users:     toSet(f.UserIDs),
		models:    toSet(f.Models),
		providers: toSet(f.Providers),
		keys:      toSet(f.KeyAliases),
	}
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

// UserMatches reports whether the user survives the filter.
func (ix Matcher) UserMatches(userID string) bool {
	if ix.users == nil {
		return true
	}
	_, ok := ix.users[userID]
	return ok
}

// ModelMatches applies both the model and the derived-provider filters.
func (ix Matcher) ModelMatches(model string) bool {
	if ix.models != nil {
		if _, ok := ix.models[model]; !ok {
			return false
		}
	}
	if ix.providers != nil {
		if _, ok := ix.providers[ProviderForModel(model)]; !ok {
			return false
		}
	}
	return true
}

// KeyMatches reports whether the api-key alias survives the filter.
func (ix Matcher) KeyMatches(alias string) bool {
	if ix.keys == nil {
		return true
	}
	_, ok := ix.keys[alias]
	return ok
}

// UserAggregate is one row of the per-user breakdown.
type UserAggregate struct {
	UserIdentity
	Counters
	LastActive string `json:"last_active,omitempty"`
}

// Aggregate is the per-query result of folding enriched days through the
// active filter set. Ephemeral; never persisted.
type Aggregate struct {
	Totals      Counters            `json:"totals"`
	SuccessRate float64             `json:"success_rate"`
	ByUser      map[string]*UserAggregate `json:"by_user"`
	ByModel     map[string]Counters `json:"by_model"`
	ByProvider  map[string]Counters `json:"by_provider"`
}

// AggregateDays merges enriched day records honoring the filter set. Every
// figure is computed by summing only the data surviving the filters; the
// global totals reuse whichever path produced the breakdown rows, so total
// and breakdown sums cannot drift.
func AggregateDays(days []EnrichedDay, filters FilterSet) Aggregate {
	agg := Aggregate{
		ByUser:     make(map[string]*UserAggregate),
		ByModel:    make(map[string]Counters),
		ByProvider: make(map[string]Counters),
	}
	ix := NewMatcher(filters)

	switch {
	case filters.IsZero():
		for i := range days {
			aggregateUnfiltered(&agg, &days[i])
		}
	case ix.keys == nil:
		for i := range days {
			aggregateByUserModel(&agg, &days[i], ix, false)
		}
	default:
		// API-key level data only exists under the user→model nesting,
		// so a key filter forces the deep path regardless of the other
		// active filters.
		for i := range days {
			aggregateByUserModel(&agg, &days[i], ix, true)
		}
	}

	agg.SuccessRate = successRate(agg.Totals)
	return agg
}

// aggregateUnfiltered sums straight from the per-model breakdown, the source
// of truth for global success/failure totals, and takes the per-user view
// from the already-consistent users map.
func aggregateUnfiltered(agg *Aggregate, day *EnrichedDay) {
	for model, mb := range day.Models {
		agg.Totals.Add(mb.Counters)
		total := agg.ByModel[model]
		total.Add(mb.Counters)
		agg.ByModel[model] = total
	}
	for provider, c := range day.Providers {
		total := agg.ByProvider[provider]
		total.Add(c)
		agg.ByProvider[provider] = total
	}
	for userID, ub := range day.Users {
		row := ensureUserRow(agg, userID, ub.UserIdentity)
		row.Counters.Add(ub.Counters)
		touchLastActive(row, day.Date, ub.APIRequests)
	}
}

// aggregateByUserModel walks users→models (descending to api keys when
// deep is set) and feeds totals and every breakdown from the same surviving
// contributions.
func aggregateByUserModel(agg *Aggregate, day *EnrichedDay, ix Matcher, deep bool) {
	for userID, ub := range day.Users {
		if !ix.UserMatches(userID) {
			continue
		}
		for model, umb := range ub.Models {
			if !ix.ModelMatches(model) {
				continue
			}
			contribution := umb.Counters
			if deep {
				contribution = Counters{}
				for alias, c := range umb.APIKeys {
					if ix.KeyMatches(alias) {
						contribution.Add(c)
					}
				}
			}
			if contribution.IsZero() {
				continue
			}

			agg.Totals.Add(contribution)

			row := ensureUserRow(agg, userID, ub.UserIdentity)
			row.Counters.Add(contribution)
			touchLastActive(row, day.Date, contribution.APIRequests)

			modelTotal := agg.ByModel[model]
			modelTotal.Add(contribution)
			agg.ByModel[model] = modelTotal

			provider := ProviderForModel(model)
			providerTotal := agg.ByProvider[provider]
			providerTotal.Add(contribution)
			agg.ByProvider[provider] = providerTotal
		}
	}
}

func ensureUserRow(agg *Aggregate, userID string, identity UserIdentity) *UserAggregate {
	row, ok := agg.ByUser[userID]
	if !ok {
		row = &UserAggregate{UserIdentity: identity}
		agg.ByUser[userID] = row
	}
	return row
}

// touchLastActive tracks the most recent day with requests explicitly; the
// merge itself is order-independent.
func touchLastActive(row *UserAggregate, date string, requests int64) {
	if requests <= 0 {
		return
	}
	if date > row.LastActive {
		row.LastActive = date
	}
}

func successRate(c Counters) float64 {
	if c.APIRequests == 0 {
		return 0
	}
	return float64(c.SuccessfulRequests) / float64(c.APIRequests) * 100
}
