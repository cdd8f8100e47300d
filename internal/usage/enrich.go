package usage

import (
	"errors"
	"strings"
)

// ErrMalformedRaw marks raw day records the enrichment pass cannot process.
var ErrMalformedRaw = errors.New("malformed raw day record")

// attributionOutcome classifies a single key-hash entry during enrichment.
type attributionOutcome int

const (
	// outcomeSkipped: blank key hash. Failed auth attempts and health
	// checks with no real caller; excluded from all breakdowns and
	// subtracted from the model and day totals.
	outcomeSkipped attributionOutcome = iota
	// outcomeAttributed: hash resolved against the key directory.
	outcomeAttributed
	// outcomeUnmapped: non-empty hash with no directory match; attributed
	// to the Unknown User sentinel, keyed by the raw hash.
	outcomeUnmapped
)

func classifyKey(hash string, directory map[string]KeyOwner) (attributionOutcome, KeyOwner) {
	if strings.TrimSpace(hash) == "" {
		return outcomeSkipped, KeyOwner{}
	}
	if owner, ok := directory[hash]; ok {
		return outcomeAttributed, owner
	}
	return outcomeUnmapped, KeyOwner{KeyHash: hash, KeyAlias: hash, UserIdentity: UnknownUser()}
}

// BuildKeyDirectory indexes key owners by stable hash. Matching on the hash,
// never the mutable alias, keeps historical attribution stable across key
// renames.
func BuildKeyDirectory(owners []KeyOwner) map[string]KeyOwner {
	directory := make(map[string]KeyOwner, len(owners))
	for _, owner := range owners {
		if owner.KeyHash == "" {
			continue
		}
		directory[owner.KeyHash] = owner
	}
	return directory
}

// enrichAccumulator threads the enrichment state through a single pass over
// one raw day. Never shared across concurrent enrichments.
type enrichAccumulator struct {
	day            *EnrichedDay
	skippedTotal   Counters
	skippedByModel map[string]Counters
}

// attribute applies one key-hash entry to every view in a single call so the
// model and user directions cannot drift apart: the user's global counters,
// the user's per-model counters, the model's per-user breakdown, and the
// user-model's per-key breakdown.
func (acc *enrichAccumulator) attribute(model string, owner KeyOwner, c Counters) {
	mb := acc.day.Models[model]

	if mb.Users == nil {
		mb.Users = make(map[string]Counters)
	}
	userTotal := mb.Users[owner.UserID]
	userTotal.Add(c)
	mb.Users[owner.UserID] = userTotal

	ub, ok := acc.day.Users[owner.UserID]
	if !ok {
		ub = &UserBreakdown{
			UserIdentity: owner.UserIdentity,
			Models:       make(map[string]*UserModelBreakdown),
		}
		acc.day.Users[owner.UserID] = ub
	}
	ub.Counters.Add(c)

	umb, ok := ub.Models[model]
	if !ok {
		umb = &UserModelBreakdown{APIKeys: make(map[string]Counters)}
		ub.Models[model] = umb
	}
	umb.Counters.Add(c)

	keyTotal := umb.APIKeys[owner.KeyAlias]
	keyTotal.Add(c)
	umb.APIKeys[owner.KeyAlias] = keyTotal
}

func (acc *enrichAccumulator) skip(model string, c Counters) {
	acc.skippedTotal.Add(c)
	perModel := acc.skippedByModel[model]
	perModel.Add(c)
	acc.skippedByModel[model] = perModel
}

// Enrich resolves every key hash in raw against the directory and produces
// the attributed day record with its three consistent views.
func Enrich(raw RawDay, directory map[string]KeyOwner) (EnrichedDay, error) {
	if raw.Date == "" {
		return EnrichedDay{}, ErrMalformedRaw
	}

	day := EnrichedDay{
		Date:      raw.Date,
		Totals:    raw.Totals,
		Models:    make(map[string]*ModelBreakdown, len(raw.Models)),
		Users:     make(map[string]*UserBreakdown),
		Providers: make(map[string]Counters),
	}
	acc := &enrichAccumulator{
		day:            &day,
		skippedByModel: make(map[string]Counters),
	}

	for model, rawModel := range raw.Models {
		day.Models[model] = &ModelBreakdown{
			Counters: rawModel.Counters,
			Users:    make(map[string]Counters),
		}
		for hash, keyCounters := range rawModel.APIKeys {
			outcome, owner := classifyKey(hash, directory)
			switch outcome {
			case outcomeSkipped:
				acc.skip(model, keyCounters)
			default:
				acc.attribute(model, owner, keyCounters)
			}
		}
	}

	// Skip-adjustment: remove the caller-less traffic from the model and
	// day totals. It was never attributed to any user above.
	for model, skipped := range acc.skippedByModel {
		day.Models[model].Counters.Subtract(skipped)
	}
	day.Totals.Subtract(acc.skippedTotal)

	// The upstream top-level success/failure split is unreliable; recompute
	// it from the finalized per-model figures.
	var successful, failed int64
	for _, mb := range day.Models {
		successful += mb.SuccessfulRequests
		failed += mb.FailedRequests
	}
	day.Totals.SuccessfulRequests = successful
	day.Totals.FailedRequests = failed

	pruneEmpty(&day)

	for model, mb := range day.Models {
		provider := ProviderForModel(model)
		total := day.Providers[provider]
		total.Add(mb.Counters)
		day.Providers[provider] = total
	}

	return day, nil
}

// pruneEmpty drops models and users whose request count fell to exactly zero
// after skip-adjustment, cascading the removal into the reverse-direction
// maps so the cross-consistency invariant holds.
func pruneEmpty(day *EnrichedDay) {
	for model, mb := range day.Models {
		if mb.APIRequests != 0 {
			continue
		}
		delete(day.Models, model)
		for _, ub := range day.Users {
			delete(ub.Models, model)
		}
	}
	for userID, ub := range day.Users {
		if ub.APIRequests != 0 {
			continue
		}
		delete(day.Users, userID)
		for _, mb := range day.Models {
			delete(mb.Users, userID)
		}
	}
}
