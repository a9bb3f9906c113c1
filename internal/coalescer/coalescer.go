package coalescer

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/consensus"
	"github.com/ManosCoffee/makerates/internal/model"
)

// Options hold the runtime priority order and the deviation gate. The priority
// list is configuration, not code: new sources slot in without touching the
// selection algorithm.
type Options struct {
	// Priority lists source ids from most to least trusted.
	Priority []string
	// ThresholdPct disqualifies a source whose own deviation exceeds it, unless
	// every contributing source is disqualified.
	ThresholdPct decimal.Decimal
}

// Coalesce selects exactly one validated fact per (rate_date, target_currency)
// key. The first source in priority order that reported the key and did not
// itself deviate beyond threshold wins; the fact still inherits the key's
// overall status and variance so a disagreement elsewhere stays visible.
//
// Flagged keys are produced, not suppressed. Consumers filter on
// validation_status; auditors read everything.
func Coalesce(rebased []model.Observation, results []model.ConsensusResult, opts Options) []model.ValidatedFact {
	type pairKey struct {
		date   string
		target string
	}

	byKey := make(map[pairKey][]model.Observation)
	for _, obs := range rebased {
		key := pairKey{date: model.DayKey(obs.RateDate), target: obs.TargetCurrency}
		byKey[key] = append(byKey[key], obs)
	}

	summary := make(map[pairKey]model.ConsensusResult, len(results))
	for _, cr := range results {
		summary[pairKey{date: model.DayKey(cr.RateDate), target: cr.TargetCurrency}] = cr
	}

	facts := make([]model.ValidatedFact, 0, len(byKey))
	for key, group := range byKey {
		cr, hasSummary := summary[key]

		ordered := orderByPriority(group, opts.Priority)
		chosen := ordered[0]
		if hasSummary {
			for _, obs := range ordered {
				dev, contributed := consensus.DeviationFor(cr, obs.SourceID)
				if contributed && dev.LessThanOrEqual(opts.ThresholdPct) {
					chosen = obs
					break
				}
			}
		}

		fact := model.ValidatedFact{
			RateDate:         chosen.RateDate,
			BaseCurrency:     chosen.BaseCurrency,
			TargetCurrency:   chosen.TargetCurrency,
			Rate:             chosen.Rate,
			InverseRate:      chosen.InverseRate,
			SourceUsed:       chosen.SourceID,
			SourceTier:       chosen.SourceTier,
			ExtractionID:     chosen.ExtractionID,
			ExtractedAt:      chosen.ExtractedAt,
			ValidationStatus: model.ValidationValidated,
			SourceCount:      len(group),
		}
		if hasSummary {
			fact.SourceCount = cr.SourceCount
			fact.ConsensusVariance = cr.MaxDeviationPct()
			if cr.Status == model.ConsensusFlagged {
				fact.ValidationStatus = model.ValidationFlagged
			}
		}
		facts = append(facts, fact)
	}

	sort.Slice(facts, func(i, j int) bool {
		a, b := facts[i], facts[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		return a.TargetCurrency < b.TargetCurrency
	})
	return facts
}

// orderByPriority sorts a key's observations by the configured priority list.
// Sources missing from the list rank after listed ones, ordered by their own
// priority ordinal and then id for determinism.
func orderByPriority(group []model.Observation, priority []string) []model.Observation {
	rank := make(map[string]int, len(priority))
	for i, id := range priority {
		rank[id] = i
	}

	ordered := make([]model.Observation, len(group))
	copy(ordered, group)
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		ra, aListed := rank[a.SourceID]
		rb, bListed := rank[b.SourceID]
		switch {
		case aListed && bListed:
			return ra < rb
		case aListed != bListed:
			return aListed
		case a.SourcePriority != b.SourcePriority:
			return a.SourcePriority < b.SourcePriority
		default:
			return a.SourceID < b.SourceID
		}
	})
	return ordered
}
