package consensus

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Options are explicit inputs; the reconciler reads no ambient state.
type Options struct {
	// CommonBase is the currency every source is rebased to before comparison.
	CommonBase string
	// ThresholdPct flags a key when any source deviates beyond this percentage.
	ThresholdPct decimal.Decimal
}

// Result is the full reconciliation outcome for one batch of observations.
type Result struct {
	Results []model.ConsensusResult
	// Rebased holds every observation expressed in the common base, with
	// lineage intact. The coalescer selects facts from this set.
	Rebased []model.Observation
	// ExcludedSourceDates counts (source, date) groups dropped because the
	// source did not report the common base itself, making rebasing impossible.
	ExcludedSourceDates int
}

// Reconcile cross-validates observations from all sources. It is a
// deterministic pure function of its inputs: same observations, same options,
// same output.
func Reconcile(observations []model.Observation, opts Options) Result {
	var res Result
	res.Rebased, res.ExcludedSourceDates = rebase(observations, opts.CommonBase)

	type pairKey struct {
		date   string
		target string
	}
	groups := make(map[pairKey][]model.Observation)
	for _, obs := range res.Rebased {
		key := pairKey{date: model.DayKey(obs.RateDate), target: obs.TargetCurrency}
		groups[key] = append(groups[key], obs)
	}

	res.Results = make([]model.ConsensusResult, 0, len(groups))
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].SourceID < group[j].SourceID })

		rates := make([]decimal.Decimal, len(group))
		for i, obs := range group {
			rates[i] = obs.Rate
		}
		consensusRate := median(rates)

		cr := model.ConsensusResult{
			RateDate:       group[0].RateDate,
			BaseCurrency:   opts.CommonBase,
			TargetCurrency: group[0].TargetCurrency,
			ConsensusRate:  consensusRate,
			SourceCount:    len(group),
			Status:         model.ConsensusOK,
		}

		for _, obs := range group {
			dev := deviationPct(obs.Rate, consensusRate)
			cr.Deviations = append(cr.Deviations, model.SourceDeviation{
				SourceID:     obs.SourceID,
				Rate:         obs.Rate,
				DeviationPct: dev,
			})
			if dev.GreaterThan(opts.ThresholdPct) {
				cr.Status = model.ConsensusFlagged
			}
		}

		res.Results = append(res.Results, cr)
	}

	sort.Slice(res.Results, func(i, j int) bool {
		a, b := res.Results[i], res.Results[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		return a.TargetCurrency < b.TargetCurrency
	})
	return res
}

// DeviationFor returns the deviation recorded for one source, if it contributed.
func DeviationFor(cr model.ConsensusResult, sourceID string) (decimal.Decimal, bool) {
	for _, d := range cr.Deviations {
		if d.SourceID == sourceID {
			return d.DeviationPct, true
		}
	}
	return decimal.Zero, false
}

// rebase converts every source's observations to the common base. A source
// already reporting in the common base passes through unchanged. Any other
// source must report the common base among its targets on the same date; the
// cross rate then divides out:
//
//	rate(common->target) = rate(base->target) / rate(base->common)
//
// Source-dates without that cross rate are excluded entirely.
func rebase(observations []model.Observation, commonBase string) ([]model.Observation, int) {
	type srcDate struct {
		source string
		date   string
	}
	groups := make(map[srcDate][]model.Observation)
	order := make([]srcDate, 0)
	for _, obs := range observations {
		key := srcDate{source: obs.SourceID, date: model.DayKey(obs.RateDate)}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], obs)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].date != order[j].date {
			return order[i].date < order[j].date
		}
		return order[i].source < order[j].source
	})

	rebased := make([]model.Observation, 0, len(observations))
	excluded := 0

	for _, key := range order {
		group := groups[key]
		if group[0].BaseCurrency == commonBase {
			for _, obs := range group {
				if obs.TargetCurrency == commonBase {
					continue
				}
				rebased = append(rebased, obs)
			}
			continue
		}

		cross, ok := findRate(group, commonBase)
		if !ok || !cross.IsPositive() {
			excluded++
			continue
		}

		for _, obs := range group {
			if obs.TargetCurrency == commonBase {
				// Folded into the rebased quote for the source's own base below.
				continue
			}
			converted := obs
			converted.BaseCurrency = commonBase
			converted.Rate = obs.Rate.Div(cross)
			converted.InverseRate = cross.Div(obs.Rate)
			rebased = append(rebased, converted)
		}

		// The source's own base becomes an ordinary target under the common base.
		own := group[0]
		own.TargetCurrency = group[0].BaseCurrency
		own.BaseCurrency = commonBase
		own.Rate = one.Div(cross)
		own.InverseRate = cross
		rebased = append(rebased, own)
	}

	return rebased, excluded
}

func findRate(group []model.Observation, target string) (decimal.Decimal, bool) {
	for _, obs := range group {
		if obs.TargetCurrency == target {
			return obs.Rate, true
		}
	}
	return decimal.Zero, false
}

// median returns the middle observation for an odd count and the midpoint of
// the two central values for an even count. No rounding is applied.
func median(rates []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two)
}

func deviationPct(rate, consensusRate decimal.Decimal) decimal.Decimal {
	return rate.Sub(consensusRate).Abs().Div(consensusRate).Mul(hundred)
}
