// Package analytics derives read-only metrics from the coalesced fact stream.
// It never writes back into the pipeline tables.
package analytics

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Volatility computes the standard deviation of day-over-day percentage
// changes for one pair's fact series. Returns false when fewer than two
// consecutive changes exist.
//
// The daily changes are computed in decimal; decimal has no square root, so
// the stddev itself runs in float64. This is a descriptive metric, not a rate
// that feeds back into the pipeline.
func Volatility(facts []model.ValidatedFact) (decimal.Decimal, bool) {
	series := make([]model.ValidatedFact, len(facts))
	copy(series, facts)
	sort.Slice(series, func(i, j int) bool { return series[i].RateDate.Before(series[j].RateDate) })

	changes := make([]float64, 0, len(series))
	for i := 1; i < len(series); i++ {
		prev := series[i-1].Rate
		if !prev.IsPositive() {
			continue
		}
		change := series[i].Rate.Sub(prev).Div(prev).Mul(hundred)
		changes = append(changes, change.InexactFloat64())
	}
	if len(changes) < 2 {
		return decimal.Zero, false
	}

	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	variance := 0.0
	for _, c := range changes {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(len(changes) - 1)

	return decimal.NewFromFloat(math.Sqrt(variance)), true
}

// CrossRate derives the rate between two targets quoted against the same base:
// rate(a.target -> b.target) = b.rate / a.rate.
func CrossRate(a, b model.ValidatedFact) (decimal.Decimal, error) {
	if a.BaseCurrency != b.BaseCurrency {
		return decimal.Zero, fmt.Errorf("cross rate requires a shared base: %s vs %s", a.BaseCurrency, b.BaseCurrency)
	}
	if model.DayKey(a.RateDate) != model.DayKey(b.RateDate) {
		return decimal.Zero, fmt.Errorf("cross rate requires matching dates: %s vs %s", model.DayKey(a.RateDate), model.DayKey(b.RateDate))
	}
	if !a.Rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive rate for %s", a.Pair())
	}
	return b.Rate.Div(a.Rate), nil
}

// DayCoverage summarises one rate date of the fact stream.
type DayCoverage struct {
	Date           string
	Keys           int
	Flagged        int
	SingleSource   int
	FullConsensus  int // keys confirmed by every expected source
	AvgSourceCount decimal.Decimal
}

// Coverage aggregates per-date coverage of the fact stream against the number
// of sources expected to report. Output ascends by date.
func Coverage(facts []model.ValidatedFact, expectedSources int) []DayCoverage {
	byDate := make(map[string][]model.ValidatedFact)
	for _, fact := range facts {
		key := model.DayKey(fact.RateDate)
		byDate[key] = append(byDate[key], fact)
	}

	out := make([]DayCoverage, 0, len(byDate))
	for date, group := range byDate {
		cov := DayCoverage{Date: date, Keys: len(group)}
		total := 0
		for _, fact := range group {
			total += fact.SourceCount
			if fact.ValidationStatus == model.ValidationFlagged {
				cov.Flagged++
			}
			if fact.SourceCount == 1 {
				cov.SingleSource++
			}
			if expectedSources > 0 && fact.SourceCount >= expectedSources {
				cov.FullConsensus++
			}
		}
		if len(group) > 0 {
			cov.AvgSourceCount = decimal.NewFromInt(int64(total)).Div(decimal.NewFromInt(int64(len(group))))
		}
		out = append(out, cov)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
