package normalizer

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

var one = decimal.NewFromInt(1)

// Options tune normalization behaviour.
type Options struct {
	// KeepSelfRates retains degenerate base/base entries for cross-rate math.
	KeepSelfRates bool
}

// Result carries the exploded observations plus drop accounting. Dropped rows
// are data-quality counters, never errors.
type Result struct {
	Observations []model.Observation
	// DroppedInvalid counts entries discarded for a non-positive rate or an
	// unusable currency code.
	DroppedInvalid int
	// DroppedSelf counts base/base entries discarded unless KeepSelfRates is set.
	DroppedSelf int
	// DroppedDuplicate counts within-batch duplicates resolved by extraction recency.
	DroppedDuplicate int
}

// Normalize explodes canonical rows into one observation per target currency.
// Output is purely derived: normalizing the same rows again yields the same
// observations in the same order.
func Normalize(rows []model.CanonicalRow, opts Options) Result {
	type obsKey struct {
		date   string
		source string
		base   string
		target string
	}

	var res Result
	kept := make(map[obsKey]model.Observation, len(rows))

	for _, row := range rows {
		base := normalizeCode(row.BaseCurrency)
		for rawTarget, rate := range row.Rates {
			target := normalizeCode(rawTarget)
			if base == "" || target == "" || !rate.IsPositive() {
				res.DroppedInvalid++
				continue
			}
			if target == base && !opts.KeepSelfRates {
				res.DroppedSelf++
				continue
			}

			key := obsKey{date: model.DayKey(row.RateDate), source: row.SourceID, base: base, target: target}
			if existing, ok := kept[key]; ok {
				res.DroppedDuplicate++
				if !row.ExtractedAt.After(existing.ExtractedAt) {
					continue
				}
			}

			kept[key] = model.Observation{
				RateDate:       row.RateDate,
				SourceID:       row.SourceID,
				SourceTier:     row.SourceTier,
				SourcePriority: row.SourcePriority,
				BaseCurrency:   base,
				TargetCurrency: target,
				Rate:           rate,
				InverseRate:    one.Div(rate),
				ExtractionID:   row.ExtractionID,
				ExtractedAt:    row.ExtractedAt,
			}
		}
	}

	res.Observations = make([]model.Observation, 0, len(kept))
	for _, obs := range kept {
		res.Observations = append(res.Observations, obs)
	}
	sort.Slice(res.Observations, func(i, j int) bool {
		a, b := res.Observations[i], res.Observations[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		if a.BaseCurrency != b.BaseCurrency {
			return a.BaseCurrency < b.BaseCurrency
		}
		return a.TargetCurrency < b.TargetCurrency
	})
	return res
}

func normalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return ""
	}
	return code
}
