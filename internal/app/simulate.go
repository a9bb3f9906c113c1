package app

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
	"github.com/ManosCoffee/makerates/internal/pipeline"
)

// Simulate rehearses the full pipeline without touching the database: raw
// snapshots in, validated facts out, everything in memory. Snapshots come from
// a bronze JSONL file when --file is given, otherwise from a deterministic
// fixture generator that includes duplicates, a late arrival, and one
// deliberately wrong source.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	var snapshots []model.Snapshot
	if opts.Path != "" {
		loaded, _, err := a.readBronzeFile(opts.Path)
		if err != nil {
			return err
		}
		snapshots = loaded
	} else {
		days := opts.Days
		if days <= 0 {
			days = 3
		}
		snapshots = a.fixtureSnapshots(days)
	}

	outcome := pipeline.Evaluate(snapshots, pipeline.OptionsFromConfig(a.Config))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tPair\tRate\tSource\tSources\tVariance%\tStatus")
	for _, fact := range outcome.Facts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			model.DayKey(fact.RateDate),
			fact.Pair(),
			formatDecimal(fact.Rate, 6),
			fact.SourceUsed,
			fact.SourceCount,
			formatDecimal(fact.ConsensusVariance, 4),
			fact.ValidationStatus,
		)
	}
	writer.Flush()

	a.Logger.Info().
		Int("snapshots", outcome.Summary.Snapshots).
		Int("canonical_rows", outcome.Summary.CanonicalRows).
		Int("observations", outcome.Summary.Observations).
		Int("dropped_invalid", outcome.Summary.DroppedInvalid).
		Int("consensus_keys", outcome.Summary.ConsensusKeys).
		Int("flagged_keys", outcome.Summary.FlaggedKeys).
		Int("facts", outcome.Summary.Facts).
		Msg("simulation complete")
	return nil
}

// fixtureSnapshots builds a small but realistic batch: every enabled source
// reports each day, one source repeats an extraction (retry), one snapshot
// arrives a day late, and the lowest-priority source drifts 2% off on the
// final day so the flagging path is exercised.
func (a *App) fixtureSnapshots(days int) []model.Snapshot {
	sources := a.Config.EnabledSources()
	targets := []string{"EUR", "GBP", "JPY", "CHF"}
	baseRates := map[string]float64{"EUR": 0.92, "GBP": 0.79, "JPY": 149.50, "CHF": 0.88}

	rng := rand.New(rand.NewSource(42))
	today := time.Now().UTC().Truncate(24 * time.Hour)
	snapshots := make([]model.Snapshot, 0, days*len(sources))

	for day := 0; day < days; day++ {
		rateDate := today.AddDate(0, 0, -day)
		for si, src := range sources {
			rates := make(map[string]decimal.Decimal, len(targets))
			for _, target := range targets {
				jitter := 1 + (rng.Float64()-0.5)*0.002
				rate := baseRates[target] * jitter
				if day == 0 && si == len(sources)-1 {
					rate *= 1.02
				}
				rates[target] = decimal.NewFromFloat(rate)
			}

			extractedAt := rateDate.Add(18 * time.Hour)
			if day == 1 && si == 0 {
				// late arrival: extracted the following day
				extractedAt = rateDate.AddDate(0, 0, 1).Add(6 * time.Hour)
			}

			snapshots = append(snapshots, model.Snapshot{
				ExtractionID:   fmt.Sprintf("%s_%s_%s", src.ID, model.DayKey(rateDate), uuid.NewString()),
				ExtractedAt:    extractedAt,
				SourceID:       src.ID,
				SourceTier:     src.Tier,
				SourcePriority: src.Priority,
				BaseCurrency:   src.BaseCurrency,
				RateDate:       rateDate,
				Rates:          rates,
				HTTPStatus:     200,
			})

			if day == 0 && si == 0 {
				retry := snapshots[len(snapshots)-1]
				retry.ExtractionID = fmt.Sprintf("%s_%s_%s", src.ID, model.DayKey(rateDate), uuid.NewString())
				retry.ExtractedAt = retry.ExtractedAt.Add(30 * time.Minute)
				snapshots = append(snapshots, retry)
			}
		}
	}
	return snapshots
}
