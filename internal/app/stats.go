package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/analytics"
	"github.com/ManosCoffee/makerates/internal/model"
)

// Stats reports derived analytics over the fact stream: per-day coverage, and
// when a pair is given, its volatility plus an optional cross rate against a
// second target quoted under the same base.
func (a *App) Stats(ctx context.Context, opts StatsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot compute stats")
	}
	defer closeStore()

	facts, err := store.ListRecentFacts(ctx, opts.Limit, true)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Fprintln(os.Stdout, "no facts found")
		return nil
	}

	days := analytics.Coverage(facts, len(a.Config.EnabledSources()))

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tKeys\tFlagged\tSingle-Source\tFull-Consensus\tAvg Sources")
	for _, day := range days {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%d\t%s\n",
			day.Date,
			day.Keys,
			day.Flagged,
			day.SingleSource,
			day.FullConsensus,
			formatDecimal(day.AvgSourceCount, 2),
		)
	}
	writer.Flush()

	if opts.Base == "" || opts.Target == "" {
		return nil
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, 0, -opts.WindowDays)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	pair, err := store.ListPairFacts(ctx, opts.Base, opts.Target, from, to)
	if err != nil {
		return err
	}
	if len(pair) == 0 {
		fmt.Fprintf(os.Stdout, "no validated facts for %s/%s in window\n", opts.Base, opts.Target)
		return nil
	}

	if vol, ok := analytics.Volatility(pair); ok {
		fmt.Fprintf(os.Stdout, "%s/%s volatility over %d facts: %s%% (stddev of daily changes)\n",
			opts.Base, opts.Target, len(pair), formatDecimal(vol, 4))
	} else {
		fmt.Fprintf(os.Stdout, "%s/%s: not enough facts in window for volatility\n", opts.Base, opts.Target)
	}

	if opts.Cross != "" {
		other, err := store.ListPairFacts(ctx, opts.Base, opts.Cross, from, to)
		if err != nil {
			return err
		}
		rate, left, right, err := latestCrossRate(pair, other)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s/%s cross rate: %s (as of %s, via %s and %s)\n",
			opts.Target, opts.Cross, formatDecimal(rate, 6),
			model.DayKey(left.RateDate), left.Pair(), right.Pair())
	}
	return nil
}

// latestCrossRate derives the cross rate from the newest rate date both fact
// series cover. Input order does not matter.
func latestCrossRate(a, b []model.ValidatedFact) (decimal.Decimal, model.ValidatedFact, model.ValidatedFact, error) {
	byDate := make(map[string]model.ValidatedFact, len(b))
	for _, fact := range b {
		byDate[model.DayKey(fact.RateDate)] = fact
	}

	var (
		left, right model.ValidatedFact
		found       bool
	)
	for _, fact := range a {
		other, ok := byDate[model.DayKey(fact.RateDate)]
		if !ok {
			continue
		}
		if !found || fact.RateDate.After(left.RateDate) {
			left, right, found = fact, other, true
		}
	}
	if !found {
		return decimal.Zero, model.ValidatedFact{}, model.ValidatedFact{}, errors.New("no shared rate date between the two pairs")
	}

	rate, err := analytics.CrossRate(left, right)
	if err != nil {
		return decimal.Zero, model.ValidatedFact{}, model.ValidatedFact{}, err
	}
	return rate, left, right, nil
}
