package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

// Show prints the most recent validated facts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show facts")
	}
	defer closeStore()

	facts, err := store.ListRecentFacts(ctx, opts.Limit, opts.IncludeFlagged)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Fprintln(os.Stdout, "no facts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tPair\tRate\tInverse\tSource\tTier\tSources\tVariance%\tStatus")

	for _, fact := range facts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			model.DayKey(fact.RateDate),
			fact.Pair(),
			formatDecimal(fact.Rate, 6),
			formatDecimal(fact.InverseRate, 6),
			fact.SourceUsed,
			fact.SourceTier,
			fact.SourceCount,
			formatDecimal(fact.ConsensusVariance, 4),
			fact.ValidationStatus,
		)
	}

	writer.Flush()
	return nil
}

// Audit prints the flagged-consensus anomaly feed.
func (a *App) Audit(ctx context.Context, opts AuditOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot audit")
	}
	defer closeStore()

	results, err := store.ListFlaggedConsensus(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stdout, "no flagged keys found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tTarget\tConsensus\tSources\tDeviations")

	for _, cr := range results {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\n",
			model.DayKey(cr.RateDate),
			cr.TargetCurrency,
			formatDecimal(cr.ConsensusRate, 6),
			cr.SourceCount,
			formatDeviations(cr.Deviations),
		)
	}

	writer.Flush()
	return nil
}

// Quota prints per-source usage for the current cycles.
func (a *App) Quota(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot report quotas")
	}
	defer closeStore()

	tracker := a.newTracker(store)
	if tracker == nil {
		return errors.New("quota tracking is disabled; enable quota.enabled")
	}

	statuses, err := tracker.Statuses(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(os.Stdout, "no quota cycles recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Source\tUsed\tLimit\tThrottled\tCycle Start\tExpires")

	for _, st := range statuses {
		limit := "unlimited"
		if st.Limit > 0 {
			limit = fmt.Sprintf("%d", st.Limit)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%t\t%s\t%s\n",
			st.SourceID,
			st.Used,
			limit,
			st.Throttled,
			model.DayKey(st.CycleStart),
			model.DayKey(st.ExpiresAt),
		)
	}

	writer.Flush()
	return nil
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.Round(places).String()
}

func formatDeviations(deviations []model.SourceDeviation) string {
	parts := make([]string, 0, len(deviations))
	for _, dev := range deviations {
		parts = append(parts, fmt.Sprintf("%s=%s%%", dev.SourceID, formatDecimal(dev.DeviationPct, 3)))
	}
	return strings.Join(parts, " ")
}
