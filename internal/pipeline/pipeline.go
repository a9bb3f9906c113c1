// Package pipeline drives one reconciliation run: compact raw snapshots,
// normalize, reconcile consensus, and coalesce validated facts, strictly in
// that order. Each run is a stateless batch over one date range.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/coalescer"
	"github.com/ManosCoffee/makerates/internal/compactor"
	"github.com/ManosCoffee/makerates/internal/config"
	"github.com/ManosCoffee/makerates/internal/consensus"
	"github.com/ManosCoffee/makerates/internal/logging"
	"github.com/ManosCoffee/makerates/internal/model"
	"github.com/ManosCoffee/makerates/internal/normalizer"
	"github.com/ManosCoffee/makerates/internal/storage"
)

// Storage is the persistence contract one run needs. The pgx Store satisfies
// it; tests plug in an in-memory fake.
type Storage interface {
	storage.SnapshotStore
	storage.CanonicalStore
	storage.DerivedStore
	MaxFactDate(ctx context.Context) (time.Time, bool, error)
}

// Options are the explicit knobs of a run; nothing is read from globals.
type Options struct {
	CommonBase    string
	ThresholdPct  decimal.Decimal
	LookbackDays  int
	KeepSelfRates bool
	// Sources included this run, ordered by ascending priority. Quota-excluded
	// sources are simply absent; their gaps surface as reduced source_count.
	Sources []config.SourceConfig
}

// OptionsFromConfig derives run options from application configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		CommonBase:    cfg.Pipeline.CommonBase,
		ThresholdPct:  decimal.NewFromFloat(cfg.Pipeline.ThresholdPct),
		LookbackDays:  cfg.Pipeline.LookbackDays,
		KeepSelfRates: cfg.Pipeline.KeepSelfRates,
		Sources:       cfg.EnabledSources(),
	}
}

// SourceIDs lists the included source ids in priority order.
func (o Options) SourceIDs() []string {
	ids := make([]string, len(o.Sources))
	for i, src := range o.Sources {
		ids[i] = src.ID
	}
	return ids
}

// Summary accounts for everything a run touched. Every row not written is
// explainable from these counters.
type Summary struct {
	From                time.Time
	To                  time.Time
	Snapshots           int
	CanonicalRows       int
	Observations        int
	DroppedInvalid      int
	DroppedSelf         int
	DroppedDuplicate    int
	ExcludedSourceDates int
	ConsensusKeys       int
	FlaggedKeys         int
	Facts               int
}

// Outcome is the in-memory result of the pure stages, used by simulate and by
// the run driver before persisting.
type Outcome struct {
	Summary          Summary
	CanonicalRows    []model.CanonicalRow
	Observations     []model.Observation
	ConsensusResults []model.ConsensusResult
	Facts            []model.ValidatedFact
}

// Runner executes reconciliation runs against a storage backend.
type Runner struct {
	store  Storage
	opts   Options
	logger zerolog.Logger
}

// NewRunner constructs a run driver.
func NewRunner(store Storage, opts Options, logger zerolog.Logger) *Runner {
	return &Runner{store: store, opts: opts, logger: logging.Component(logger, "pipeline")}
}

// RunIncremental processes dates newer than the downstream fact table, minus a
// lookback window that absorbs late-arriving source data.
func (r *Runner) RunIncremental(ctx context.Context, executionDate time.Time) (Summary, error) {
	to := midnight(executionDate)
	from := to.AddDate(0, 0, -r.opts.LookbackDays)

	maxDate, ok, err := r.store.MaxFactDate(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("resolve incremental window: %w", err)
	}
	if ok {
		candidate := midnight(maxDate).AddDate(0, 0, -r.opts.LookbackDays)
		if candidate.Before(from) {
			from = candidate
		}
	}

	r.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("lookback_days", r.opts.LookbackDays).
		Msg("incremental run window resolved")
	return r.run(ctx, from, to)
}

// RunBackfill processes an explicit historical range regardless of existing
// downstream state.
func (r *Runner) RunBackfill(ctx context.Context, from, to time.Time) (Summary, error) {
	from, to = midnight(from), midnight(to)
	if to.Before(from) {
		return Summary{}, fmt.Errorf("backfill range inverted: %s after %s", model.DayKey(from), model.DayKey(to))
	}
	return r.run(ctx, from, to)
}

// run executes the staged batch. Stage ordering is a correctness requirement:
// canonical writes commit before normalization reads, consensus completes
// before coalescing. A storage failure aborts the run; the transactional
// replace guarantees the previous state survives intact.
func (r *Runner) run(ctx context.Context, from, to time.Time) (Summary, error) {
	sourceIDs := r.opts.SourceIDs()
	if len(sourceIDs) == 0 {
		return Summary{}, fmt.Errorf("no sources included in run")
	}

	snapshots, err := r.store.ReadSnapshots(ctx, from, to, sourceIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("read snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		r.logger.Info().Time("from", from).Time("to", to).Msg("no snapshots in range; nothing to do")
		return Summary{From: from, To: to}, nil
	}

	rows := compactor.Compact(snapshots)
	keys := compactor.AffectedKeys(snapshots)
	if err := r.store.ReplaceCanonicalRows(ctx, keys, rows); err != nil {
		return Summary{}, fmt.Errorf("replace canonical rows: %w", err)
	}

	canonical, err := r.store.ReadCanonicalRows(ctx, from, to, sourceIDs)
	if err != nil {
		return Summary{}, fmt.Errorf("read canonical rows: %w", err)
	}

	outcome := r.evaluate(canonical)
	outcome.Summary.From = from
	outcome.Summary.To = to
	outcome.Summary.Snapshots = len(snapshots)

	if err := r.store.ReplaceObservations(ctx, from, to, sourceIDs, outcome.Observations); err != nil {
		return Summary{}, fmt.Errorf("replace observations: %w", err)
	}
	if err := r.store.ReplaceConsensusResults(ctx, from, to, outcome.ConsensusResults); err != nil {
		return Summary{}, fmt.Errorf("replace consensus results: %w", err)
	}
	if err := r.store.UpsertValidatedFacts(ctx, outcome.Facts); err != nil {
		return Summary{}, fmt.Errorf("upsert validated facts: %w", err)
	}

	r.logger.Info().
		Int("snapshots", outcome.Summary.Snapshots).
		Int("canonical_rows", outcome.Summary.CanonicalRows).
		Int("observations", outcome.Summary.Observations).
		Int("dropped_invalid", outcome.Summary.DroppedInvalid).
		Int("excluded_source_dates", outcome.Summary.ExcludedSourceDates).
		Int("consensus_keys", outcome.Summary.ConsensusKeys).
		Int("flagged_keys", outcome.Summary.FlaggedKeys).
		Int("facts", outcome.Summary.Facts).
		Msg("run complete")
	return outcome.Summary, nil
}

// Evaluate runs the pure stages over raw snapshots without touching storage.
func Evaluate(snapshots []model.Snapshot, opts Options) Outcome {
	rows := compactor.Compact(snapshots)
	r := Runner{opts: opts, logger: zerolog.Nop()}
	outcome := r.evaluate(rows)
	outcome.Summary.Snapshots = len(snapshots)
	return outcome
}

func (r *Runner) evaluate(canonical []model.CanonicalRow) Outcome {
	norm := normalizer.Normalize(canonical, normalizer.Options{KeepSelfRates: r.opts.KeepSelfRates})
	cons := consensus.Reconcile(norm.Observations, consensus.Options{
		CommonBase:   r.opts.CommonBase,
		ThresholdPct: r.opts.ThresholdPct,
	})
	facts := coalescer.Coalesce(cons.Rebased, cons.Results, coalescer.Options{
		Priority:     r.opts.SourceIDs(),
		ThresholdPct: r.opts.ThresholdPct,
	})

	flagged := 0
	for _, cr := range cons.Results {
		if cr.Status == model.ConsensusFlagged {
			flagged++
		}
	}

	return Outcome{
		Summary: Summary{
			CanonicalRows:       len(canonical),
			Observations:        len(norm.Observations),
			DroppedInvalid:      norm.DroppedInvalid,
			DroppedSelf:         norm.DroppedSelf,
			DroppedDuplicate:    norm.DroppedDuplicate,
			ExcludedSourceDates: cons.ExcludedSourceDates,
			ConsensusKeys:       len(cons.Results),
			FlaggedKeys:         flagged,
			Facts:               len(facts),
		},
		CanonicalRows:    canonical,
		Observations:     norm.Observations,
		ConsensusResults: cons.Results,
		Facts:            facts,
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
