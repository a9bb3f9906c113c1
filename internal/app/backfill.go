package app

import (
	"context"
	"errors"

	"github.com/ManosCoffee/makerates/internal/model"
	"github.com/ManosCoffee/makerates/internal/pipeline"
	"github.com/ManosCoffee/makerates/internal/storage"
)

// Backfill reprocesses an explicit historical date range.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.To.Before(opts.From) {
		return errors.New("backfill range is empty; check --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot backfill")
	}
	defer closeStore()

	if a.Config.Database.MigrationsPath != "" {
		if err := a.migrate(ctx, store); err != nil {
			return err
		}
	}

	runOpts, err := a.runOptions(ctx, store, opts.ExcludeSources)
	if err != nil {
		return err
	}

	if opts.DryRun {
		return a.backfillDryRun(ctx, store, runOpts, opts)
	}

	return a.withRunLock(ctx, store, func(ctx context.Context) error {
		runner := pipeline.NewRunner(store, runOpts, a.Logger)
		summary, err := runner.RunBackfill(ctx, opts.From, opts.To)
		if err != nil {
			a.Logger.Error().Err(err).Msg("backfill failed")
			return err
		}
		logSummary(a, summary)
		return nil
	})
}

// backfillDryRun evaluates the pure stages over the range without writing.
func (a *App) backfillDryRun(ctx context.Context, store *storage.Store, runOpts pipeline.Options, opts BackfillOptions) error {
	a.Logger.Warn().Msg("backfill dry-run: nothing will be written")

	snapshots, err := store.ReadSnapshots(ctx, opts.From, opts.To, runOpts.SourceIDs())
	if err != nil {
		return err
	}

	outcome := pipeline.Evaluate(snapshots, runOpts)
	outcome.Summary.From = opts.From
	outcome.Summary.To = opts.To
	logSummary(a, outcome.Summary)
	return nil
}

func logSummary(a *App, summary pipeline.Summary) {
	a.Logger.Info().
		Str("from", model.DayKey(summary.From)).
		Str("to", model.DayKey(summary.To)).
		Int("snapshots", summary.Snapshots).
		Int("facts", summary.Facts).
		Int("flagged_keys", summary.FlaggedKeys).
		Int("dropped_invalid", summary.DroppedInvalid).
		Msg("run summary")
}
