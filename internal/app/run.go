package app

import (
	"context"
	"errors"
	"time"

	"github.com/ManosCoffee/makerates/internal/pipeline"
)

// Run executes one incremental reconciliation run for the execution date.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot run pipeline")
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

	executionDate := opts.ExecutionDate
	if executionDate.IsZero() {
		executionDate = time.Now().UTC()
	}

	return a.withRunLock(ctx, store, func(ctx context.Context) error {
		runner := pipeline.NewRunner(store, runOpts, a.Logger)
		summary, err := runner.RunIncremental(ctx, executionDate)
		if err != nil {
			a.Logger.Error().Err(err).Msg("incremental run failed")
			return err
		}
		logSummary(a, summary)
		return nil
	})
}
