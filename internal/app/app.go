package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManosCoffee/makerates/internal/config"
	"github.com/ManosCoffee/makerates/internal/logging"
	"github.com/ManosCoffee/makerates/internal/pipeline"
	"github.com/ManosCoffee/makerates/internal/quota"
	"github.com/ManosCoffee/makerates/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) migrate(ctx context.Context, store *storage.Store) error {
	return storage.Migrate(ctx, store.Pool(), a.Config.Database.MigrationsPath)
}

func (a *App) newTracker(store *storage.Store) *quota.Tracker {
	if store == nil || !a.Config.Quota.Enabled {
		return nil
	}
	return quota.NewTracker(store.Pool(), a.Config.Quota, a.Logger)
}

// runOptions resolves pipeline options for this run, dropping quota-excluded
// sources. Exclusion is data, not failure: a missing source shows up
// downstream as reduced source_count.
func (a *App) runOptions(ctx context.Context, store *storage.Store, exclude []string) (pipeline.Options, error) {
	opts := pipeline.OptionsFromConfig(a.Config)

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	if tracker := a.newTracker(store); tracker != nil {
		available, err := tracker.Available(ctx, opts.SourceIDs())
		if err != nil {
			return pipeline.Options{}, err
		}
		for id, ok := range available {
			if !ok {
				excluded[id] = true
				a.Logger.Warn().Str("source", id).Msg("source excluded: quota exhausted or throttled")
			}
		}
	}

	if len(excluded) > 0 {
		kept := opts.Sources[:0]
		for _, src := range opts.Sources {
			if !excluded[src.ID] {
				kept = append(kept, src)
			}
		}
		opts.Sources = kept
	}
	return opts, nil
}

// withRunLock serialises pipeline runs via a postgres advisory lock so two
// processes never compact overlapping date ranges concurrently.
func (a *App) withRunLock(ctx context.Context, store *storage.Store, fn func(context.Context) error) error {
	key := a.Config.Pipeline.AdvisoryLockKey
	if store == nil || key == 0 {
		return fn(ctx)
	}

	unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
	if err != nil {
		return err
	}
	if !acquired {
		a.Logger.Warn().Msg("another run holds the pipeline lock; skipping")
		return nil
	}
	defer unlock()
	return fn(ctx)
}

// RunOptions configure the incremental run command.
type RunOptions struct {
	ExecutionDate  time.Time
	ExcludeSources []string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From           time.Time
	To             time.Time
	ExcludeSources []string
	DryRun         bool
}

// IngestOptions configure bronze snapshot ingestion.
type IngestOptions struct {
	Path string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit          int
	IncludeFlagged bool
}

// AuditOptions configure the flagged-consensus feed command.
type AuditOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting historical facts.
type ExportOptions struct {
	Base      string
	Target    string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// SimulateOptions configure a database-free pipeline rehearsal.
type SimulateOptions struct {
	Path string
	Days int
}

// StatsOptions configure the derived analytics report.
type StatsOptions struct {
	Base       string
	Target     string
	Cross      string
	From       *time.Time
	To         *time.Time
	WindowDays int
	Limit      int
}
