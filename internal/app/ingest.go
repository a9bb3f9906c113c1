package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

// bronzeRecord mirrors the newline-delimited JSON the extraction clients emit.
type bronzeRecord struct {
	ExtractionID        string                     `json:"extraction_id"`
	ExtractionTimestamp time.Time                  `json:"extraction_timestamp"`
	Source              string                     `json:"source"`
	SourceTier          string                     `json:"source_tier"`
	BaseCurrency        string                     `json:"base_currency"`
	RateDate            string                     `json:"rate_date"`
	Rates               map[string]decimal.Decimal `json:"rates"`
	HTTPStatusCode      int                        `json:"http_status_code"`
}

// Ingest appends extractor-produced bronze snapshots to the snapshot store.
// No rate validation happens here; the snapshot store is a raw audit log and
// bad values are caught later by the normalizer.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot ingest")
	}
	defer closeStore()

	if a.Config.Database.MigrationsPath != "" {
		if err := a.migrate(ctx, store); err != nil {
			return err
		}
	}

	snapshots, malformed, err := a.readBronzeFile(opts.Path)
	if err != nil {
		return err
	}

	inserted, err := store.AppendSnapshots(ctx, snapshots)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Int("read", len(snapshots)).
		Int("inserted", inserted).
		Int("already_present", len(snapshots)-inserted).
		Int("malformed", malformed).
		Msg("ingest complete")
	return nil
}

// readBronzeFile parses a newline-delimited JSON snapshot file, returning the
// usable snapshots and a count of lines skipped.
func (a *App) readBronzeFile(path string) ([]model.Snapshot, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open snapshot file: %w", err)
	}
	defer file.Close()

	snapshots := make([]model.Snapshot, 0)
	malformed := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var rec bronzeRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			malformed++
			a.Logger.Warn().Int("line", line).Err(err).Msg("skipping malformed bronze record")
			continue
		}

		snap, err := a.toSnapshot(rec)
		if err != nil {
			malformed++
			a.Logger.Warn().Int("line", line).Err(err).Msg("skipping unusable bronze record")
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed, fmt.Errorf("read snapshot file: %w", err)
	}
	return snapshots, malformed, nil
}

func (a *App) toSnapshot(rec bronzeRecord) (model.Snapshot, error) {
	if rec.ExtractionID == "" || rec.Source == "" {
		return model.Snapshot{}, errors.New("extraction_id and source are required")
	}

	rateDate, err := time.Parse(model.DateLayout, rec.RateDate)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("parse rate_date %q: %w", rec.RateDate, err)
	}

	snap := model.Snapshot{
		ExtractionID: rec.ExtractionID,
		ExtractedAt:  rec.ExtractionTimestamp.UTC(),
		SourceID:     rec.Source,
		SourceTier:   model.SourceTier(rec.SourceTier),
		BaseCurrency: strings.ToUpper(rec.BaseCurrency),
		RateDate:     rateDate,
		Rates:        rec.Rates,
		HTTPStatus:   rec.HTTPStatusCode,
	}
	if src, ok := a.Config.SourceByID(rec.Source); ok {
		snap.SourcePriority = src.Priority
		if snap.SourceTier == "" {
			snap.SourceTier = src.Tier
		}
	}
	return snap, nil
}
