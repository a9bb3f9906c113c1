package pipeline

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/compactor"
	"github.com/ManosCoffee/makerates/internal/config"
	"github.com/ManosCoffee/makerates/internal/model"
)

// memStore is an in-memory stand-in for the pgx Store, honouring the same
// replace and upsert semantics.
type memStore struct {
	snapshots []model.Snapshot
	canonical map[compactor.Key]model.CanonicalRow
	facts     map[string]model.ValidatedFact

	observations []model.Observation
	consensus    []model.ConsensusResult
}

func newMemStore() *memStore {
	return &memStore{
		canonical: make(map[compactor.Key]model.CanonicalRow),
		facts:     make(map[string]model.ValidatedFact),
	}
}

func factKey(f model.ValidatedFact) string {
	return model.DayKey(f.RateDate) + "|" + f.BaseCurrency + "|" + f.TargetCurrency
}

func (s *memStore) AppendSnapshots(_ context.Context, snapshots []model.Snapshot) (int, error) {
	inserted := 0
	for _, snap := range snapshots {
		dup := false
		for _, existing := range s.snapshots {
			if existing.ExtractionID == snap.ExtractionID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.snapshots = append(s.snapshots, snap)
		inserted++
	}
	return inserted, nil
}

func (s *memStore) ReadSnapshots(_ context.Context, from, to time.Time, sourceIDs []string) ([]model.Snapshot, error) {
	allowed := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = struct{}{}
	}

	var out []model.Snapshot
	for _, snap := range s.snapshots {
		if snap.RateDate.Before(from) || snap.RateDate.After(to) {
			continue
		}
		if _, ok := allowed[snap.SourceID]; !ok {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.ExtractedAt.Before(b.ExtractedAt)
	})
	return out, nil
}

func (s *memStore) ReplaceCanonicalRows(_ context.Context, keys []compactor.Key, rows []model.CanonicalRow) error {
	for _, key := range keys {
		delete(s.canonical, key)
	}
	for _, row := range rows {
		key := compactor.Key{RateDate: model.DayKey(row.RateDate), SourceID: row.SourceID, BaseCurrency: row.BaseCurrency}
		s.canonical[key] = row
	}
	return nil
}

func (s *memStore) ReadCanonicalRows(_ context.Context, from, to time.Time, sourceIDs []string) ([]model.CanonicalRow, error) {
	allowed := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = struct{}{}
	}

	var out []model.CanonicalRow
	for _, row := range s.canonical {
		if row.RateDate.Before(from) || row.RateDate.After(to) {
			continue
		}
		if _, ok := allowed[row.SourceID]; !ok {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		return a.SourceID < b.SourceID
	})
	return out, nil
}

func (s *memStore) ReplaceObservations(_ context.Context, from, to time.Time, sourceIDs []string, observations []model.Observation) error {
	allowed := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		allowed[id] = struct{}{}
	}

	var kept []model.Observation
	for _, obs := range s.observations {
		_, included := allowed[obs.SourceID]
		inRange := !obs.RateDate.Before(from) && !obs.RateDate.After(to)
		if included && inRange {
			continue
		}
		kept = append(kept, obs)
	}
	s.observations = append(kept, observations...)
	return nil
}

func (s *memStore) ReplaceConsensusResults(_ context.Context, from, to time.Time, results []model.ConsensusResult) error {
	var kept []model.ConsensusResult
	for _, cr := range s.consensus {
		if !cr.RateDate.Before(from) && !cr.RateDate.After(to) {
			continue
		}
		kept = append(kept, cr)
	}
	s.consensus = append(kept, results...)
	return nil
}

func (s *memStore) UpsertValidatedFacts(_ context.Context, facts []model.ValidatedFact) error {
	for _, fact := range facts {
		s.facts[factKey(fact)] = fact
	}
	return nil
}

func (s *memStore) MaxFactDate(_ context.Context) (time.Time, bool, error) {
	var max time.Time
	found := false
	for _, fact := range s.facts {
		if !found || fact.RateDate.After(max) {
			max = fact.RateDate
			found = true
		}
	}
	return max, found, nil
}

func testOptions() Options {
	return Options{
		CommonBase:   "USD",
		ThresholdPct: decimal.NewFromFloat(0.5),
		LookbackDays: 3,
		Sources: []config.SourceConfig{
			{ID: "frankfurter", Tier: model.TierPrimary, Priority: 1, BaseCurrency: "USD", Enabled: true},
			{ID: "exchangerate", Tier: model.TierSecondary, Priority: 2, BaseCurrency: "USD", Enabled: true},
		},
	}
}

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func snap(id, source, date string, extractedAt time.Time, eur float64) model.Snapshot {
	return model.Snapshot{
		ExtractionID:   id,
		ExtractedAt:    extractedAt,
		SourceID:       source,
		SourceTier:     model.TierPrimary,
		SourcePriority: 1,
		BaseCurrency:   "USD",
		RateDate:       day(date),
		Rates:          map[string]decimal.Decimal{"EUR": decimal.NewFromFloat(eur)},
	}
}

func TestRunBackfillProducesFacts(t *testing.T) {
	store := newMemStore()
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	if _, err := store.AppendSnapshots(context.Background(), []model.Snapshot{
		snap("a-1", "frankfurter", "2026-08-01", at, 0.92),
		snap("b-1", "exchangerate", "2026-08-01", at, 0.921),
	}); err != nil {
		t.Fatalf("append snapshots: %v", err)
	}

	runner := NewRunner(store, testOptions(), zerolog.Nop())
	summary, err := runner.RunBackfill(context.Background(), day("2026-08-01"), day("2026-08-01"))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	if summary.Snapshots != 2 || summary.CanonicalRows != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Facts != 1 {
		t.Fatalf("expected 1 fact, got %d", summary.Facts)
	}

	fact, ok := store.facts["2026-08-01|USD|EUR"]
	if !ok {
		t.Fatalf("fact missing from store: %v", store.facts)
	}
	if fact.SourceUsed != "frankfurter" {
		t.Fatalf("priority source should win, got %s", fact.SourceUsed)
	}
	if fact.ValidationStatus != model.ValidationValidated {
		t.Fatalf("agreeing sources should validate, got %s", fact.ValidationStatus)
	}
}

func TestRunBackfillIsIdempotent(t *testing.T) {
	store := newMemStore()
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	_, _ = store.AppendSnapshots(context.Background(), []model.Snapshot{
		snap("a-1", "frankfurter", "2026-08-01", at, 0.92),
		snap("b-1", "exchangerate", "2026-08-01", at, 0.921),
	})

	runner := NewRunner(store, testOptions(), zerolog.Nop())
	first, err := runner.RunBackfill(context.Background(), day("2026-08-01"), day("2026-08-01"))
	if err != nil {
		t.Fatalf("first backfill failed: %v", err)
	}
	second, err := runner.RunBackfill(context.Background(), day("2026-08-01"), day("2026-08-01"))
	if err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}

	if first != second {
		t.Fatalf("summaries differ between identical runs:\nfirst:  %+v\nsecond: %+v", first, second)
	}
	if len(store.facts) != 1 || len(store.canonical) != 2 {
		t.Fatalf("reprocessing must not duplicate rows: facts=%d canonical=%d", len(store.facts), len(store.canonical))
	}
}

func TestRunBackfillRejectsInvertedRange(t *testing.T) {
	runner := NewRunner(newMemStore(), testOptions(), zerolog.Nop())
	if _, err := runner.RunBackfill(context.Background(), day("2026-08-05"), day("2026-08-01")); err == nil {
		t.Fatal("inverted range should error")
	}
}

func TestRunIncrementalPicksUpLateArrival(t *testing.T) {
	store := newMemStore()
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	_, _ = store.AppendSnapshots(context.Background(), []model.Snapshot{
		snap("a-1", "frankfurter", "2026-08-01", at, 0.92),
	})

	runner := NewRunner(store, testOptions(), zerolog.Nop())
	if _, err := runner.RunIncremental(context.Background(), day("2026-08-01")); err != nil {
		t.Fatalf("initial incremental run failed: %v", err)
	}

	original := store.facts["2026-08-01|USD|EUR"]

	// A corrected extraction for the same rate date arrives two days later.
	_, _ = store.AppendSnapshots(context.Background(), []model.Snapshot{
		snap("a-2", "frankfurter", "2026-08-01", at.AddDate(0, 0, 2), 0.93),
	})
	if _, err := runner.RunIncremental(context.Background(), day("2026-08-03")); err != nil {
		t.Fatalf("second incremental run failed: %v", err)
	}

	updated := store.facts["2026-08-01|USD|EUR"]
	if updated.Rate.Equal(original.Rate) {
		t.Fatal("lookback window should have reprocessed the late correction")
	}
	if !updated.Rate.Equal(decimal.NewFromFloat(0.93)) {
		t.Fatalf("expected corrected rate 0.93, got %s", updated.Rate)
	}
	if updated.ExtractionID != "a-2" {
		t.Fatalf("lineage should point at the correcting extraction, got %s", updated.ExtractionID)
	}
}

func TestRunEmptyRangeIsNotAnError(t *testing.T) {
	runner := NewRunner(newMemStore(), testOptions(), zerolog.Nop())
	summary, err := runner.RunBackfill(context.Background(), day("2026-08-01"), day("2026-08-02"))
	if err != nil {
		t.Fatalf("empty range should succeed: %v", err)
	}
	if summary.Facts != 0 || summary.Snapshots != 0 {
		t.Fatalf("empty range should produce nothing: %+v", summary)
	}
}

func TestEvaluateMatchesPersistedRun(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	snapshots := []model.Snapshot{
		snap("a-1", "frankfurter", "2026-08-01", at, 0.92),
		snap("b-1", "exchangerate", "2026-08-01", at, 0.921),
	}

	outcome := Evaluate(snapshots, testOptions())

	store := newMemStore()
	_, _ = store.AppendSnapshots(context.Background(), snapshots)
	runner := NewRunner(store, testOptions(), zerolog.Nop())
	summary, err := runner.RunBackfill(context.Background(), day("2026-08-01"), day("2026-08-01"))
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	if outcome.Summary.Facts != summary.Facts || outcome.Summary.ConsensusKeys != summary.ConsensusKeys {
		t.Fatalf("pure evaluation should match the persisted run:\nevaluate: %+v\nrun:      %+v", outcome.Summary, summary)
	}
}
