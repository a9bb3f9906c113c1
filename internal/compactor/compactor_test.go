package compactor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func snap(id, source, base, date string, extractedAt time.Time) model.Snapshot {
	return model.Snapshot{
		ExtractionID: id,
		ExtractedAt:  extractedAt,
		SourceID:     source,
		BaseCurrency: base,
		RateDate:     day(date),
		Rates:        map[string]decimal.Decimal{"EUR": decimal.NewFromFloat(0.92)},
	}
}

func TestCompactLatestWins(t *testing.T) {
	early := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	late := early.Add(4 * time.Hour)

	rows := Compact([]model.Snapshot{
		snap("ex-1", "frankfurter", "USD", "2026-08-01", early),
		snap("ex-2", "frankfurter", "USD", "2026-08-01", late),
	})

	if len(rows) != 1 {
		t.Fatalf("expected 1 canonical row, got %d", len(rows))
	}
	if rows[0].ExtractionID != "ex-2" {
		t.Fatalf("expected the later extraction to win, got %s", rows[0].ExtractionID)
	}
}

func TestCompactTimestampTieBreaksOnExtractionID(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)

	rows := Compact([]model.Snapshot{
		snap("aaa", "frankfurter", "USD", "2026-08-01", at),
		snap("zzz", "frankfurter", "USD", "2026-08-01", at),
		snap("mmm", "frankfurter", "USD", "2026-08-01", at),
	})

	if len(rows) != 1 {
		t.Fatalf("expected 1 canonical row, got %d", len(rows))
	}
	if rows[0].ExtractionID != "zzz" {
		t.Fatalf("tie should pick the greatest extraction id, got %s", rows[0].ExtractionID)
	}
}

func TestCompactKeepsDistinctKeysSeparate(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)

	rows := Compact([]model.Snapshot{
		snap("a", "frankfurter", "USD", "2026-08-01", at),
		snap("b", "exchangerate", "USD", "2026-08-01", at),
		snap("c", "frankfurter", "EUR", "2026-08-01", at),
		snap("d", "frankfurter", "USD", "2026-08-02", at),
	})

	if len(rows) != 4 {
		t.Fatalf("expected 4 canonical rows, got %d", len(rows))
	}
}

func TestCompactIsIdempotentAndDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	input := []model.Snapshot{
		snap("b", "exchangerate", "USD", "2026-08-02", at),
		snap("a", "frankfurter", "USD", "2026-08-01", at),
		snap("c", "frankfurter", "USD", "2026-08-01", at.Add(time.Hour)),
	}

	first := Compact(input)
	second := Compact(input)

	if len(first) != len(second) {
		t.Fatalf("row counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ExtractionID != second[i].ExtractionID {
			t.Fatalf("row %d differs between runs: %s vs %s", i, first[i].ExtractionID, second[i].ExtractionID)
		}
	}
	if first[0].SourceID != "frankfurter" || !first[0].RateDate.Equal(day("2026-08-01")) {
		t.Fatalf("rows should be sorted by date then source, got %s %s", model.DayKey(first[0].RateDate), first[0].SourceID)
	}
}

func TestCompactCopiesRateMaps(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	original := snap("a", "frankfurter", "USD", "2026-08-01", at)

	rows := Compact([]model.Snapshot{original})
	rows[0].Rates["EUR"] = decimal.NewFromInt(999)

	if original.Rates["EUR"].Equal(decimal.NewFromInt(999)) {
		t.Fatal("canonical row must not alias the snapshot's rate map")
	}
}

func TestAffectedKeys(t *testing.T) {
	at := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	keys := AffectedKeys([]model.Snapshot{
		snap("a", "frankfurter", "USD", "2026-08-02", at),
		snap("b", "frankfurter", "USD", "2026-08-01", at),
		snap("c", "frankfurter", "USD", "2026-08-01", at.Add(time.Hour)),
		snap("d", "exchangerate", "USD", "2026-08-01", at),
	})

	want := []Key{
		{RateDate: "2026-08-01", SourceID: "exchangerate", BaseCurrency: "USD"},
		{RateDate: "2026-08-01", SourceID: "frankfurter", BaseCurrency: "USD"},
		{RateDate: "2026-08-02", SourceID: "frankfurter", BaseCurrency: "USD"},
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: expected %+v, got %+v", i, want[i], keys[i])
		}
	}
}
