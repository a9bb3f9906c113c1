package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/config"
	"github.com/ManosCoffee/makerates/internal/model"
)

func testApp() *App {
	cfg := &config.Config{
		Sources: []config.SourceConfig{
			{ID: "frankfurter", Tier: model.TierPrimary, Priority: 1, BaseCurrency: "USD", Enabled: true},
		},
	}
	return NewApp(cfg, zerolog.Nop())
}

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	out := ""
	for _, line := range lines {
		out += line + "\n"
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}
	return path
}

func TestReadBronzeFile(t *testing.T) {
	path := writeJSONL(t,
		`{"extraction_id":"ex-1","extraction_timestamp":"2026-08-01T06:00:00Z","source":"frankfurter","base_currency":"usd","rate_date":"2026-08-01","rates":{"EUR":0.92,"GBP":0.79},"http_status_code":200}`,
		``,
		`{"extraction_id":"ex-2","extraction_timestamp":"2026-08-02T06:00:00Z","source":"frankfurter","source_tier":"secondary","base_currency":"USD","rate_date":"2026-08-02","rates":{"EUR":0.93}}`,
	)

	snapshots, malformed, err := testApp().readBronzeFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if malformed != 0 {
		t.Fatalf("expected no malformed lines, got %d", malformed)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}

	first := snapshots[0]
	if first.BaseCurrency != "USD" {
		t.Fatalf("base currency should uppercase, got %s", first.BaseCurrency)
	}
	if first.SourceTier != model.TierPrimary || first.SourcePriority != 1 {
		t.Fatalf("missing tier should fill from config: %+v", first)
	}
	if !first.Rates["EUR"].Equal(decimal.NewFromFloat(0.92)) {
		t.Fatalf("rates not parsed: %s", first.Rates["EUR"])
	}
	if model.DayKey(first.RateDate) != "2026-08-01" {
		t.Fatalf("rate date not parsed: %s", model.DayKey(first.RateDate))
	}

	// An explicit tier in the record wins over config.
	if snapshots[1].SourceTier != model.TierSecondary {
		t.Fatalf("explicit tier should be kept, got %s", snapshots[1].SourceTier)
	}
}

func TestReadBronzeFileSkipsBadLines(t *testing.T) {
	path := writeJSONL(t,
		`not json at all`,
		`{"extraction_id":"","source":"frankfurter","rate_date":"2026-08-01"}`,
		`{"extraction_id":"ex-3","source":"frankfurter","rate_date":"01/08/2026"}`,
		`{"extraction_id":"ex-4","extraction_timestamp":"2026-08-01T06:00:00Z","source":"frankfurter","base_currency":"USD","rate_date":"2026-08-01","rates":{"EUR":0.92}}`,
	)

	snapshots, malformed, err := testApp().readBronzeFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if malformed != 3 {
		t.Fatalf("expected 3 skipped lines, got %d", malformed)
	}
	if len(snapshots) != 1 || snapshots[0].ExtractionID != "ex-4" {
		t.Fatalf("only the valid record should survive: %+v", snapshots)
	}
}

func TestReadBronzeFileMissing(t *testing.T) {
	if _, _, err := testApp().readBronzeFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Fatal("missing file should error")
	}
}
