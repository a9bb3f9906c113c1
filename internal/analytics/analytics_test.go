package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

func fact(date string, base, target string, rate float64, sources int, status model.ValidationStatus) model.ValidatedFact {
	d, err := time.Parse(model.DateLayout, date)
	if err != nil {
		panic(err)
	}
	return model.ValidatedFact{
		RateDate:         d,
		BaseCurrency:     base,
		TargetCurrency:   target,
		Rate:             decimal.NewFromFloat(rate),
		SourceCount:      sources,
		ValidationStatus: status,
	}
}

func TestVolatilityConstantSeriesIsZero(t *testing.T) {
	facts := []model.ValidatedFact{
		fact("2026-08-01", "USD", "EUR", 0.92, 2, model.ValidationValidated),
		fact("2026-08-02", "USD", "EUR", 0.92, 2, model.ValidationValidated),
		fact("2026-08-03", "USD", "EUR", 0.92, 2, model.ValidationValidated),
	}

	vol, ok := Volatility(facts)
	if !ok {
		t.Fatal("three points give two changes, volatility should be defined")
	}
	if !vol.IsZero() {
		t.Fatalf("constant series should have zero volatility, got %s", vol)
	}
}

func TestVolatilityNeedsTwoChanges(t *testing.T) {
	facts := []model.ValidatedFact{
		fact("2026-08-01", "USD", "EUR", 0.92, 2, model.ValidationValidated),
		fact("2026-08-02", "USD", "EUR", 0.93, 2, model.ValidationValidated),
	}
	if _, ok := Volatility(facts); ok {
		t.Fatal("a single change cannot define a standard deviation")
	}
}

func TestVolatilitySortsByDate(t *testing.T) {
	shuffled := []model.ValidatedFact{
		fact("2026-08-03", "USD", "EUR", 0.94, 2, model.ValidationValidated),
		fact("2026-08-01", "USD", "EUR", 0.92, 2, model.ValidationValidated),
		fact("2026-08-02", "USD", "EUR", 0.93, 2, model.ValidationValidated),
	}
	ordered := []model.ValidatedFact{
		fact("2026-08-01", "USD", "EUR", 0.92, 2, model.ValidationValidated),
		fact("2026-08-02", "USD", "EUR", 0.93, 2, model.ValidationValidated),
		fact("2026-08-03", "USD", "EUR", 0.94, 2, model.ValidationValidated),
	}

	a, okA := Volatility(shuffled)
	b, okB := Volatility(ordered)
	if !okA || !okB {
		t.Fatal("both series should define volatility")
	}
	if !a.Equal(b) {
		t.Fatalf("input order must not matter: %s vs %s", a, b)
	}
}

func TestCrossRate(t *testing.T) {
	eur := fact("2026-08-01", "USD", "EUR", 0.80, 2, model.ValidationValidated)
	jpy := fact("2026-08-01", "USD", "JPY", 160.0, 2, model.ValidationValidated)

	rate, err := CrossRate(eur, jpy)
	if err != nil {
		t.Fatalf("cross rate failed: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("EUR->JPY should be 160/0.80 = 200, got %s", rate)
	}
}

func TestCrossRateRejectsMismatchedInputs(t *testing.T) {
	eur := fact("2026-08-01", "USD", "EUR", 0.80, 2, model.ValidationValidated)

	if _, err := CrossRate(eur, fact("2026-08-01", "GBP", "JPY", 160.0, 2, model.ValidationValidated)); err == nil {
		t.Fatal("different bases must error")
	}
	if _, err := CrossRate(eur, fact("2026-08-02", "USD", "JPY", 160.0, 2, model.ValidationValidated)); err == nil {
		t.Fatal("different dates must error")
	}
}

func TestCoverage(t *testing.T) {
	facts := []model.ValidatedFact{
		fact("2026-08-01", "USD", "EUR", 0.92, 3, model.ValidationValidated),
		fact("2026-08-01", "USD", "GBP", 0.79, 1, model.ValidationValidated),
		fact("2026-08-01", "USD", "JPY", 149.5, 2, model.ValidationFlagged),
		fact("2026-08-02", "USD", "EUR", 0.93, 3, model.ValidationValidated),
	}

	days := Coverage(facts, 3)
	if len(days) != 2 {
		t.Fatalf("expected 2 days, got %d", len(days))
	}

	first := days[0]
	if first.Date != "2026-08-01" {
		t.Fatalf("output should ascend by date, got %s first", first.Date)
	}
	if first.Keys != 3 || first.Flagged != 1 || first.SingleSource != 1 || first.FullConsensus != 1 {
		t.Fatalf("unexpected day coverage: %+v", first)
	}
	if !first.AvgSourceCount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("average source count should be 2, got %s", first.AvgSourceCount)
	}

	second := days[1]
	if second.Keys != 1 || second.FullConsensus != 1 {
		t.Fatalf("unexpected day coverage: %+v", second)
	}
}
