package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical layout for rate dates throughout the pipeline.
const DateLayout = "2006-01-02"

// DayKey collapses a timestamp to its UTC calendar date string. Rate dates are
// compared and grouped by this key, never by raw time.Time values.
func DayKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// SourceTier classifies the institutional quality of an upstream provider.
type SourceTier string

const (
	TierPrimary   SourceTier = "primary"
	TierSecondary SourceTier = "secondary"
	TierFallback  SourceTier = "fallback"
)

// ConsensusStatus is the cross-source agreement outcome for one (date, target) key.
type ConsensusStatus string

const (
	ConsensusOK      ConsensusStatus = "OK"
	ConsensusFlagged ConsensusStatus = "FLAGGED"
)

// ValidationStatus marks a coalesced fact as trusted or under suspicion.
type ValidationStatus string

const (
	ValidationValidated ValidationStatus = "VALIDATED"
	ValidationFlagged   ValidationStatus = "FLAGGED"
)

// Snapshot is one immutable raw extraction event from one source. The snapshot
// store is append-only; snapshots are never updated or deleted once written.
type Snapshot struct {
	ExtractionID   string
	ExtractedAt    time.Time
	SourceID       string
	SourceTier     SourceTier
	SourcePriority int
	BaseCurrency   string
	RateDate       time.Time
	Rates          map[string]decimal.Decimal
	HTTPStatus     int
}

// CanonicalRow is the deduplicated representative of all snapshots sharing one
// (rate_date, source_id, base_currency) key: the snapshot with the greatest
// extracted_at seen so far, replaced wholesale on recompaction.
type CanonicalRow struct {
	ExtractionID   string
	ExtractedAt    time.Time
	SourceID       string
	SourceTier     SourceTier
	SourcePriority int
	BaseCurrency   string
	RateDate       time.Time
	Rates          map[string]decimal.Decimal
}

// Observation is a single exploded rate data point for one currency pair.
type Observation struct {
	RateDate       time.Time
	SourceID       string
	SourceTier     SourceTier
	SourcePriority int
	BaseCurrency   string
	TargetCurrency string
	Rate           decimal.Decimal
	InverseRate    decimal.Decimal
	ExtractionID   string
	ExtractedAt    time.Time
}

// SourceDeviation records how far one source sat from the consensus estimate.
type SourceDeviation struct {
	SourceID     string
	Rate         decimal.Decimal
	DeviationPct decimal.Decimal
}

// ConsensusResult summarises all observations for one (rate_date, target)
// key after rebasing every source to the common base currency.
type ConsensusResult struct {
	RateDate       time.Time
	BaseCurrency   string
	TargetCurrency string
	ConsensusRate  decimal.Decimal
	SourceCount    int
	Deviations     []SourceDeviation
	Status         ConsensusStatus
}

// MaxDeviationPct returns the largest per-source deviation for the key, or
// zero when no source deviates (including the single-source case).
func (c ConsensusResult) MaxDeviationPct() decimal.Decimal {
	max := decimal.Zero
	for _, d := range c.Deviations {
		if d.DeviationPct.GreaterThan(max) {
			max = d.DeviationPct
		}
	}
	return max
}

// ValidatedFact is the single source of truth for one
// (rate_date, target_currency, base_currency) key, with full lineage back to
// the extraction that produced the winning rate.
type ValidatedFact struct {
	RateDate          time.Time
	BaseCurrency      string
	TargetCurrency    string
	Rate              decimal.Decimal
	InverseRate       decimal.Decimal
	SourceUsed        string
	SourceTier        SourceTier
	ExtractionID      string
	ExtractedAt       time.Time
	ValidationStatus  ValidationStatus
	ConsensusVariance decimal.Decimal
	SourceCount       int
}

// Pair renders the conventional BASE/TARGET pair label.
func (f ValidatedFact) Pair() string {
	return f.BaseCurrency + "/" + f.TargetCurrency
}
