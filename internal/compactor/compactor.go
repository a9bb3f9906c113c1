package compactor

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/model"
)

// Key identifies one canonical row: the dedup unit for raw snapshots.
type Key struct {
	RateDate     string
	SourceID     string
	BaseCurrency string
}

// KeyOf derives the dedup key for a snapshot.
func KeyOf(snap model.Snapshot) Key {
	return Key{
		RateDate:     model.DayKey(snap.RateDate),
		SourceID:     snap.SourceID,
		BaseCurrency: snap.BaseCurrency,
	}
}

// Compact reduces raw snapshots to exactly one canonical row per
// (rate_date, source_id, base_currency) key. Within each key the snapshot with
// the greatest extracted_at wins; exact timestamp ties fall back to the
// lexicographically greatest extraction_id so the outcome is deterministic.
//
// Rows are returned sorted by (rate_date, source_id, base_currency). Running
// Compact twice over the same input yields identical output.
func Compact(snapshots []model.Snapshot) []model.CanonicalRow {
	winners := make(map[Key]model.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		key := KeyOf(snap)
		current, ok := winners[key]
		if !ok || supersedes(snap, current) {
			winners[key] = snap
		}
	}

	rows := make([]model.CanonicalRow, 0, len(winners))
	for _, snap := range winners {
		rows = append(rows, toCanonical(snap))
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.RateDate.Equal(b.RateDate) {
			return a.RateDate.Before(b.RateDate)
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.BaseCurrency < b.BaseCurrency
	})
	return rows
}

// AffectedKeys lists the distinct canonical keys present in a snapshot batch.
// The storage layer replaces exactly this key set in one transaction.
func AffectedKeys(snapshots []model.Snapshot) []Key {
	seen := make(map[Key]struct{}, len(snapshots))
	keys := make([]Key, 0, len(snapshots))
	for _, snap := range snapshots {
		key := KeyOf(snap)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.RateDate != b.RateDate {
			return a.RateDate < b.RateDate
		}
		if a.SourceID != b.SourceID {
			return a.SourceID < b.SourceID
		}
		return a.BaseCurrency < b.BaseCurrency
	})
	return keys
}

func supersedes(candidate, current model.Snapshot) bool {
	if candidate.ExtractedAt.After(current.ExtractedAt) {
		return true
	}
	if candidate.ExtractedAt.Equal(current.ExtractedAt) {
		return candidate.ExtractionID > current.ExtractionID
	}
	return false
}

func toCanonical(snap model.Snapshot) model.CanonicalRow {
	return model.CanonicalRow{
		ExtractionID:   snap.ExtractionID,
		ExtractedAt:    snap.ExtractedAt,
		SourceID:       snap.SourceID,
		SourceTier:     snap.SourceTier,
		SourcePriority: snap.SourcePriority,
		BaseCurrency:   snap.BaseCurrency,
		RateDate:       snap.RateDate,
		Rates:          cloneRates(snap.Rates),
	}
}

func cloneRates(rates map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		out[code] = rate
	}
	return out
}
