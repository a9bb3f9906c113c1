package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ManosCoffee/makerates/internal/compactor"
	"github.com/ManosCoffee/makerates/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendSnapshotSQL = `INSERT INTO rate_snapshots (
        extraction_id,
        extracted_at,
        source_id,
        source_tier,
        source_priority,
        base_currency,
        rate_date,
        rates,
        http_status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (extraction_id) DO NOTHING;`

	readSnapshotsSQL = `SELECT
        extraction_id,
        extracted_at,
        source_id,
        source_tier,
        source_priority,
        base_currency,
        rate_date,
        rates,
        http_status
    FROM rate_snapshots
    WHERE rate_date >= $1
      AND rate_date <= $2
      AND source_id = ANY($3)
    ORDER BY rate_date, source_id, extracted_at;`

	deleteCanonicalKeySQL = `DELETE FROM canonical_rates
    WHERE rate_date = $1 AND source_id = $2 AND base_currency = $3;`

	insertCanonicalSQL = `INSERT INTO canonical_rates (
        rate_date,
        source_id,
        base_currency,
        source_tier,
        source_priority,
        extraction_id,
        extracted_at,
        rates
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	readCanonicalSQL = `SELECT
        rate_date,
        source_id,
        base_currency,
        source_tier,
        source_priority,
        extraction_id,
        extracted_at,
        rates
    FROM canonical_rates
    WHERE rate_date >= $1
      AND rate_date <= $2
      AND source_id = ANY($3)
    ORDER BY rate_date, source_id, base_currency;`

	deleteObservationsSQL = `DELETE FROM rate_observations
    WHERE rate_date >= $1 AND rate_date <= $2 AND source_id = ANY($3);`

	insertObservationSQL = `INSERT INTO rate_observations (
        rate_date,
        source_id,
        source_tier,
        source_priority,
        base_currency,
        target_currency,
        rate,
        inverse_rate,
        extraction_id,
        extracted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    );`

	deleteConsensusSQL = `DELETE FROM consensus_results
    WHERE rate_date >= $1 AND rate_date <= $2;`

	insertConsensusSQL = `INSERT INTO consensus_results (
        rate_date,
        base_currency,
        target_currency,
        consensus_rate,
        source_count,
        status,
        max_deviation_pct,
        deviations
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listFlaggedConsensusSQL = `SELECT
        rate_date,
        base_currency,
        target_currency,
        consensus_rate,
        source_count,
        status,
        deviations
    FROM consensus_results
    WHERE status = 'FLAGGED'
    ORDER BY rate_date DESC, target_currency
    LIMIT $1;`

	upsertFactSQL = `INSERT INTO validated_facts (
        rate_date,
        base_currency,
        target_currency,
        rate,
        inverse_rate,
        source_used,
        source_tier,
        extraction_id,
        extracted_at,
        validation_status,
        consensus_variance,
        source_count
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (rate_date, base_currency, target_currency) DO UPDATE
    SET rate               = EXCLUDED.rate,
        inverse_rate       = EXCLUDED.inverse_rate,
        source_used        = EXCLUDED.source_used,
        source_tier        = EXCLUDED.source_tier,
        extraction_id      = EXCLUDED.extraction_id,
        extracted_at       = EXCLUDED.extracted_at,
        validation_status  = EXCLUDED.validation_status,
        consensus_variance = EXCLUDED.consensus_variance,
        source_count       = EXCLUDED.source_count,
        updated_at         = now();`

	maxFactDateSQL = `SELECT MAX(rate_date) FROM validated_facts;`

	listRecentFactsSQL = `SELECT
        rate_date,
        base_currency,
        target_currency,
        rate,
        inverse_rate,
        source_used,
        source_tier,
        extraction_id,
        extracted_at,
        validation_status,
        consensus_variance,
        source_count
    FROM validated_facts
    WHERE ($2 OR validation_status = 'VALIDATED')
    ORDER BY rate_date DESC, target_currency
    LIMIT $1;`

	listPairFactsSQL = `SELECT
        rate_date,
        base_currency,
        target_currency,
        rate,
        inverse_rate,
        source_used,
        source_tier,
        extraction_id,
        extracted_at,
        validation_status,
        consensus_variance,
        source_count
    FROM validated_facts
    WHERE base_currency = $1
      AND target_currency = $2
      AND rate_date >= $3
      AND rate_date <= $4
      AND validation_status = 'VALIDATED'
    ORDER BY rate_date;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotStore covers the append-only raw extraction log.
type SnapshotStore interface {
	AppendSnapshots(ctx context.Context, snapshots []model.Snapshot) (int, error)
	ReadSnapshots(ctx context.Context, from, to time.Time, sourceIDs []string) ([]model.Snapshot, error)
}

// CanonicalStore holds exactly one row per (rate_date, source_id, base_currency).
type CanonicalStore interface {
	ReplaceCanonicalRows(ctx context.Context, keys []compactor.Key, rows []model.CanonicalRow) error
	ReadCanonicalRows(ctx context.Context, from, to time.Time, sourceIDs []string) ([]model.CanonicalRow, error)
}

// DerivedStore persists the recomputable downstream tables.
type DerivedStore interface {
	ReplaceObservations(ctx context.Context, from, to time.Time, sourceIDs []string, observations []model.Observation) error
	ReplaceConsensusResults(ctx context.Context, from, to time.Time, results []model.ConsensusResult) error
	UpsertValidatedFacts(ctx context.Context, facts []model.ValidatedFact) error
}

// FactReader serves the downstream feeds.
type FactReader interface {
	MaxFactDate(ctx context.Context) (time.Time, bool, error)
	ListRecentFacts(ctx context.Context, limit int, includeFlagged bool) ([]model.ValidatedFact, error)
	ListPairFacts(ctx context.Context, base, target string, from, to time.Time) ([]model.ValidatedFact, error)
}

// AuditReader serves the anomaly feed.
type AuditReader interface {
	ListFlaggedConsensus(ctx context.Context, limit int) ([]model.ConsensusResult, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to all pipeline tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for collaborators with their own tables.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock is released with the session either way
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// AppendSnapshots inserts raw extraction events, skipping extraction ids
// already present. Existing rows are never updated: the table is an audit log.
func (s *Store) AppendSnapshots(ctx context.Context, snapshots []model.Snapshot) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, snap := range snapshots {
		rates, err := json.Marshal(snap.Rates)
		if err != nil {
			return inserted, fmt.Errorf("marshal rates for %s: %w", snap.ExtractionID, err)
		}
		tag, execErr := pool.Exec(ctx, appendSnapshotSQL,
			snap.ExtractionID,
			snap.ExtractedAt,
			snap.SourceID,
			string(snap.SourceTier),
			snap.SourcePriority,
			snap.BaseCurrency,
			snap.RateDate,
			rates,
			snap.HTTPStatus,
		)
		if execErr != nil {
			return inserted, fmt.Errorf("append snapshot %s: %w", snap.ExtractionID, execErr)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ReadSnapshots lists snapshots whose rate_date falls in [from, to] for the
// given sources.
func (s *Store) ReadSnapshots(ctx context.Context, from, to time.Time, sourceIDs []string) ([]model.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, readSnapshotsSQL, from, to, sourceIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("read snapshots: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]model.Snapshot, 0)
	for rows.Next() {
		var (
			snap      model.Snapshot
			tier      string
			ratesJSON []byte
		)
		if err := rows.Scan(
			&snap.ExtractionID,
			&snap.ExtractedAt,
			&snap.SourceID,
			&tier,
			&snap.SourcePriority,
			&snap.BaseCurrency,
			&snap.RateDate,
			&ratesJSON,
			&snap.HTTPStatus,
		); err != nil {
			return nil, err
		}
		snap.SourceTier = model.SourceTier(tier)
		if err := json.Unmarshal(ratesJSON, &snap.Rates); err != nil {
			return nil, fmt.Errorf("unmarshal rates for %s: %w", snap.ExtractionID, err)
		}
		snapshots = append(snapshots, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// ReplaceCanonicalRows deletes every affected key and re-inserts the winners
// inside one transaction. Readers never observe a half-replaced key set; on any
// failure the transaction rolls back and the previous state stays intact.
func (s *Store) ReplaceCanonicalRows(ctx context.Context, keys []compactor.Key, rows []model.CanonicalRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin canonical replace: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range keys {
		if _, err := tx.Exec(ctx, deleteCanonicalKeySQL, key.RateDate, key.SourceID, key.BaseCurrency); err != nil {
			return fmt.Errorf("delete canonical key %s/%s/%s: %w", key.RateDate, key.SourceID, key.BaseCurrency, err)
		}
	}

	for _, row := range rows {
		rates, err := json.Marshal(row.Rates)
		if err != nil {
			return fmt.Errorf("marshal canonical rates: %w", err)
		}
		if _, err := tx.Exec(ctx, insertCanonicalSQL,
			row.RateDate,
			row.SourceID,
			row.BaseCurrency,
			string(row.SourceTier),
			row.SourcePriority,
			row.ExtractionID,
			row.ExtractedAt,
			rates,
		); err != nil {
			return fmt.Errorf("insert canonical row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit canonical replace: %w", err)
	}
	return nil
}

// ReadCanonicalRows lists canonical rows for a date range and source set.
func (s *Store) ReadCanonicalRows(ctx context.Context, from, to time.Time, sourceIDs []string) ([]model.CanonicalRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, readCanonicalSQL, from, to, sourceIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("read canonical rows: %w", queryErr)
	}
	defer rows.Close()

	out := make([]model.CanonicalRow, 0)
	for rows.Next() {
		var (
			row       model.CanonicalRow
			tier      string
			ratesJSON []byte
		)
		if err := rows.Scan(
			&row.RateDate,
			&row.SourceID,
			&row.BaseCurrency,
			&tier,
			&row.SourcePriority,
			&row.ExtractionID,
			&row.ExtractedAt,
			&ratesJSON,
		); err != nil {
			return nil, err
		}
		row.SourceTier = model.SourceTier(tier)
		if err := json.Unmarshal(ratesJSON, &row.Rates); err != nil {
			return nil, fmt.Errorf("unmarshal canonical rates: %w", err)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ReplaceObservations recomputes the observation window for the run's sources.
func (s *Store) ReplaceObservations(ctx context.Context, from, to time.Time, sourceIDs []string, observations []model.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin observation replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deleteObservationsSQL, from, to, sourceIDs); err != nil {
		return fmt.Errorf("delete observations: %w", err)
	}

	for _, obs := range observations {
		if _, err := tx.Exec(ctx, insertObservationSQL,
			obs.RateDate,
			obs.SourceID,
			string(obs.SourceTier),
			obs.SourcePriority,
			obs.BaseCurrency,
			obs.TargetCurrency,
			obs.Rate.String(),
			obs.InverseRate.String(),
			obs.ExtractionID,
			obs.ExtractedAt,
		); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit observation replace: %w", err)
	}
	return nil
}

// ReplaceConsensusResults recomputes consensus rows for the run's date range.
func (s *Store) ReplaceConsensusResults(ctx context.Context, from, to time.Time, results []model.ConsensusResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin consensus replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deleteConsensusSQL, from, to); err != nil {
		return fmt.Errorf("delete consensus results: %w", err)
	}

	for _, cr := range results {
		deviations, err := json.Marshal(cr.Deviations)
		if err != nil {
			return fmt.Errorf("marshal deviations: %w", err)
		}
		if _, err := tx.Exec(ctx, insertConsensusSQL,
			cr.RateDate,
			cr.BaseCurrency,
			cr.TargetCurrency,
			cr.ConsensusRate.String(),
			cr.SourceCount,
			string(cr.Status),
			cr.MaxDeviationPct().String(),
			deviations,
		); err != nil {
			return fmt.Errorf("insert consensus result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit consensus replace: %w", err)
	}
	return nil
}

// ListFlaggedConsensus returns the anomaly feed, newest first.
func (s *Store) ListFlaggedConsensus(ctx context.Context, limit int) ([]model.ConsensusResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listFlaggedConsensusSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list flagged consensus: %w", queryErr)
	}
	defer rows.Close()

	results := make([]model.ConsensusResult, 0, limit)
	for rows.Next() {
		var (
			cr             model.ConsensusResult
			rateStr        string
			status         string
			deviationsJSON []byte
		)
		if err := rows.Scan(
			&cr.RateDate,
			&cr.BaseCurrency,
			&cr.TargetCurrency,
			&rateStr,
			&cr.SourceCount,
			&status,
			&deviationsJSON,
		); err != nil {
			return nil, err
		}
		cr.Status = model.ConsensusStatus(status)
		rate, convErr := decimal.NewFromString(rateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse consensus rate: %w", convErr)
		}
		cr.ConsensusRate = rate
		if err := json.Unmarshal(deviationsJSON, &cr.Deviations); err != nil {
			return nil, fmt.Errorf("unmarshal deviations: %w", err)
		}
		results = append(results, cr)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return results, nil
}

// UpsertValidatedFacts writes the coalesced single source of truth, one row
// per (rate_date, base_currency, target_currency).
func (s *Store) UpsertValidatedFacts(ctx context.Context, facts []model.ValidatedFact) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fact upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, fact := range facts {
		if _, err := tx.Exec(ctx, upsertFactSQL,
			fact.RateDate,
			fact.BaseCurrency,
			fact.TargetCurrency,
			fact.Rate.String(),
			fact.InverseRate.String(),
			fact.SourceUsed,
			string(fact.SourceTier),
			fact.ExtractionID,
			fact.ExtractedAt,
			string(fact.ValidationStatus),
			fact.ConsensusVariance.String(),
			fact.SourceCount,
		); err != nil {
			return fmt.Errorf("upsert fact %s %s: %w", model.DayKey(fact.RateDate), fact.Pair(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fact upsert: %w", err)
	}
	return nil
}

// MaxFactDate reports the newest rate_date in the fact table, with ok=false on
// an empty table.
func (s *Store) MaxFactDate(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var max *time.Time
	if scanErr := pool.QueryRow(ctx, maxFactDateSQL).Scan(&max); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("max fact date: %w", scanErr)
	}
	if max == nil {
		return time.Time{}, false, nil
	}
	return *max, true, nil
}

// ListRecentFacts returns the downstream feed ordered rate_date DESC,
// target_currency. includeFlagged widens the validated view to everything.
func (s *Store) ListRecentFacts(ctx context.Context, limit int, includeFlagged bool) ([]model.ValidatedFact, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentFactsSQL, limit, includeFlagged)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent facts: %w", queryErr)
	}
	defer rows.Close()

	return scanFacts(rows, limit)
}

// ListPairFacts returns validated facts for one pair in ascending date order.
func (s *Store) ListPairFacts(ctx context.Context, base, target string, from, to time.Time) ([]model.ValidatedFact, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPairFactsSQL, base, target, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list pair facts: %w", queryErr)
	}
	defer rows.Close()

	return scanFacts(rows, 0)
}

func scanFacts(rows pgx.Rows, sizeHint int) ([]model.ValidatedFact, error) {
	facts := make([]model.ValidatedFact, 0, sizeHint)
	for rows.Next() {
		var (
			fact        model.ValidatedFact
			rateStr     string
			inverseStr  string
			tier        string
			status      string
			varianceStr string
		)
		if err := rows.Scan(
			&fact.RateDate,
			&fact.BaseCurrency,
			&fact.TargetCurrency,
			&rateStr,
			&inverseStr,
			&fact.SourceUsed,
			&tier,
			&fact.ExtractionID,
			&fact.ExtractedAt,
			&status,
			&varianceStr,
			&fact.SourceCount,
		); err != nil {
			return nil, err
		}

		var convErr error
		fact.Rate, convErr = decimal.NewFromString(rateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse fact rate: %w", convErr)
		}
		fact.InverseRate, convErr = decimal.NewFromString(inverseStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse inverse rate: %w", convErr)
		}
		fact.ConsensusVariance, convErr = decimal.NewFromString(varianceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse consensus variance: %w", convErr)
		}
		fact.SourceTier = model.SourceTier(tier)
		fact.ValidationStatus = model.ValidationStatus(status)
		facts = append(facts, fact)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return facts, nil
}
