// Package quota tracks per-source API usage over rolling cycles so the run
// driver can exclude exhausted or throttled sources without failing the run.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ManosCoffee/makerates/internal/config"
	"github.com/ManosCoffee/makerates/internal/logging"
)

const (
	// StatusActive marks a cycle still accepting requests.
	StatusActive = "active"
	// StatusThrottled marks a cycle cut off by an upstream 429.
	StatusThrottled = "throttled"
)

const (
	latestCycleSQL = `SELECT cycle_start, quota_limit, request_count, status, expires_at
    FROM quota_cycles
    WHERE source_id = $1
    ORDER BY cycle_start DESC
    LIMIT 1;`

	insertCycleSQL = `INSERT INTO quota_cycles (
        source_id, cycle_start, quota_limit, request_count, status, expires_at
    ) VALUES ($1,$2,$3,0,'active',$4)
    ON CONFLICT (source_id, cycle_start) DO NOTHING;`

	incrementCycleSQL = `UPDATE quota_cycles
    SET request_count = request_count + 1,
        last_status   = $3,
        updated_at    = now()
    WHERE source_id = $1 AND cycle_start = $2;`

	throttleCycleSQL = `UPDATE quota_cycles
    SET status = 'throttled', updated_at = now()
    WHERE source_id = $1 AND cycle_start = $2;`

	latestCyclesSQL = `SELECT DISTINCT ON (source_id)
        source_id, cycle_start, quota_limit, request_count, status, expires_at
    FROM quota_cycles
    ORDER BY source_id, cycle_start DESC;`
)

// ErrNotConfigured indicates the tracker has no database pool.
var ErrNotConfigured = errors.New("quota: pool not configured")

// Status summarises the current cycle for one source.
type Status struct {
	SourceID   string
	Limit      int
	Used       int
	Throttled  bool
	CycleStart time.Time
	ExpiresAt  time.Time
}

// Exhausted reports whether the source has no remaining budget. A zero limit
// means unlimited.
func (s Status) Exhausted() bool {
	return s.Limit > 0 && s.Used >= s.Limit
}

// Tracker keeps per-source request cycles in Postgres.
type Tracker struct {
	pool      *pgxpool.Pool
	cycleDays int
	limits    map[string]int
	logger    zerolog.Logger
}

// NewTracker builds a Tracker from quota configuration.
func NewTracker(pool *pgxpool.Pool, cfg config.QuotaConfig, logger zerolog.Logger) *Tracker {
	return &Tracker{
		pool:      pool,
		cycleDays: cfg.CycleDays,
		limits:    cfg.Limits,
		logger:    logging.Component(logger, "quota"),
	}
}

type cycle struct {
	start     time.Time
	limit     int
	used      int
	status    string
	expiresAt time.Time
}

func (t *Tracker) activeCycle(ctx context.Context, sourceID string) (cycle, bool, error) {
	var c cycle
	err := t.pool.QueryRow(ctx, latestCycleSQL, sourceID).Scan(&c.start, &c.limit, &c.used, &c.status, &c.expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cycle{}, false, nil
	}
	if err != nil {
		return cycle{}, false, fmt.Errorf("latest quota cycle for %s: %w", sourceID, err)
	}
	if time.Now().UTC().After(c.expiresAt) {
		return cycle{}, false, nil
	}
	return c, true, nil
}

func (t *Tracker) ensureCycle(ctx context.Context, sourceID string) (cycle, error) {
	c, ok, err := t.activeCycle(ctx, sourceID)
	if err != nil {
		return cycle{}, err
	}
	if ok {
		return c, nil
	}

	start := time.Now().UTC().Truncate(24 * time.Hour)
	expires := start.AddDate(0, 0, t.cycleDays)
	limit := t.limits[sourceID]
	t.logger.Info().Str("source", sourceID).Time("cycle_start", start).Msg("starting new quota cycle")

	if _, err := t.pool.Exec(ctx, insertCycleSQL, sourceID, start, limit, expires); err != nil {
		return cycle{}, fmt.Errorf("create quota cycle for %s: %w", sourceID, err)
	}
	return cycle{start: start, limit: limit, status: StatusActive, expiresAt: expires}, nil
}

// RecordRequest increments the request count for the source's active cycle,
// opening a new cycle when the previous one expired.
func (t *Tracker) RecordRequest(ctx context.Context, sourceID string, success bool) error {
	if t == nil || t.pool == nil {
		return ErrNotConfigured
	}

	c, err := t.ensureCycle(ctx, sourceID)
	if err != nil {
		return err
	}

	lastStatus := "success"
	if !success {
		lastStatus = "failed"
	}
	if _, err := t.pool.Exec(ctx, incrementCycleSQL, sourceID, c.start, lastStatus); err != nil {
		return fmt.Errorf("record request for %s: %w", sourceID, err)
	}

	used := c.used + 1
	if c.limit > 0 && used*10 >= c.limit*9 {
		t.logger.Warn().
			Str("source", sourceID).
			Int("used", used).
			Int("limit", c.limit).
			Msg("quota cycle nearly exhausted")
	}
	return nil
}

// MarkThrottled records an upstream rate-limit on the source's active cycle
// and returns the next source in priority order to fail over to, if any.
func (t *Tracker) MarkThrottled(ctx context.Context, sourceID string, priority []string) (string, error) {
	if t == nil || t.pool == nil {
		return "", ErrNotConfigured
	}

	c, err := t.ensureCycle(ctx, sourceID)
	if err != nil {
		return "", err
	}
	if _, err := t.pool.Exec(ctx, throttleCycleSQL, sourceID, c.start); err != nil {
		return "", fmt.Errorf("mark %s throttled: %w", sourceID, err)
	}
	t.logger.Warn().Str("source", sourceID).Msg("source marked throttled")

	return Failover(sourceID, priority), nil
}

// Failover picks the next source after the throttled one in priority order.
// Empty result means no fallback remains.
func Failover(throttled string, priority []string) string {
	for i, id := range priority {
		if id == throttled && i+1 < len(priority) {
			return priority[i+1]
		}
	}
	return ""
}

// Statuses reports the latest cycle for every tracked source.
func (t *Tracker) Statuses(ctx context.Context) ([]Status, error) {
	if t == nil || t.pool == nil {
		return nil, ErrNotConfigured
	}

	rows, err := t.pool.Query(ctx, latestCyclesSQL)
	if err != nil {
		return nil, fmt.Errorf("list quota cycles: %w", err)
	}
	defer rows.Close()

	statuses := make([]Status, 0)
	for rows.Next() {
		var (
			st     Status
			status string
		)
		if err := rows.Scan(&st.SourceID, &st.CycleStart, &st.Limit, &st.Used, &status, &st.ExpiresAt); err != nil {
			return nil, err
		}
		st.Throttled = status == StatusThrottled
		statuses = append(statuses, st)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return statuses, nil
}

// Available reports which sources may be used this run. Sources without any
// recorded cycle default to available.
func (t *Tracker) Available(ctx context.Context, sourceIDs []string) (map[string]bool, error) {
	statuses, err := t.Statuses(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		out[id] = true
	}
	now := time.Now().UTC()
	for _, st := range statuses {
		if _, tracked := out[st.SourceID]; !tracked {
			continue
		}
		if now.After(st.ExpiresAt) {
			continue
		}
		out[st.SourceID] = !st.Throttled && !st.Exhausted()
	}
	return out, nil
}
