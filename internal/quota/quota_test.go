package quota

import (
	"context"
	"testing"
	"time"
)

func TestStatusExhausted(t *testing.T) {
	if (Status{Limit: 0, Used: 500}).Exhausted() {
		t.Fatal("zero limit means unlimited")
	}
	if (Status{Limit: 100, Used: 99}).Exhausted() {
		t.Fatal("budget remaining, not exhausted")
	}
	if !(Status{Limit: 100, Used: 100}).Exhausted() {
		t.Fatal("at limit means exhausted")
	}
	if !(Status{Limit: 100, Used: 150}).Exhausted() {
		t.Fatal("over limit means exhausted")
	}
}

func TestFailover(t *testing.T) {
	priority := []string{"frankfurter", "exchangerate", "currencylayer"}

	if got := Failover("frankfurter", priority); got != "exchangerate" {
		t.Fatalf("expected exchangerate, got %q", got)
	}
	if got := Failover("exchangerate", priority); got != "currencylayer" {
		t.Fatalf("expected currencylayer, got %q", got)
	}
	if got := Failover("currencylayer", priority); got != "" {
		t.Fatalf("last source has no fallback, got %q", got)
	}
	if got := Failover("unknown", priority); got != "" {
		t.Fatalf("unlisted source has no fallback, got %q", got)
	}
	if got := Failover("frankfurter", nil); got != "" {
		t.Fatalf("empty priority list has no fallback, got %q", got)
	}
}

func TestRecordRequestWithoutPool(t *testing.T) {
	ctx := context.Background()

	var tracker *Tracker
	if err := tracker.RecordRequest(ctx, "frankfurter", true); err != ErrNotConfigured {
		t.Fatalf("nil tracker should report not configured, got %v", err)
	}

	tracker = &Tracker{}
	if err := tracker.RecordRequest(ctx, "frankfurter", true); err != ErrNotConfigured {
		t.Fatalf("pool-less tracker should report not configured, got %v", err)
	}
	if _, err := tracker.MarkThrottled(ctx, "frankfurter", nil); err != ErrNotConfigured {
		t.Fatalf("pool-less tracker should report not configured, got %v", err)
	}
}

func TestStatusFields(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	st := Status{SourceID: "currencylayer", Limit: 1000, Used: 10, CycleStart: start, ExpiresAt: start.AddDate(0, 0, 30)}
	if st.Throttled || st.Exhausted() {
		t.Fatalf("fresh cycle should be usable: %+v", st)
	}
}
