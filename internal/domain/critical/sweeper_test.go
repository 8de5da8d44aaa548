package critical

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labops/labops/internal/platform/notification"
)

func newSweeperFixture(t *testing.T) (*trackerFixture, *Sweeper) {
	t.Helper()
	f := newTrackerFixture(t)
	s := NewSweeper(f.tracker, time.Minute, 4, zerolog.Nop())
	s.now = func() time.Time { return f.clock }
	return f, s
}

func TestSweep_EscalatesAfterThresholdOnly(t *testing.T) {
	f, s := newSweeperFixture(t)
	r := f.create(t)

	// 29 minutes in: not stale yet.
	f.advance(29 * time.Minute)
	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != 0 {
		t.Errorf("no escalation before the threshold, got %d", stats.Escalated)
	}
	if got := f.reload(t, r.ID); got.Status != StatusNotified {
		t.Errorf("expected still notified, got %s", got.Status)
	}

	// 31 minutes in: stale.
	f.advance(2 * time.Minute)
	stats, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != 1 {
		t.Errorf("expected one escalation, got %d", stats.Escalated)
	}
	if got := f.reload(t, r.ID); got.Status != StatusEscalated {
		t.Errorf("expected escalated, got %s", got.Status)
	}
}

func TestSweep_Idempotent(t *testing.T) {
	f, s := newSweeperFixture(t)
	r := f.create(t)

	f.advance(31 * time.Minute)
	first, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	second, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if first.Escalated != 1 || second.Escalated != 0 {
		t.Errorf("expected 1 then 0 escalations, got %d then %d", first.Escalated, second.Escalated)
	}
	if got := f.reload(t, r.ID); got.EscalatedAt == nil {
		t.Error("expected escalation timestamp preserved")
	}
}

func TestSweep_AcknowledgementPreventsEscalation(t *testing.T) {
	f, s := newSweeperFixture(t)
	r := f.create(t)

	f.advance(10 * time.Minute)
	if _, err := f.tracker.Acknowledge(context.Background(), r.ID, "prov-1"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	f.advance(25 * time.Minute) // 35 minutes since notification
	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != 0 {
		t.Errorf("acknowledged results must never escalate, got %d", stats.Escalated)
	}
	if got := f.reload(t, r.ID); got.Status != StatusAcknowledged {
		t.Errorf("expected acknowledged, got %s", got.Status)
	}
}

func TestSweep_RetriesPendingResults(t *testing.T) {
	f, s := newSweeperFixture(t)

	// Strip the provider's addresses so the first fan-out has nothing to
	// attempt and the result stays pending.
	roster := f.tracker.roster.(*notification.StaticRoster)
	saved := roster.Recipients[0]
	roster.Recipients[0].Phone = ""
	roster.Recipients[0].Email = ""

	r := f.create(t)
	if got := f.reload(t, r.ID); got.Status != StatusPending {
		t.Fatalf("expected pending after unreachable fan-out, got %s", got.Status)
	}

	// Addresses restored, the next sweep retries and notifies.
	roster.Recipients[0] = saved
	f.advance(time.Minute)
	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Retried != 1 {
		t.Errorf("expected one retried notification, got %d", stats.Retried)
	}
	got := f.reload(t, r.ID)
	if got.Status != StatusNotified || got.Attempts != 1 {
		t.Errorf("expected notified with one counted attempt, got %s / %d", got.Status, got.Attempts)
	}
}

func TestSweep_ManyRecordsThroughWorkerPool(t *testing.T) {
	f, s := newSweeperFixture(t)

	const n = 25
	for i := 0; i < n; i++ {
		f.create(t)
		f.advance(time.Second)
	}

	f.advance(31 * time.Minute)
	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Escalated != n {
		t.Errorf("expected %d escalations, got %d", n, stats.Escalated)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no errors, got %d", stats.Errors)
	}
}

func TestSweep_CancelledContextStops(t *testing.T) {
	f, s := newSweeperFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t)
	}
	f.advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A cancelled context must not hang the pass.
	if _, err := s.Sweep(ctx); err != nil {
		t.Logf("sweep returned error on cancelled context: %v", err)
	}
}
