package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DrunkOnJava/citymesh/internal/health"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestObserverEventsRoundTrip(t *testing.T) {
	j := openTestJournal(t)

	j.OnWorkerHealthy("w1")
	j.OnWorkerDegraded("w1", health.Degraded)
	j.OnCircuitOpened("w1")
	j.OnWorkerFailed("w1")
	j.OnCircuitClosed("w1")
	j.Sync()

	events, err := j.Events(context.Background(), "w1", 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != KindCircuitClosed || events[4].Kind != KindWorkerHealthy {
		t.Errorf("unexpected ordering: first=%s last=%s", events[0].Kind, events[4].Kind)
	}
	for _, e := range events {
		if e.WorkerID != "w1" {
			t.Errorf("wrong worker id on %+v", e)
		}
	}
	if events[3].Detail != "degraded" {
		t.Errorf("degraded event should carry the level, got %q", events[3].Detail)
	}
}

func TestEventsFilterAndLimit(t *testing.T) {
	j := openTestJournal(t)

	j.OnWorkerHealthy("w1")
	j.OnWorkerHealthy("w2")
	j.OnWorkerFailed("w2")
	j.Sync()

	ctx := context.Background()
	w2, err := j.Events(ctx, "w2", 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(w2) != 2 {
		t.Errorf("expected 2 events for w2, got %d", len(w2))
	}

	all, err := j.Events(ctx, "", 2)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limit not applied: got %d", len(all))
	}
}

func TestRecordSnapshot(t *testing.T) {
	j := openTestJournal(t)

	s := health.Summary{
		HealthyWorkers:  3,
		DegradedWorkers: 1,
		FailedWorkers:   1,
		CircuitsOpen:    1,
		ActiveTasks:     7,
		MemoryTotalMB:   4096,
		CPUAverage:      42.5,
	}
	if err := j.RecordSnapshot(context.Background(), s); err != nil {
		t.Fatalf("RecordSnapshot failed: %v", err)
	}

	var healthy, failed int
	var cpu float64
	row := j.db.QueryRow(`SELECT healthy_workers, failed_workers, cpu_average FROM snapshots`)
	if err := row.Scan(&healthy, &failed, &cpu); err != nil {
		t.Fatalf("scan snapshot: %v", err)
	}
	if healthy != 3 || failed != 1 || cpu != 42.5 {
		t.Errorf("snapshot mismatch: healthy=%d failed=%d cpu=%f", healthy, failed, cpu)
	}
}

func TestJournalAsMonitorObserver(t *testing.T) {
	j := openTestJournal(t)
	mon := health.NewMonitor(health.DefaultConfig(), j)

	if err := mon.Register("w1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := mon.TripCircuit("w1"); err != nil {
		t.Fatalf("TripCircuit failed: %v", err)
	}
	j.Sync()

	events, err := j.Events(context.Background(), "w1", 10)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected registration and trip events, got %d", len(events))
	}
	if events[0].Kind != KindCircuitOpened {
		t.Errorf("expected circuit-opened newest, got %s", events[0].Kind)
	}
}
