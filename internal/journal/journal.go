// Package journal persists an audit trail of health and circuit
// transitions plus periodic fleet snapshots to SQLite. It is an append-only
// log, not coordination state: the coordinator never reads it on the hot
// path.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/DrunkOnJava/citymesh/internal/health"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Event kinds recorded by the observer hooks.
const (
	KindWorkerHealthy  = "worker-healthy"
	KindWorkerDegraded = "worker-degraded"
	KindWorkerFailed   = "worker-failed"
	KindCircuitOpened  = "circuit-opened"
	KindCircuitClosed  = "circuit-closed"
	KindConflict       = "conflict"
)

// Event is one journal row.
type Event struct {
	ID       int64
	At       time.Time
	Kind     string
	WorkerID string
	Detail   string
}

type entry struct {
	kind   string
	worker string
	detail string
}

// Journal writes events through a buffered channel so observer callbacks
// never block on disk. A full buffer drops the event with a log line rather
// than stalling heartbeat ingestion.
type Journal struct {
	db *sql.DB

	ch      chan entry
	done    chan struct{}
	pending atomic.Int64

	closeOnce sync.Once
}

const bufferSize = 256

// Open creates or opens the journal database and starts the writer
// goroutine. Use ":memory:" for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:   db,
		ch:   make(chan entry, bufferSize),
		done: make(chan struct{}),
	}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	go j.writer()
	return j, nil
}

func (j *Journal) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := j.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for e := range j.ch {
		if _, err := j.db.Exec(
			`INSERT INTO events (kind, worker_id, detail) VALUES (?, ?, ?)`,
			e.kind, e.worker, e.detail,
		); err != nil {
			log.Error().Err(err).Str("kind", e.kind).Msg("journal: write failed")
		}
		j.pending.Add(-1)
	}
}

// Close stops the writer, flushes buffered events and closes the database.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		close(j.ch)
	})
	<-j.done
	return j.db.Close()
}

func (j *Journal) record(e entry) {
	j.pending.Add(1)
	select {
	case j.ch <- e:
	default:
		j.pending.Add(-1)
		log.Warn().Str("kind", e.kind).Str("worker", e.worker).Msg("journal: buffer full, event dropped")
	}
}

// OnWorkerHealthy implements health.Observer.
func (j *Journal) OnWorkerHealthy(workerID string) {
	j.record(entry{kind: KindWorkerHealthy, worker: workerID})
}

// OnWorkerDegraded implements health.Observer.
func (j *Journal) OnWorkerDegraded(workerID string, level health.Level) {
	j.record(entry{kind: KindWorkerDegraded, worker: workerID, detail: level.String()})
}

// OnWorkerFailed implements health.Observer.
func (j *Journal) OnWorkerFailed(workerID string) {
	j.record(entry{kind: KindWorkerFailed, worker: workerID})
}

// OnCircuitOpened implements health.Observer.
func (j *Journal) OnCircuitOpened(workerID string) {
	j.record(entry{kind: KindCircuitOpened, worker: workerID})
}

// OnCircuitClosed implements health.Observer.
func (j *Journal) OnCircuitClosed(workerID string) {
	j.record(entry{kind: KindCircuitClosed, worker: workerID})
}

// RecordConflict journals a reported conflict.
func (j *Journal) RecordConflict(conflictID, description string) {
	j.record(entry{kind: KindConflict, worker: conflictID, detail: description})
}

// RecordSnapshot persists one fleet summary row. Snapshots are written
// synchronously; callers invoke this on a timer, not in a callback.
func (j *Journal) RecordSnapshot(ctx context.Context, s health.Summary) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO snapshots (healthy_workers, degraded_workers, failed_workers,
		    circuits_open, active_tasks, memory_total_mb, cpu_average)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.HealthyWorkers, s.DegradedWorkers, s.FailedWorkers,
		s.CircuitsOpen, s.ActiveTasks, s.MemoryTotalMB, s.CPUAverage,
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Events returns up to limit journal rows for one worker, newest first. An
// empty worker id returns rows for the whole fleet.
func (j *Journal) Events(ctx context.Context, workerID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, at, kind, worker_id, detail FROM events`
	args := []any{}
	if workerID != "" {
		query += ` WHERE worker_id = ?`
		args = append(args, workerID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.WorkerID, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sync blocks until every event queued before the call is on disk. Test
// helper; production code never needs it.
func (j *Journal) Sync() {
	for j.pending.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}
