package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type record struct {
	id                  string
	lastHeartbeat       time.Time
	interval            time.Duration
	missed              int
	cpu                 float64
	memoryMB            uint64
	activeTasks         int
	avgTaskTime         time.Duration
	hasSample           bool
	consecutiveFailures int
	health              Level
	circuit             CircuitState
	circuitOpenedAt     time.Time
	thresholds          Thresholds
}

// Monitor tracks liveness and performance for a fleet of workers and runs a
// circuit breaker per worker. All state lives behind a single mutex;
// heartbeat ingestion, the periodic sweep and summary queries each take it
// for the duration of their read-modify-write.
type Monitor struct {
	cfg Config
	obs Observer
	now func() time.Time

	mu      sync.Mutex
	workers map[string]*record
}

// event is a deferred observer callback, collected under the lock and fired
// after release so observers may call back into the monitor.
type event func(Observer)

func NewMonitor(cfg Config, obs Observer) *Monitor {
	if obs == nil {
		obs = NopObserver{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultConfig().HeartbeatTimeout
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = DefaultConfig().CircuitTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	return &Monitor{
		cfg:     cfg,
		obs:     obs,
		now:     time.Now,
		workers: make(map[string]*record),
	}
}

func (m *Monitor) fire(events []event) {
	for _, ev := range events {
		ev(m.obs)
	}
}

// Register allocates a health record for a worker. New workers start
// Excellent with a Closed circuit and default thresholds.
func (m *Monitor) Register(workerID string) error {
	m.mu.Lock()
	if _, ok := m.workers[workerID]; ok {
		m.mu.Unlock()
		return ErrDuplicateWorker
	}
	if m.cfg.Capacity > 0 && len(m.workers) >= m.cfg.Capacity {
		m.mu.Unlock()
		return ErrCapacityExhausted
	}
	m.workers[workerID] = &record{
		id:            workerID,
		lastHeartbeat: m.now(),
		interval:      m.cfg.HeartbeatInterval,
		health:        Excellent,
		circuit:       CircuitClosed,
		thresholds:    DefaultThresholds(),
	}
	m.mu.Unlock()

	log.Info().Str("worker", workerID).Msg("health: worker registered")
	m.fire([]event{func(o Observer) { o.OnWorkerHealthy(workerID) }})
	return nil
}

// Unregister removes a worker's record. The record is forced to
// Failed/Open before removal so a concurrent reader never observes a
// vanishing worker as healthy.
func (m *Monitor) Unregister(workerID string) error {
	m.mu.Lock()
	rec, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownWorker
	}
	rec.health = Failed
	rec.circuit = CircuitOpen
	delete(m.workers, workerID)
	m.mu.Unlock()

	log.Info().Str("worker", workerID).Msg("health: worker unregistered")
	return nil
}

// SetThresholds overrides the per-worker limits.
func (m *Monitor) SetThresholds(workerID string, t Thresholds) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	rec.thresholds = t
	return nil
}

// ProcessHeartbeat ingests one metrics sample. It resets the missed
// counter, folds the task-time sample into the exponential average and
// re-grades the worker, firing observer callbacks on boundary crossings.
func (m *Monitor) ProcessHeartbeat(workerID string, hb Heartbeat) error {
	m.mu.Lock()
	rec, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownWorker
	}

	rec.lastHeartbeat = m.now()
	rec.missed = 0
	rec.cpu = hb.CPUPercent
	rec.memoryMB = hb.MemoryMB
	rec.activeTasks = hb.ActiveTasks
	if rec.hasSample {
		rec.avgTaskTime = time.Duration(float64(rec.avgTaskTime)*0.9 + float64(hb.AvgTaskTime)*0.1)
	} else {
		rec.avgTaskTime = hb.AvgTaskTime
		rec.hasSample = true
	}

	old := rec.health
	rec.health = m.assessLocked(rec)

	var events []event
	if rec.health != old {
		if rec.health <= Good && old > Good {
			// Recovered across the Good boundary.
			id := rec.id
			events = append(events, func(o Observer) { o.OnWorkerHealthy(id) })
		} else if rec.health > Good && old <= Good {
			id, lvl := rec.id, rec.health
			events = append(events, func(o Observer) { o.OnWorkerDegraded(id, lvl) })
			log.Warn().Str("worker", id).Stringer("health", lvl).Msg("health: worker degraded")
		}
	}
	// A half-open circuit closes on any heartbeat that grades the worker
	// healthy again; this is the only path from HalfOpen back to Closed.
	if rec.health <= Good && rec.circuit == CircuitHalfOpen {
		events = append(events, m.closeCircuitLocked(rec)...)
	}
	m.mu.Unlock()

	m.fire(events)
	return nil
}

// RecordTaskResult feeds task outcomes into the consecutive-failure count.
// Failures accumulate until a success or a circuit close resets them.
func (m *Monitor) RecordTaskResult(workerID string, ok bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.workers[workerID]
	if !found {
		return ErrUnknownWorker
	}
	if ok {
		rec.consecutiveFailures = 0
	} else {
		rec.consecutiveFailures++
	}
	return nil
}

// assessLocked grades a worker. Heartbeat staleness overrides every other
// signal; otherwise the grade is the count of threshold violations.
func (m *Monitor) assessLocked(rec *record) Level {
	if m.now().Sub(rec.lastHeartbeat) > m.cfg.HeartbeatTimeout {
		return Failed
	}
	violations := 0
	if rec.cpu > rec.thresholds.MaxCPUPercent {
		violations++
	}
	if rec.memoryMB > rec.thresholds.MaxMemoryMB {
		violations++
	}
	if rec.avgTaskTime > rec.thresholds.MaxAvgTaskTime {
		violations++
	}
	if rec.consecutiveFailures >= rec.thresholds.MaxConsecutiveFailures {
		violations++
	}
	switch violations {
	case 0:
		return Excellent
	case 1:
		return Good
	case 2:
		return Degraded
	default:
		return Critical
	}
}

// Assess grades a worker on demand.
func (m *Monitor) Assess(workerID string) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return Failed, ErrUnknownWorker
	}
	return m.assessLocked(rec), nil
}

// IsAvailable reports whether a worker may receive new work: its grade is
// at most Degraded and its circuit is Closed.
func (m *Monitor) IsAvailable(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return false
	}
	return m.assessLocked(rec) <= Degraded && rec.circuit == CircuitClosed
}

// CircuitState returns the breaker position for a worker.
func (m *Monitor) CircuitState(workerID string) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return CircuitOpen, ErrUnknownWorker
	}
	return rec.circuit, nil
}

// TripCircuit forces a worker's circuit Open. Tripping an already-Open
// circuit is a no-op and fires nothing.
func (m *Monitor) TripCircuit(workerID string) error {
	m.mu.Lock()
	rec, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownWorker
	}
	events := m.tripCircuitLocked(rec)
	m.mu.Unlock()

	m.fire(events)
	return nil
}

func (m *Monitor) tripCircuitLocked(rec *record) []event {
	if rec.circuit == CircuitOpen {
		return nil
	}
	rec.circuit = CircuitOpen
	rec.circuitOpenedAt = m.now()
	id := rec.id
	log.Warn().Str("worker", id).Msg("health: circuit opened")
	return []event{func(o Observer) { o.OnCircuitOpened(id) }}
}

// CloseCircuit closes a HalfOpen circuit and resets the failure count.
// Closing an Open circuit is refused: recovery must pass through HalfOpen.
func (m *Monitor) CloseCircuit(workerID string) error {
	m.mu.Lock()
	rec, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownWorker
	}
	if rec.circuit == CircuitOpen {
		m.mu.Unlock()
		return ErrCircuitOpen
	}
	events := m.closeCircuitLocked(rec)
	m.mu.Unlock()

	m.fire(events)
	return nil
}

func (m *Monitor) closeCircuitLocked(rec *record) []event {
	if rec.circuit == CircuitClosed {
		return nil
	}
	rec.circuit = CircuitClosed
	rec.consecutiveFailures = 0
	id := rec.id
	log.Info().Str("worker", id).Msg("health: circuit closed")
	return []event{func(o Observer) { o.OnCircuitClosed(id) }}
}

// TestHalfOpen probes a circuit that is already HalfOpen; any other state
// is an error and no transition is forced.
func (m *Monitor) TestHalfOpen(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	if rec.circuit != CircuitHalfOpen {
		return ErrCircuitNotHalfOpen
	}
	return nil
}

// Sweep is one pass of the periodic check: it accrues missed heartbeats,
// trips circuits for workers past their missed-heartbeat budget, and
// advances long-Open circuits to HalfOpen.
func (m *Monitor) Sweep() {
	now := m.now()

	m.mu.Lock()
	var events []event
	for _, rec := range m.workers {
		if now.Sub(rec.lastHeartbeat) > 2*rec.interval {
			rec.missed++
			if rec.missed >= rec.thresholds.MaxMissedHeartbeats && rec.circuit != CircuitOpen {
				events = append(events, m.tripCircuitLocked(rec)...)
				id := rec.id
				events = append(events, func(o Observer) { o.OnWorkerFailed(id) })
				log.Error().Str("worker", id).Int("missed", rec.missed).Msg("health: worker failed")
			}
		}
		if rec.circuit == CircuitOpen && now.Sub(rec.circuitOpenedAt) > m.cfg.CircuitTimeout {
			rec.circuit = CircuitHalfOpen
			log.Info().Str("worker", rec.id).Msg("health: circuit half-open")
		}
	}
	m.mu.Unlock()

	m.fire(events)
}

// Run sweeps on the configured cadence until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Metrics returns a snapshot of one worker's record.
func (m *Monitor) Metrics(workerID string) (WorkerMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.workers[workerID]
	if !ok {
		return WorkerMetrics{}, ErrUnknownWorker
	}
	return m.snapshotLocked(rec), nil
}

// Workers returns snapshots for every registered worker.
func (m *Monitor) Workers() []WorkerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkerMetrics, 0, len(m.workers))
	for _, rec := range m.workers {
		out = append(out, m.snapshotLocked(rec))
	}
	return out
}

func (m *Monitor) snapshotLocked(rec *record) WorkerMetrics {
	return WorkerMetrics{
		WorkerID:            rec.id,
		LastHeartbeat:       rec.lastHeartbeat,
		HeartbeatInterval:   rec.interval,
		MissedHeartbeats:    rec.missed,
		CPUPercent:          rec.cpu,
		MemoryMB:            rec.memoryMB,
		ActiveTasks:         rec.activeTasks,
		AvgTaskTime:         rec.avgTaskTime,
		ConsecutiveFailures: rec.consecutiveFailures,
		Health:              m.assessLocked(rec),
		Circuit:             rec.circuit,
		Thresholds:          rec.thresholds,
	}
}

// Summary aggregates the fleet: Excellent/Good count as healthy, Degraded
// as degraded, Critical/Failed as failed. The CPU mean covers responsive
// workers only.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	var cpuTotal float64
	var cpuSamples int
	for _, rec := range m.workers {
		lvl := m.assessLocked(rec)
		switch {
		case lvl <= Good:
			s.HealthyWorkers++
		case lvl == Degraded:
			s.DegradedWorkers++
		default:
			s.FailedWorkers++
		}
		if rec.circuit == CircuitOpen {
			s.CircuitsOpen++
		}
		s.MemoryTotalMB += rec.memoryMB
		s.ActiveTasks += rec.activeTasks
		if lvl <= Degraded {
			cpuTotal += rec.cpu
			cpuSamples++
		}
	}
	if cpuSamples > 0 {
		s.CPUAverage = cpuTotal / float64(cpuSamples)
	}
	return s
}
