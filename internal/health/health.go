package health

import (
	"errors"
	"time"
)

// Level grades a worker from fully healthy to non-responsive. Lower is
// better; comparisons throughout the monitor rely on the ordering.
type Level int

const (
	Excellent Level = iota // all metrics green
	Good                   // one threshold violated
	Degraded               // two thresholds violated
	Critical               // three or more thresholds violated
	Failed                 // heartbeat stale, worker presumed dead
)

func (l Level) String() string {
	switch l {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Degraded:
		return "degraded"
	case Critical:
		return "critical"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// CircuitState is the per-worker breaker position. Legal transitions are
// Closed->Open, Open->HalfOpen, HalfOpen->Closed and HalfOpen->Open; an
// Open circuit never closes directly.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrUnknownWorker      = errors.New("health: unknown worker")
	ErrDuplicateWorker    = errors.New("health: worker already registered")
	ErrCapacityExhausted  = errors.New("health: monitor capacity exhausted")
	ErrCircuitOpen        = errors.New("health: circuit is open")
	ErrCircuitNotHalfOpen = errors.New("health: circuit is not half-open")
)

// Thresholds bound the metrics a single worker may report before its health
// grade drops. Each worker carries its own copy so hot workers can be given
// more headroom than the defaults.
type Thresholds struct {
	MaxCPUPercent          float64
	MaxMemoryMB            uint64
	MaxAvgTaskTime         time.Duration
	MaxConsecutiveFailures int
	MaxMissedHeartbeats    int
}

// DefaultThresholds returns the stock limits applied at registration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCPUPercent:          80,
		MaxMemoryMB:            2048,
		MaxAvgTaskTime:         5 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxMissedHeartbeats:    3,
	}
}

// Heartbeat is one metrics sample reported by a worker.
type Heartbeat struct {
	CPUPercent  float64
	MemoryMB    uint64
	ActiveTasks int
	AvgTaskTime time.Duration
}

// WorkerMetrics is a point-in-time snapshot of a worker's health record.
type WorkerMetrics struct {
	WorkerID            string
	LastHeartbeat       time.Time
	HeartbeatInterval   time.Duration
	MissedHeartbeats    int
	CPUPercent          float64
	MemoryMB            uint64
	ActiveTasks         int
	AvgTaskTime         time.Duration
	ConsecutiveFailures int
	Health              Level
	Circuit             CircuitState
	Thresholds          Thresholds
}

// Summary aggregates the fleet for dashboards and the status endpoint.
// CPUAverage covers only responsive workers (health <= Degraded) so dead
// workers reporting stale zeros do not skew the mean.
type Summary struct {
	HealthyWorkers  int
	DegradedWorkers int
	FailedWorkers   int
	CircuitsOpen    int
	CPUAverage      float64
	MemoryTotalMB   uint64
	ActiveTasks     int
}

// Observer receives health and circuit transitions. Callbacks run
// synchronously on the goroutine that triggered the transition, after the
// monitor lock is released; implementations must not block.
type Observer interface {
	OnWorkerHealthy(workerID string)
	OnWorkerDegraded(workerID string, level Level)
	OnWorkerFailed(workerID string)
	OnCircuitOpened(workerID string)
	OnCircuitClosed(workerID string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnWorkerHealthy(string)         {}
func (NopObserver) OnWorkerDegraded(string, Level) {}
func (NopObserver) OnWorkerFailed(string)          {}
func (NopObserver) OnCircuitOpened(string)         {}
func (NopObserver) OnCircuitClosed(string)         {}

// Config carries monitor-wide settings.
type Config struct {
	// Capacity bounds the number of registered workers. Zero means
	// unbounded.
	Capacity int
	// HeartbeatInterval is the cadence workers are expected to report at.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the staleness beyond which a worker is Failed
	// regardless of its last reported metrics.
	HeartbeatTimeout time.Duration
	// CircuitTimeout is how long an Open circuit waits before the sweep
	// advances it to HalfOpen.
	CircuitTimeout time.Duration
	// SweepInterval is the cadence of the periodic sweep run by Run.
	SweepInterval time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          64,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  10 * time.Second,
		CircuitTimeout:    30 * time.Second,
		SweepInterval:     time.Second,
	}
}
