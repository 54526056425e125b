package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DrunkOnJava/citymesh/internal/health"
	"github.com/DrunkOnJava/citymesh/internal/registry"
)

// Config tunes the coordinator's worker-facing policies.
type Config struct {
	// BlockedWorkers are worker ids refused at registration and told to
	// shut down if they heartbeat anyway.
	BlockedWorkers []string
	// DefaultLeaseDuration applies when a resource request carries none.
	DefaultLeaseDuration time.Duration
	// StepTimeout is the per-step budget in integration plans.
	StepTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DefaultLeaseDuration: 5 * time.Minute,
		StepTimeout:          30 * time.Second,
	}
}

// binding ties one transport-level worker id to its registry entry.
type binding struct {
	registryID uint32
	token      string
	maxTasks   int
	active     int
	restart    bool
	queue      []Assignment
}

// Coordinator owns the task/conflict/file-ownership model and glues the
// capability registry to the health monitor for placement. The registry and
// monitor keep their own locks; the coordinator's mutex guards only its own
// tables and is never held across calls into either.
type Coordinator struct {
	cfg      Config
	registry *registry.Registry
	monitor  *health.Monitor
	now      func() time.Time

	mu           sync.Mutex
	bindings     map[string]*binding
	blocked      map[string]struct{}
	tasks        map[string]*Task
	taskSeq      uint64
	conflicts    map[string]*Conflict
	conflictSeq  uint64
	files        map[string]*FileOwnership
	leases       map[string]*Lease
	integrations map[string]*Integration

	metrics struct {
		messages              uint64
		conflictsDetected     uint64
		conflictsResolved     uint64
		integrationsCompleted uint64
		tasksAssigned         uint64
		tasksCompleted        uint64
		tasksFailed           uint64
		avgResponse           time.Duration
		hasResponseSample     bool
	}
}

func New(cfg Config, reg *registry.Registry, mon *health.Monitor) *Coordinator {
	if cfg.DefaultLeaseDuration <= 0 {
		cfg.DefaultLeaseDuration = DefaultConfig().DefaultLeaseDuration
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	c := &Coordinator{
		cfg:          cfg,
		registry:     reg,
		monitor:      mon,
		now:          time.Now,
		bindings:     make(map[string]*binding),
		blocked:      make(map[string]struct{}),
		tasks:        make(map[string]*Task),
		conflicts:    make(map[string]*Conflict),
		files:        make(map[string]*FileOwnership),
		leases:       make(map[string]*Lease),
		integrations: make(map[string]*Integration),
	}
	for _, id := range cfg.BlockedWorkers {
		c.blocked[id] = struct{}{}
	}
	return c
}

// RegisterWorker binds a transport worker id to a registry entry, enrolls
// it with the health monitor and registers its capabilities. It returns the
// worker token the caller must present on subsequent requests.
func (c *Coordinator) RegisterWorker(workerID string, info registry.WorkerInfo, caps []registry.Capability) (string, error) {
	c.mu.Lock()
	if _, denied := c.blocked[workerID]; denied {
		c.mu.Unlock()
		return "", ErrWorkerBlocked
	}
	if _, exists := c.bindings[workerID]; exists {
		c.mu.Unlock()
		return "", registry.ErrDuplicateName
	}
	c.mu.Unlock()

	regID, err := c.registry.RegisterWorker(info)
	if err != nil {
		return "", err
	}
	for _, cp := range caps {
		if err := c.registry.RegisterCapability(regID, cp); err != nil {
			_ = c.registry.UnregisterWorker(regID)
			return "", fmt.Errorf("register capability %q: %w", cp.Name, err)
		}
	}
	if err := c.monitor.Register(workerID); err != nil {
		_ = c.registry.UnregisterWorker(regID)
		return "", err
	}

	token := newToken()
	maxTasks := info.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = 1
	}
	c.mu.Lock()
	c.bindings[workerID] = &binding{registryID: regID, token: token, maxTasks: maxTasks}
	c.metrics.messages++
	c.mu.Unlock()

	log.Info().Str("worker", workerID).Uint32("registry_id", regID).Msg("coordinator: worker registered")
	return token, nil
}

// UnregisterWorker tears a worker down in both the registry and the
// monitor. Its outstanding tasks are marked Failed; the caller gets no
// rollback beyond that.
func (c *Coordinator) UnregisterWorker(workerID string) error {
	c.mu.Lock()
	b, ok := c.bindings[workerID]
	if !ok {
		c.mu.Unlock()
		return ErrWorkerUnknown
	}
	delete(c.bindings, workerID)
	now := c.now()
	for _, t := range c.tasks {
		if t.Assignee == workerID && !t.State.terminal() {
			t.State = TaskFailed
			t.UpdatedAt = now
			c.metrics.tasksFailed++
		}
	}
	c.mu.Unlock()

	if err := c.registry.UnregisterWorker(b.registryID); err != nil && err != registry.ErrNotFound {
		return err
	}
	if err := c.monitor.Unregister(workerID); err != nil && err != health.ErrUnknownWorker {
		return err
	}
	log.Info().Str("worker", workerID).Msg("coordinator: worker unregistered")
	return nil
}

// RequestRestart flags a worker so its next heartbeat carries the restart
// directive.
func (c *Coordinator) RequestRestart(workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[workerID]
	if !ok {
		return ErrWorkerUnknown
	}
	b.restart = true
	return nil
}

// ProcessHeartbeat ingests a worker's metrics sample, drains its pending
// assignment queue and derives a directive from the re-assessed health.
// Blocklisted or unknown workers get the shutdown directive.
func (c *Coordinator) ProcessHeartbeat(workerID string, hb health.Heartbeat) ([]Assignment, Directive, error) {
	c.mu.Lock()
	if _, denied := c.blocked[workerID]; denied {
		c.mu.Unlock()
		return nil, DirectiveShutdown, nil
	}
	b, ok := c.bindings[workerID]
	if !ok {
		c.mu.Unlock()
		return nil, DirectiveShutdown, ErrWorkerUnknown
	}
	c.metrics.messages++
	c.mu.Unlock()

	if err := c.monitor.ProcessHeartbeat(workerID, hb); err != nil {
		return nil, DirectiveShutdown, err
	}
	lvl, err := c.monitor.Assess(workerID)
	if err != nil {
		return nil, DirectiveShutdown, err
	}

	c.mu.Lock()
	var pending []Assignment
	if lvl <= health.Good {
		pending = b.queue
		b.queue = nil
		b.active += len(pending)
		now := c.now()
		for _, a := range pending {
			if t, found := c.tasks[a.TaskID]; found && t.State == TaskPending {
				t.State = TaskInProgress
				t.UpdatedAt = now
			}
		}
	}
	directive := DirectiveContinue
	switch {
	case b.restart:
		directive = DirectiveRestart
		b.restart = false
	case lvl == health.Degraded:
		directive = DirectiveThrottle
	case lvl >= health.Critical:
		directive = DirectivePause
	}
	c.mu.Unlock()

	c.syncWorkerState(workerID)
	return pending, directive, nil
}

// syncWorkerState mirrors a worker's load into the registry so Busy
// workers drop out of placement.
func (c *Coordinator) syncWorkerState(workerID string) {
	c.mu.Lock()
	b, ok := c.bindings[workerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	regID := b.registryID
	busy := b.active+len(b.queue) >= b.maxTasks
	c.mu.Unlock()

	state := registry.WorkerIdle
	if busy {
		state = registry.WorkerBusy
	}
	_ = c.registry.SetWorkerState(regID, state)
}

// RecordResponseTime folds one request latency into the running average
// with the same smoothing the monitor applies to task times.
func (c *Coordinator) RecordResponseTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics.hasResponseSample {
		c.metrics.avgResponse = time.Duration(float64(c.metrics.avgResponse)*0.9 + float64(d)*0.1)
	} else {
		c.metrics.avgResponse = d
		c.metrics.hasResponseSample = true
	}
}

// Metrics snapshots the counters and pulls the system gauges from the
// health summary.
func (c *Coordinator) Metrics() Metrics {
	summary := c.monitor.Summary()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		MessagesProcessed:     c.metrics.messages,
		ConflictsDetected:     c.metrics.conflictsDetected,
		ConflictsResolved:     c.metrics.conflictsResolved,
		IntegrationsCompleted: c.metrics.integrationsCompleted,
		TasksAssigned:         c.metrics.tasksAssigned,
		TasksCompleted:        c.metrics.tasksCompleted,
		TasksFailed:           c.metrics.tasksFailed,
		AvgResponseTime:       c.metrics.avgResponse,
		SystemCPU:             summary.CPUAverage,
		SystemMemoryMB:        summary.MemoryTotalMB,
		ActiveWorkers:         len(c.bindings),
	}
}

// VerifyToken checks a worker's bearer token.
func (c *Coordinator) VerifyToken(workerID, token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[workerID]
	return ok && token != "" && b.token == token
}
