package coordinator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/DrunkOnJava/citymesh/internal/registry"
)

func newToken() string {
	return uuid.NewString()
}

// CreateTask records a new task in the Pending state. The id is derived
// from a sequence so logs sort chronologically.
func (c *Coordinator) CreateTask(name, assignee string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskSeq++
	id := fmt.Sprintf("task-%d", c.taskSeq)
	now := c.now()
	c.tasks[id] = &Task{
		ID:        id,
		Name:      name,
		Assignee:  assignee,
		State:     TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// GetTask returns a snapshot of one task.
func (c *Coordinator) GetTask(id string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// UpdateTask sets a task's state and progress. Progress is clamped to
// [0,1]; leaving Blocked clears the blocked reason.
func (c *Coordinator) UpdateTask(id string, state TaskState, progress float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}
	t.State = state
	t.Progress = progress
	t.UpdatedAt = c.now()
	if state != TaskBlocked {
		t.BlockedReason = ""
	}
	switch state {
	case TaskComplete:
		c.metrics.tasksCompleted++
	case TaskFailed:
		c.metrics.tasksFailed++
	}
	return nil
}

// BlockTask moves a task to Blocked with a reason.
func (c *Coordinator) BlockTask(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.State = TaskBlocked
	t.BlockedReason = reason
	t.UpdatedAt = c.now()
	return nil
}

// AddDependency appends a dependency to a task. Both ids must exist.
func (c *Coordinator) AddDependency(taskID, depID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if _, ok := c.tasks[depID]; !ok {
		return ErrTaskNotFound
	}
	t.Dependencies = append(t.Dependencies, depID)
	t.UpdatedAt = c.now()
	return nil
}

// depsSatisfiedLocked reports whether every known dependency of a task is
// Complete. Dependency ids the coordinator has never seen are treated as
// external and do not block.
func (c *Coordinator) depsSatisfiedLocked(deps []string) bool {
	for _, dep := range deps {
		if t, ok := c.tasks[dep]; ok && t.State != TaskComplete {
			return false
		}
	}
	return true
}

// AssignRequest is a placement request. WorkerID may be empty, in which
// case the coordinator picks the best available worker for Requirements.
type AssignRequest struct {
	TaskID       string
	WorkerID     string
	Type         string
	Description  string
	Payload      []byte
	Priority     int
	Deadline     time.Time
	Dependencies []string
	Requirements registry.TaskRequirements
}

// Assign places a task. The registry shortlist is filtered by the health
// monitor's availability check; the chosen worker receives the assignment
// through its next heartbeat response. Unsatisfied dependencies yield
// Blocked, an empty shortlist yields Failed.
func (c *Coordinator) Assign(req AssignRequest) (AssignStatus, string, error) {
	c.mu.Lock()
	if !c.depsSatisfiedLocked(req.Dependencies) {
		c.mu.Unlock()
		return AssignBlocked, "", nil
	}
	c.metrics.messages++
	c.mu.Unlock()

	workerID := req.WorkerID
	if workerID == "" {
		picked, err := c.pickWorker(req.Requirements)
		if err != nil {
			return AssignFailed, "", err
		}
		workerID = picked
	} else if !c.monitor.IsAvailable(workerID) {
		// Caller pinned a worker that cannot take work right now.
		return AssignFailed, "", nil
	}

	c.mu.Lock()
	b, ok := c.bindings[workerID]
	if !ok {
		c.mu.Unlock()
		return AssignFailed, "", ErrWorkerUnknown
	}
	taskID := req.TaskID
	if taskID == "" {
		c.taskSeq++
		taskID = fmt.Sprintf("task-%d", c.taskSeq)
	}
	now := c.now()
	if t, exists := c.tasks[taskID]; exists {
		t.Assignee = workerID
		t.UpdatedAt = now
	} else {
		c.tasks[taskID] = &Task{
			ID:           taskID,
			Name:         req.Type,
			Assignee:     workerID,
			State:        TaskPending,
			CreatedAt:    now,
			UpdatedAt:    now,
			Dependencies: req.Dependencies,
		}
	}
	b.queue = append(b.queue, Assignment{
		TaskID:       taskID,
		Type:         req.Type,
		Description:  req.Description,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Deadline:     req.Deadline,
		Dependencies: req.Dependencies,
	})
	c.metrics.tasksAssigned++
	c.mu.Unlock()

	c.syncWorkerState(workerID)
	log.Info().Str("task", taskID).Str("worker", workerID).Str("type", req.Type).
		Msg("coordinator: task assigned")
	return AssignAccepted, workerID, nil
}

// pickWorker walks the registry's ranked shortlist and returns the first
// candidate the health monitor considers available.
func (c *Coordinator) pickWorker(req registry.TaskRequirements) (string, error) {
	ranked := c.registry.RankWorkersForTask(req)

	c.mu.Lock()
	byRegID := make(map[uint32]string, len(c.bindings))
	for id, b := range c.bindings {
		byRegID[b.registryID] = id
	}
	c.mu.Unlock()

	for _, cand := range ranked {
		workerID, bound := byRegID[cand.WorkerID]
		if !bound {
			continue
		}
		if c.monitor.IsAvailable(workerID) {
			return workerID, nil
		}
	}
	return "", registry.ErrNoSuitableWorker
}

// ReportTaskResult is the worker's completion report. It feeds the health
// monitor's failure counter, finalizes the task and frees the worker slot.
func (c *Coordinator) ReportTaskResult(workerID, taskID string, succeeded bool) error {
	c.mu.Lock()
	b, ok := c.bindings[workerID]
	if !ok {
		c.mu.Unlock()
		return ErrWorkerUnknown
	}
	t, found := c.tasks[taskID]
	if !found {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	if b.active > 0 {
		b.active--
	}
	t.UpdatedAt = c.now()
	if succeeded {
		t.State = TaskComplete
		t.Progress = 1
		c.metrics.tasksCompleted++
	} else {
		t.State = TaskFailed
		c.metrics.tasksFailed++
	}
	c.metrics.messages++
	c.mu.Unlock()

	if err := c.monitor.RecordTaskResult(workerID, succeeded); err != nil {
		return err
	}
	c.syncWorkerState(workerID)
	return nil
}

// ReportConflict records a contention between workers.
func (c *Coordinator) ReportConflict(description string, workerIDs []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictSeq++
	id := fmt.Sprintf("conflict-%d", c.conflictSeq)
	c.conflicts[id] = &Conflict{
		ID:          id,
		Description: description,
		WorkerIDs:   append([]string(nil), workerIDs...),
		ReportedAt:  c.now(),
	}
	c.metrics.conflictsDetected++
	log.Warn().Str("conflict", id).Strs("workers", workerIDs).Msg("coordinator: conflict reported")
	return id
}

// ResolveConflict closes a conflict with a resolution note. A conflict
// resolves at most once.
func (c *Coordinator) ResolveConflict(id, resolution string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.conflicts[id]
	if !ok {
		return ErrConflictNotFound
	}
	if cf.Resolved {
		return ErrConflictResolved
	}
	cf.Resolved = true
	cf.Resolution = resolution
	cf.ResolvedAt = c.now()
	c.metrics.conflictsResolved++
	return nil
}

// GetConflict returns a snapshot of one conflict.
func (c *Coordinator) GetConflict(id string) (Conflict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.conflicts[id]
	if !ok {
		return Conflict{}, ErrConflictNotFound
	}
	out := *cf
	out.WorkerIDs = append([]string(nil), cf.WorkerIDs...)
	return out, nil
}
