package coordinator

import (
	"errors"
	"time"
)

// TaskState is the task lifecycle. Complete and Failed are terminal; tasks
// are never physically removed.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskInProgress
	TaskBlocked
	TaskReadyForReview
	TaskComplete
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return "in-progress"
	case TaskBlocked:
		return "blocked"
	case TaskReadyForReview:
		return "ready-for-review"
	case TaskComplete:
		return "complete"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TaskState) terminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// Task is one unit of coordinated work.
type Task struct {
	ID            string
	Name          string
	Assignee      string
	State         TaskState
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Dependencies  []string
	Progress      float64 // clamped to [0,1]
	BlockedReason string
}

// Conflict records a contention between workers. It is terminal once
// resolved.
type Conflict struct {
	ID          string
	Description string
	WorkerIDs   []string
	Resolved    bool
	Resolution  string
	ReportedAt  time.Time
	ResolvedAt  time.Time
}

// FileOwnership arbitrates a single path: at most one exclusive writer at a
// time, readers may coexist with each other but not with an active writer
// lock.
type FileOwnership struct {
	Path     string
	Owner    string
	Readers  map[string]struct{}
	Locked   bool
	LockedAt time.Time
}

// ResourceType classifies a resource request.
type ResourceType int

const (
	ResourceFile ResourceType = iota
	ResourceMemoryPool
	ResourceComputeThread
	ResourceGPUContext
	ResourceNetworkPort
)

func (t ResourceType) String() string {
	switch t {
	case ResourceFile:
		return "file"
	case ResourceMemoryPool:
		return "memory-pool"
	case ResourceComputeThread:
		return "compute-thread"
	case ResourceGPUContext:
		return "gpu-context"
	case ResourceNetworkPort:
		return "network-port"
	default:
		return "unknown"
	}
}

// AccessMode is how a requester wants to use a resource.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessExclusive
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// Lease is a granted non-file resource, valid until ExpiresAt.
type Lease struct {
	Token      string
	WorkerID   string
	Type       ResourceType
	Resource   string
	Mode       AccessMode
	GrantedAt  time.Time
	ExpiresAt  time.Time
}

// IntegrationStep is one worker's part of an integration plan.
type IntegrationStep struct {
	StepID       string
	WorkerID     string
	Action       string
	Dependencies []string
	Timeout      time.Duration
}

// Integration is a multi-worker coordination session: requested by an
// initiator, planned as one step per participant, completed once.
type Integration struct {
	ID           string
	Initiator    string
	Participants []string
	Type         string
	Description  string
	Steps        []IntegrationStep
	Completed    bool
	RequestedAt  time.Time
}

// Directive tells a worker what to do with itself, derived from its
// assessed health and operator state.
type Directive int

const (
	DirectiveContinue Directive = iota
	DirectiveThrottle
	DirectivePause
	DirectiveRestart
	DirectiveShutdown
)

func (d Directive) String() string {
	switch d {
	case DirectiveContinue:
		return "continue"
	case DirectiveThrottle:
		return "throttle"
	case DirectivePause:
		return "pause"
	case DirectiveRestart:
		return "restart"
	case DirectiveShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// AssignStatus is the coordinator's answer to a placement request.
type AssignStatus int

const (
	AssignAccepted AssignStatus = iota
	AssignInProgress
	AssignCompleted
	AssignFailed
	AssignBlocked
	AssignCancelled
)

func (s AssignStatus) String() string {
	switch s {
	case AssignAccepted:
		return "accepted"
	case AssignInProgress:
		return "in-progress"
	case AssignCompleted:
		return "completed"
	case AssignFailed:
		return "failed"
	case AssignBlocked:
		return "blocked"
	case AssignCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Assignment is a queued task handed to a worker through its next
// heartbeat response.
type Assignment struct {
	TaskID       string
	Type         string
	Description  string
	Payload      []byte
	Priority     int
	Deadline     time.Time
	Dependencies []string
}

// Metrics is a snapshot of the coordinator's counters and gauges.
type Metrics struct {
	MessagesProcessed     uint64
	ConflictsDetected     uint64
	ConflictsResolved     uint64
	IntegrationsCompleted uint64
	TasksAssigned         uint64
	TasksCompleted        uint64
	TasksFailed           uint64

	AvgResponseTime time.Duration
	SystemCPU       float64
	SystemMemoryMB  uint64
	ActiveWorkers   int
}

var (
	ErrTaskNotFound        = errors.New("coordinator: task not found")
	ErrConflictNotFound    = errors.New("coordinator: conflict not found")
	ErrConflictResolved    = errors.New("coordinator: conflict already resolved")
	ErrIntegrationNotFound = errors.New("coordinator: integration not found")
	ErrFileLocked          = errors.New("coordinator: file locked by another owner")
	ErrFileNotOwned        = errors.New("coordinator: file not owned by caller")
	ErrWorkerUnknown       = errors.New("coordinator: worker not registered")
	ErrWorkerBlocked       = errors.New("coordinator: worker is blocklisted")
)
