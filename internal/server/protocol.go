package server

import (
	"time"

	"github.com/DrunkOnJava/citymesh/internal/coordinator"
)

// Wire types for the coordinator/worker RPC contract. Field names are the
// contract; durations travel as milliseconds, timestamps as Unix
// milliseconds.

// WireCapability is a capability as declared at registration.
type WireCapability struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description,omitempty"`
	Category     string   `json:"category,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	CPU          float64  `json:"cpu,omitempty"`
	MemoryMB     uint64   `json:"memory_mb,omitempty"`
	NetworkMbps  uint64   `json:"network_mbps,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// WorkerSpec declares the worker's runtime envelope.
type WorkerSpec struct {
	MaxConcurrentTasks  int      `json:"max_concurrent_tasks"`
	MemoryRequirementMB uint64   `json:"memory_requirement_mb"`
	Dependencies        []string `json:"dependencies,omitempty"`
	PriorityLevel       int      `json:"priority_level"`
}

// WorkerConfig is handed back at registration.
type WorkerConfig struct {
	HeartbeatIntervalMS int64    `json:"heartbeat_interval_ms"`
	TaskTimeoutMS       int64    `json:"task_timeout_ms"`
	MaxConcurrentTasks  int      `json:"max_concurrent_tasks"`
	DebugMode           bool     `json:"debug_mode"`
	BlockedWorkers      []string `json:"blocked_workers,omitempty"`
}

type RegisterWorkerRequest struct {
	WorkerID     string           `json:"worker_id"`
	DisplayName  string           `json:"display_name"`
	Capabilities []WireCapability `json:"capabilities,omitempty"`
	Version      string           `json:"version"`
	Spec         WorkerSpec       `json:"spec"`
}

type RegisterWorkerResponse struct {
	Accepted    bool         `json:"accepted"`
	WorkerToken string       `json:"worker_token,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Config      WorkerConfig `json:"config"`
}

// WorkerHealth is the heartbeat's metrics block.
type WorkerHealth struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsageMB      uint64  `json:"memory_usage_mb"`
	ActiveTaskCount    int     `json:"active_task_count"`
	CompletedTaskCount int     `json:"completed_task_count"`
	FailedTaskCount    int     `json:"failed_task_count"`
	AverageTaskTimeMS  int64   `json:"average_task_time_ms"`
	StatusMessage      string  `json:"status_message,omitempty"`
}

type HeartbeatRequest struct {
	WorkerID    string       `json:"worker_id"`
	TimestampMS int64        `json:"timestamp_ms"`
	Health      WorkerHealth `json:"health"`
	ActiveTasks []string     `json:"active_tasks,omitempty"`
}

// PendingTask is one queued assignment delivered through the heartbeat.
type PendingTask struct {
	TaskID       string   `json:"task_id"`
	Type         string   `json:"type"`
	Description  string   `json:"description,omitempty"`
	Payload      []byte   `json:"payload,omitempty"`
	Priority     int      `json:"priority"`
	DeadlineMS   int64    `json:"deadline_ms,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type HeartbeatResponse struct {
	Acknowledged bool          `json:"acknowledged"`
	PendingTasks []PendingTask `json:"pending_tasks,omitempty"`
	Directive    string        `json:"directive"`
}

type AssignTaskRequest struct {
	TaskID       string   `json:"task_id,omitempty"`
	WorkerID     string   `json:"worker_id,omitempty"`
	Type         string   `json:"type"`
	Description  string   `json:"description,omitempty"`
	Payload      []byte   `json:"payload,omitempty"`
	Priority     int      `json:"priority"`
	DeadlineMS   int64    `json:"deadline_ms,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Requirements beyond the implied type capability.
	MinCPUCores      int    `json:"min_cpu_cores,omitempty"`
	MinMemoryMB      uint64 `json:"min_memory_mb,omitempty"`
	MinBandwidthMbps uint64 `json:"min_bandwidth_mbps,omitempty"`
}

type AssignTaskResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// TaskMetrics is the worker's accounting for one finished task.
type TaskMetrics struct {
	StartTimeMS  int64    `json:"start_time_ms"`
	EndTimeMS    int64    `json:"end_time_ms"`
	CPUTimeMS    int64    `json:"cpu_time_ms"`
	PeakMemoryMB uint64   `json:"peak_memory_mb"`
	CacheHits    uint64   `json:"cache_hits"`
	CacheMisses  uint64   `json:"cache_misses"`
	Notes        []string `json:"notes,omitempty"`
}

type TaskResultRequest struct {
	WorkerID      string      `json:"worker_id"`
	TaskID        string      `json:"task_id"`
	Status        string      `json:"status"` // completed or failed
	Message       string      `json:"message,omitempty"`
	ResultPayload []byte      `json:"result_payload,omitempty"`
	Artifacts     []string    `json:"artifacts,omitempty"`
	Metrics       TaskMetrics `json:"metrics"`
}

type TaskResultResponse struct {
	Acknowledged bool   `json:"acknowledged"`
	Reason       string `json:"reason,omitempty"`
}

type ResourceRequest struct {
	WorkerID           string `json:"worker_id"`
	RequestID          string `json:"request_id"`
	Type               string `json:"type"` // file, memory-pool, compute-thread, gpu-context, network-port
	ResourceIdentifier string `json:"resource_identifier"`
	AccessMode         string `json:"access_mode"` // read, write, exclusive
	DurationSeconds    int64  `json:"duration_seconds"`
}

type ResourceResponse struct {
	Granted     bool   `json:"granted"`
	LeaseToken  string `json:"lease_token,omitempty"`
	ExpiresAtMS int64  `json:"expires_at_ms,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type IntegrationStepWire struct {
	StepID         string   `json:"step_id"`
	WorkerID       string   `json:"worker_id"`
	Action         string   `json:"action"`
	Dependencies   []string `json:"dependencies,omitempty"`
	TimeoutSeconds int64    `json:"timeout_seconds"`
}

type IntegrationRequest struct {
	InitiatorWorkerID    string            `json:"initiator_worker_id"`
	ParticipantWorkerIDs []string          `json:"participant_worker_ids"`
	IntegrationType      string            `json:"integration_type"`
	Description          string            `json:"description,omitempty"`
	Configuration        map[string]string `json:"configuration,omitempty"`
}

type IntegrationResponse struct {
	Approved      bool                  `json:"approved"`
	IntegrationID string                `json:"integration_id,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Steps         []IntegrationStepWire `json:"steps,omitempty"`
}

// StatusResponse is the coordinator's status page.
type StatusResponse struct {
	Version         string  `json:"version"`
	HealthyWorkers  int     `json:"healthy_workers"`
	DegradedWorkers int     `json:"degraded_workers"`
	FailedWorkers   int     `json:"failed_workers"`
	CircuitsOpen    int     `json:"circuits_open"`
	ActiveTasks     int     `json:"active_tasks"`
	CPUAverage      float64 `json:"cpu_average"`
	MemoryTotalMB   uint64  `json:"memory_total_mb"`

	TotalWorkers      int `json:"total_workers"`
	TotalCapabilities int `json:"total_capabilities"`

	MessagesProcessed     uint64 `json:"messages_processed"`
	ConflictsDetected     uint64 `json:"conflicts_detected"`
	ConflictsResolved     uint64 `json:"conflicts_resolved"`
	IntegrationsCompleted uint64 `json:"integrations_completed"`
	TasksAssigned         uint64 `json:"tasks_assigned"`
	AvgResponseTimeMS     int64  `json:"avg_response_time_ms"`
}

func parseResourceType(s string) (coordinator.ResourceType, bool) {
	switch s {
	case "file":
		return coordinator.ResourceFile, true
	case "memory-pool":
		return coordinator.ResourceMemoryPool, true
	case "compute-thread":
		return coordinator.ResourceComputeThread, true
	case "gpu-context":
		return coordinator.ResourceGPUContext, true
	case "network-port":
		return coordinator.ResourceNetworkPort, true
	default:
		return 0, false
	}
}

func parseAccessMode(s string) (coordinator.AccessMode, bool) {
	switch s {
	case "read":
		return coordinator.AccessRead, true
	case "write":
		return coordinator.AccessWrite, true
	case "exclusive":
		return coordinator.AccessExclusive, true
	default:
		return 0, false
	}
}

func wirePendingTasks(assignments []coordinator.Assignment) []PendingTask {
	out := make([]PendingTask, 0, len(assignments))
	for _, a := range assignments {
		pt := PendingTask{
			TaskID:       a.TaskID,
			Type:         a.Type,
			Description:  a.Description,
			Payload:      a.Payload,
			Priority:     a.Priority,
			Dependencies: a.Dependencies,
		}
		if !a.Deadline.IsZero() {
			pt.DeadlineMS = a.Deadline.UnixMilli()
		}
		out = append(out, pt)
	}
	return out
}

func wireSteps(steps []coordinator.IntegrationStep) []IntegrationStepWire {
	out := make([]IntegrationStepWire, 0, len(steps))
	for _, s := range steps {
		out = append(out, IntegrationStepWire{
			StepID:         s.StepID,
			WorkerID:       s.WorkerID,
			Action:         s.Action,
			Dependencies:   s.Dependencies,
			TimeoutSeconds: int64(s.Timeout / time.Second),
		})
	}
	return out
}
