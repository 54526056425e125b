package registry

import (
	"errors"
	"fmt"
	"time"
)

// Category buckets capabilities by the subsystem they serve.
type Category int

const (
	CategoryCore Category = iota
	CategoryCoordination
	CategoryMonitoring
	CategorySimulation
	CategoryRendering
	CategoryAI
	categoryCount
)

func (c Category) String() string {
	switch c {
	case CategoryCore:
		return "core"
	case CategoryCoordination:
		return "coordination"
	case CategoryMonitoring:
		return "monitoring"
	case CategorySimulation:
		return "simulation"
	case CategoryRendering:
		return "rendering"
	case CategoryAI:
		return "ai"
	default:
		return "unknown"
	}
}

// Priority orders capabilities when the coordinator has to shed load.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// MaxCapabilityDependencies bounds the dependency list of one capability.
const MaxCapabilityDependencies = 8

// ResourceNeeds declares what a capability consumes while active.
type ResourceNeeds struct {
	CPU          float64 `json:"cpu" yaml:"cpu"` // fraction of one core
	MemoryMB     uint64  `json:"memory_mb" yaml:"memory_mb"`
	NetworkMbps  uint64  `json:"network_mbps" yaml:"network_mbps"`
}

// Capability is one named, versioned unit of work a worker can perform.
// Token is an identity the registry assigns when the caller leaves it empty.
type Capability struct {
	Name         string        `json:"name" yaml:"name"`
	Version      string        `json:"version" yaml:"version"`
	Description  string        `json:"description" yaml:"description"`
	Category     Category      `json:"category" yaml:"category"`
	Priority     Priority      `json:"priority" yaml:"priority"`
	Resources    ResourceNeeds `json:"resources" yaml:"resources"`
	Dependencies []string      `json:"dependencies" yaml:"dependencies"`
	Token        string        `json:"token" yaml:"token"`
}

// WorkerState is the registry's view of a worker's load.
type WorkerState int

const (
	WorkerIdle WorkerState = iota
	WorkerBusy
	WorkerError
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerError:
		return "error"
	default:
		return "unknown"
	}
}

// WorkerInfo is the static description supplied at registration.
type WorkerInfo struct {
	Name               string        `json:"name" yaml:"name"`
	Version            string        `json:"version" yaml:"version"`
	Description        string        `json:"description" yaml:"description"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	HeartbeatInterval  time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// Worker is a registry snapshot returned to callers.
type Worker struct {
	ID           uint32
	Info         WorkerInfo
	State        WorkerState
	Capabilities []Capability
}

// TaskRequirements describes what a task needs from a worker.
type TaskRequirements struct {
	RequiredCapabilities []string `json:"required_capabilities"`
	MinCPUCores          int      `json:"min_cpu_cores"`
	MinMemoryMB          uint64   `json:"min_memory_mb"`
	MinBandwidthMbps     uint64   `json:"min_bandwidth_mbps"`
}

// ScoredWorker pairs a candidate with its compatibility score.
type ScoredWorker struct {
	WorkerID uint32
	Score    float64
}

// Stats summarizes the registry for the status endpoint.
type Stats struct {
	TotalWorkers      int
	TotalCapabilities int
	IdleWorkers       int
	BusyWorkers       int
	ErrorWorkers      int
	PluginDir         string
	PluginWatch       bool
}

var (
	ErrNotFound         = errors.New("registry: not found")
	ErrWorkerNotFound   = errors.New("registry: worker not found")
	ErrDuplicateName    = errors.New("registry: duplicate name")
	ErrNoSuitableWorker = errors.New("registry: no suitable worker")
	ErrNoProvider       = errors.New("registry: no capability provider configured")
)

// ValidationError reports a malformed capability field. It is returned
// before any registry mutation happens.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

func validateCapability(c *Capability) error {
	if c.Name == "" {
		return ValidationError{Field: "name", Value: "", Message: "capability name is required"}
	}
	if c.Version == "" {
		return ValidationError{Field: "version", Value: "", Message: "capability version is required"}
	}
	if c.Category < 0 || c.Category >= categoryCount {
		return ValidationError{Field: "category", Value: fmt.Sprintf("%d", c.Category), Message: "category out of range"}
	}
	if c.Priority < 0 || c.Priority >= priorityCount {
		return ValidationError{Field: "priority", Value: fmt.Sprintf("%d", c.Priority), Message: "priority out of range"}
	}
	if len(c.Dependencies) > MaxCapabilityDependencies {
		return ValidationError{
			Field:   "dependencies",
			Value:   fmt.Sprintf("%d", len(c.Dependencies)),
			Message: fmt.Sprintf("at most %d dependencies allowed", MaxCapabilityDependencies),
		}
	}
	return nil
}

// CompareVersions orders two major.minor.patch version strings. Negative
// means a < b, zero equal, positive a > b.
func CompareVersions(a, b string) int {
	var aMaj, aMin, aPat, bMaj, bMin, bPat int
	fmt.Sscanf(a, "%d.%d.%d", &aMaj, &aMin, &aPat)
	fmt.Sscanf(b, "%d.%d.%d", &bMaj, &bMin, &bPat)
	if aMaj != bMaj {
		return aMaj - bMaj
	}
	if aMin != bMin {
		return aMin - bMin
	}
	return aPat - bPat
}
