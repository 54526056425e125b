package registry

import "time"

// builtinWorkers is the core roster the coordinator ships with. Each entry
// mirrors one engine subsystem and declares the capabilities it exposes to
// task placement.
var builtinWorkers = []struct {
	info WorkerInfo
	caps []Capability
}{
	{
		info: WorkerInfo{
			Name:               "orchestrator",
			Version:            "1.0.0",
			Description:        "coordination and fleet supervision",
			MaxConcurrentTasks: 4,
			HeartbeatInterval:  time.Second,
		},
		caps: []Capability{
			{
				Name:        "task_orchestration",
				Version:     "1.0.0",
				Description: "coordinate and delegate tasks across workers",
				Category:    CategoryCoordination,
				Priority:    PriorityCritical,
				Resources:   ResourceNeeds{CPU: 0.1, MemoryMB: 64, NetworkMbps: 10},
			},
			{
				Name:        "health_monitoring",
				Version:     "1.0.0",
				Description: "worker health tracking and circuit breakers",
				Category:    CategoryMonitoring,
				Priority:    PriorityHigh,
				Resources:   ResourceNeeds{CPU: 0.05, MemoryMB: 32, NetworkMbps: 5},
			},
		},
	},
	{
		info: WorkerInfo{
			Name:               "core-engine",
			Version:            "1.0.0",
			Description:        "memory and thread-pool services",
			MaxConcurrentTasks: 4,
			HeartbeatInterval:  time.Second,
		},
		caps: []Capability{
			{
				Name:        "memory_management",
				Version:     "1.0.0",
				Description: "cache-aligned memory allocation",
				Category:    CategoryCore,
				Priority:    PriorityCritical,
				Resources:   ResourceNeeds{CPU: 0.2, MemoryMB: 128},
			},
			{
				Name:         "thread_pool_management",
				Version:      "1.0.0",
				Description:  "thread pool with work stealing",
				Category:     CategoryCore,
				Priority:     PriorityHigh,
				Resources:    ResourceNeeds{CPU: 0.3, MemoryMB: 64},
				Dependencies: []string{"memory_management"},
			},
		},
	},
	{
		info: WorkerInfo{
			Name:               "simulation",
			Version:            "1.0.0",
			Description:        "entity and physics simulation",
			MaxConcurrentTasks: 4,
			HeartbeatInterval:  time.Second,
		},
		caps: []Capability{
			{
				Name:         "entity_component_system",
				Version:      "1.0.0",
				Description:  "double-buffered ECS",
				Category:     CategorySimulation,
				Priority:     PriorityCritical,
				Resources:    ResourceNeeds{CPU: 0.4, MemoryMB: 256},
				Dependencies: []string{"memory_management"},
			},
			{
				Name:         "physics_simulation",
				Version:      "1.0.0",
				Description:  "city-scale physics stepping",
				Category:     CategorySimulation,
				Priority:     PriorityHigh,
				Resources:    ResourceNeeds{CPU: 0.3, MemoryMB: 128},
				Dependencies: []string{"entity_component_system"},
			},
		},
	},
	{
		info: WorkerInfo{
			Name:               "graphics",
			Version:            "1.0.0",
			Description:        "rendering backend",
			MaxConcurrentTasks: 4,
			HeartbeatInterval:  time.Second,
		},
		caps: []Capability{
			{
				Name:        "metal_rendering",
				Version:     "1.0.0",
				Description: "GPU rendering pipeline",
				Category:    CategoryRendering,
				Priority:    PriorityCritical,
				Resources:   ResourceNeeds{CPU: 0.2, MemoryMB: 512},
			},
			{
				Name:         "shader_compilation",
				Version:      "1.0.0",
				Description:  "pre-compiled shaders with argument buffers",
				Category:     CategoryRendering,
				Priority:     PriorityHigh,
				Resources:    ResourceNeeds{CPU: 0.1, MemoryMB: 64},
				Dependencies: []string{"metal_rendering"},
			},
		},
	},
	{
		info: WorkerInfo{
			Name:               "ai",
			Version:            "1.0.0",
			Description:        "agent navigation and behavior",
			MaxConcurrentTasks: 4,
			HeartbeatInterval:  time.Second,
		},
		caps: []Capability{
			{
				Name:         "navmesh_generation",
				Version:      "1.0.0",
				Description:  "navmesh generation and pathfinding",
				Category:     CategoryAI,
				Priority:     PriorityHigh,
				Resources:    ResourceNeeds{CPU: 0.3, MemoryMB: 128},
				Dependencies: []string{"entity_component_system"},
			},
			{
				Name:         "behavior_trees",
				Version:      "1.0.0",
				Description:  "blackboard-based behavior trees",
				Category:     CategoryAI,
				Priority:     PriorityHigh,
				Resources:    ResourceNeeds{CPU: 0.2, MemoryMB: 96},
				Dependencies: []string{"navmesh_generation"},
			},
		},
	},
}

// LoadBuiltinCatalog registers the core roster and its capabilities.
// Workers already present (by name) are skipped, so the load is safe to
// repeat.
func (r *Registry) LoadBuiltinCatalog() error {
	for _, bw := range builtinWorkers {
		id, err := r.RegisterWorker(bw.info)
		if err == ErrDuplicateName {
			continue
		}
		if err != nil {
			return err
		}
		for _, c := range bw.caps {
			if err := r.RegisterCapability(id, c); err != nil {
				return err
			}
		}
	}
	return nil
}
