// Package server exposes the coordinator's RPC contract over HTTP+JSON.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DrunkOnJava/citymesh/internal/config"
	"github.com/DrunkOnJava/citymesh/internal/coordinator"
	"github.com/DrunkOnJava/citymesh/internal/health"
	"github.com/DrunkOnJava/citymesh/internal/registry"
	"github.com/DrunkOnJava/citymesh/internal/telemetry"
)

// Server wires the coordinator, registry and monitor behind the RPC
// endpoints.
type Server struct {
	Version string

	cfg   config.Config
	coord *coordinator.Coordinator
	reg   *registry.Registry
	mon   *health.Monitor

	srv *http.Server
}

func New(version string, cfg config.Config, coord *coordinator.Coordinator, reg *registry.Registry, mon *health.Monitor) *Server {
	return &Server{Version: version, cfg: cfg, coord: coord, reg: reg, mon: mon}
}

// authorized enforces the optional bearer token from CITYMESH_TOKEN.
func authorized(r *http.Request) bool {
	tok := os.Getenv("CITYMESH_TOKEN")
	if tok == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	x := r.Header.Get("X-Auth-Token")
	return auth == "Bearer "+tok || x == tok
}

// handle wraps one endpoint with auth, method filtering and telemetry.
func (s *Server) handle(mux *http.ServeMux, method, path string, fn func(w http.ResponseWriter, r *http.Request)) {
	name := path
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		start := time.Now()
		telemetry.Global().Count("citymesh_requests", 1, map[string]string{"endpoint": name})
		fn(w, r)
		elapsed := time.Since(start)
		telemetry.Global().Time("citymesh_request_duration", elapsed, map[string]string{"endpoint": name})
		s.coord.RecordResponseTime(elapsed)
	})
}

func (s *Server) routes(mux *http.ServeMux) {
	s.handle(mux, http.MethodPost, "/v0/workers/register", s.handleRegister)
	s.handle(mux, http.MethodPost, "/v0/heartbeat", s.handleHeartbeat)
	s.handle(mux, http.MethodPost, "/v0/tasks/assign", s.handleAssign)
	s.handle(mux, http.MethodPost, "/v0/tasks/result", s.handleTaskResult)
	s.handle(mux, http.MethodPost, "/v0/resources/request", s.handleResource)
	s.handle(mux, http.MethodPost, "/v0/integrations/request", s.handleIntegration)
	s.handle(mux, http.MethodGet, "/v0/status", s.handleStatus)
}

// Handler builds the full route table; exported so tests can run the
// server under httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func parseCategory(s string) registry.Category {
	switch s {
	case "coordination":
		return registry.CategoryCoordination
	case "monitoring":
		return registry.CategoryMonitoring
	case "simulation":
		return registry.CategorySimulation
	case "rendering":
		return registry.CategoryRendering
	case "ai":
		return registry.CategoryAI
	default:
		return registry.CategoryCore
	}
}

func parsePriority(s string) registry.Priority {
	switch s {
	case "critical":
		return registry.PriorityCritical
	case "high":
		return registry.PriorityHigh
	case "low":
		return registry.PriorityLow
	default:
		return registry.PriorityNormal
	}
}

func (s *Server) workerConfig() WorkerConfig {
	return WorkerConfig{
		HeartbeatIntervalMS: s.cfg.Worker.HeartbeatInterval.Std().Milliseconds(),
		TaskTimeoutMS:       s.cfg.Worker.TaskTimeout.Std().Milliseconds(),
		MaxConcurrentTasks:  s.cfg.Worker.MaxConcurrentTasks,
		DebugMode:           s.cfg.Worker.DebugMode,
		BlockedWorkers:      s.cfg.Worker.BlockedWorkers,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		writeJSON(w, RegisterWorkerResponse{Reason: "worker_id is required"})
		return
	}

	name := req.DisplayName
	if name == "" {
		name = req.WorkerID
	}
	maxTasks := req.Spec.MaxConcurrentTasks
	if maxTasks <= 0 {
		maxTasks = s.cfg.Worker.MaxConcurrentTasks
	}
	info := registry.WorkerInfo{
		Name:               name,
		Version:            req.Version,
		MaxConcurrentTasks: maxTasks,
		HeartbeatInterval:  s.cfg.Worker.HeartbeatInterval.Std(),
	}
	caps := make([]registry.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, registry.Capability{
			Name:        c.Name,
			Version:     c.Version,
			Description: c.Description,
			Category:    parseCategory(c.Category),
			Priority:    parsePriority(c.Priority),
			Resources: registry.ResourceNeeds{
				CPU:         c.CPU,
				MemoryMB:    c.MemoryMB,
				NetworkMbps: c.NetworkMbps,
			},
			Dependencies: c.Dependencies,
		})
	}

	token, err := s.coord.RegisterWorker(req.WorkerID, info, caps)
	if err != nil {
		log.Warn().Err(err).Str("worker", req.WorkerID).Msg("server: registration refused")
		writeJSON(w, RegisterWorkerResponse{Reason: err.Error()})
		return
	}
	writeJSON(w, RegisterWorkerResponse{
		Accepted:    true,
		WorkerToken: token,
		Config:      s.workerConfig(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hb := health.Heartbeat{
		CPUPercent:  req.Health.CPUUsagePercent,
		MemoryMB:    req.Health.MemoryUsageMB,
		ActiveTasks: req.Health.ActiveTaskCount,
		AvgTaskTime: time.Duration(req.Health.AverageTaskTimeMS) * time.Millisecond,
	}
	pending, directive, err := s.coord.ProcessHeartbeat(req.WorkerID, hb)
	if err != nil {
		writeJSON(w, HeartbeatResponse{Directive: directive.String()})
		return
	}
	writeJSON(w, HeartbeatResponse{
		Acknowledged: true,
		PendingTasks: wirePendingTasks(pending),
		Directive:    directive.String(),
	})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req AssignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		writeJSON(w, AssignTaskResponse{Status: coordinator.AssignFailed.String(), Message: "type is required"})
		return
	}

	minCores := req.MinCPUCores
	if minCores <= 0 {
		minCores = 1
	}
	assignReq := coordinator.AssignRequest{
		TaskID:       req.TaskID,
		WorkerID:     req.WorkerID,
		Type:         req.Type,
		Description:  req.Description,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		Requirements: registry.TaskRequirements{
			RequiredCapabilities: []string{req.Type},
			MinCPUCores:          minCores,
			MinMemoryMB:          req.MinMemoryMB,
			MinBandwidthMbps:     req.MinBandwidthMbps,
		},
	}
	if req.DeadlineMS > 0 {
		assignReq.Deadline = time.UnixMilli(req.DeadlineMS)
	}

	status, worker, err := s.coord.Assign(assignReq)
	resp := AssignTaskResponse{Status: status.String(), TaskID: req.TaskID, WorkerID: worker}
	if err != nil {
		resp.Message = err.Error()
	}
	writeJSON(w, resp)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req TaskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	succeeded := req.Status != "failed"
	if err := s.coord.ReportTaskResult(req.WorkerID, req.TaskID, succeeded); err != nil {
		writeJSON(w, TaskResultResponse{Reason: err.Error()})
		return
	}
	telemetry.Global().Count("citymesh_task_results", 1, map[string]string{"status": req.Status})
	writeJSON(w, TaskResultResponse{Acknowledged: true})
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req ResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	typ, ok := parseResourceType(req.Type)
	if !ok {
		writeJSON(w, ResourceResponse{Reason: fmt.Sprintf("unknown resource type %q", req.Type)})
		return
	}
	mode, ok := parseAccessMode(req.AccessMode)
	if !ok {
		writeJSON(w, ResourceResponse{Reason: fmt.Sprintf("unknown access mode %q", req.AccessMode)})
		return
	}

	grant, err := s.coord.RequestResource(coordinator.ResourceRequest{
		WorkerID:  req.WorkerID,
		RequestID: req.RequestID,
		Type:      typ,
		Resource:  req.ResourceIdentifier,
		Mode:      mode,
		Duration:  time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		writeJSON(w, ResourceResponse{Reason: grant.Reason})
		return
	}
	resp := ResourceResponse{Granted: grant.Granted, LeaseToken: grant.Lease, Reason: grant.Reason}
	if !grant.ExpiresAt.IsZero() {
		resp.ExpiresAtMS = grant.ExpiresAt.UnixMilli()
	}
	writeJSON(w, resp)
}

func (s *Server) handleIntegration(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req IntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := s.coord.RequestIntegration(coordinator.IntegrationRequest{
		Initiator:     req.InitiatorWorkerID,
		Participants:  req.ParticipantWorkerIDs,
		Type:          req.IntegrationType,
		Description:   req.Description,
		Configuration: req.Configuration,
	})
	if err != nil {
		writeJSON(w, IntegrationResponse{Reason: plan.Reason})
		return
	}
	writeJSON(w, IntegrationResponse{
		Approved:      plan.Approved,
		IntegrationID: plan.IntegrationID,
		Reason:        plan.Reason,
		Steps:         wireSteps(plan.Steps),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := s.mon.Summary()
	stats := s.reg.Stats()
	m := s.coord.Metrics()

	writeJSON(w, StatusResponse{
		Version:               s.Version,
		HealthyWorkers:        summary.HealthyWorkers,
		DegradedWorkers:       summary.DegradedWorkers,
		FailedWorkers:         summary.FailedWorkers,
		CircuitsOpen:          summary.CircuitsOpen,
		ActiveTasks:           summary.ActiveTasks,
		CPUAverage:            summary.CPUAverage,
		MemoryTotalMB:         summary.MemoryTotalMB,
		TotalWorkers:          stats.TotalWorkers,
		TotalCapabilities:     stats.TotalCapabilities,
		MessagesProcessed:     m.MessagesProcessed,
		ConflictsDetected:     m.ConflictsDetected,
		ConflictsResolved:     m.ConflictsResolved,
		IntegrationsCompleted: m.IntegrationsCompleted,
		TasksAssigned:         m.TasksAssigned,
		AvgResponseTimeMS:     m.AvgResponseTime.Milliseconds(),
	})
}

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	log.Info().Str("addr", addr).Msg("server: listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
