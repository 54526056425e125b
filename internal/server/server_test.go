package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/DrunkOnJava/citymesh/internal/config"
	"github.com/DrunkOnJava/citymesh/internal/coordinator"
	"github.com/DrunkOnJava/citymesh/internal/health"
	"github.com/DrunkOnJava/citymesh/internal/registry"
)

func testServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	cfg := config.Default()
	reg := registry.New()
	mon := health.NewMonitor(health.DefaultConfig(), nil)
	coord := coordinator.New(coordinator.DefaultConfig(), reg, mon)
	srv := New("test", cfg, coord, reg, mon)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, NewClient(ts.URL)
}

func registerWire(t *testing.T, c *Client, id string, caps ...string) RegisterWorkerResponse {
	t.Helper()
	req := RegisterWorkerRequest{
		WorkerID:    id,
		DisplayName: id,
		Version:     "1.0.0",
		Spec:        WorkerSpec{MaxConcurrentTasks: 4},
	}
	for _, name := range caps {
		req.Capabilities = append(req.Capabilities, WireCapability{Name: name, Version: "1.0.0"})
	}
	resp, err := c.Register(context.Background(), req)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return resp
}

func TestRegisterEndpoint(t *testing.T) {
	_, c := testServer(t)

	resp := registerWire(t, c, "gpu-worker", "metal_rendering")
	if !resp.Accepted || resp.WorkerToken == "" {
		t.Fatalf("expected acceptance with token, got %+v", resp)
	}
	if resp.Config.HeartbeatIntervalMS != 1000 || resp.Config.MaxConcurrentTasks != 4 {
		t.Errorf("unexpected handout config: %+v", resp.Config)
	}

	// Duplicate registration is refused with a reason, not an HTTP error.
	dup, err := c.Register(context.Background(), RegisterWorkerRequest{WorkerID: "gpu-worker", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if dup.Accepted || dup.Reason == "" {
		t.Errorf("duplicate should be refused with a reason: %+v", dup)
	}

	missing, err := c.Register(context.Background(), RegisterWorkerRequest{Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if missing.Accepted {
		t.Error("empty worker_id should be refused")
	}
}

func TestAssignThenHeartbeatDelivers(t *testing.T) {
	_, c := testServer(t)
	registerWire(t, c, "gpu-worker", "metal_rendering")

	var assign AssignTaskResponse
	err := c.post(context.Background(), "/v0/tasks/assign", AssignTaskRequest{
		Type:        "metal_rendering",
		Description: "render tile batch",
		Priority:    2,
	}, &assign)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assign.Status != "accepted" || assign.WorkerID != "gpu-worker" {
		t.Fatalf("unexpected assign response: %+v", assign)
	}

	hb, err := c.Heartbeat(context.Background(), "gpu-worker", WorkerHealth{
		CPUUsagePercent:   20,
		MemoryUsageMB:     256,
		ActiveTaskCount:   0,
		AverageTaskTimeMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if !hb.Acknowledged || hb.Directive != "continue" {
		t.Errorf("unexpected heartbeat response: %+v", hb)
	}
	if len(hb.PendingTasks) != 1 || hb.PendingTasks[0].Type != "metal_rendering" {
		t.Fatalf("expected 1 pending task, got %+v", hb.PendingTasks)
	}

	result, err := c.ReportResult(context.Background(), TaskResultRequest{
		WorkerID: "gpu-worker",
		TaskID:   hb.PendingTasks[0].TaskID,
		Status:   "completed",
		Metrics:  TaskMetrics{CPUTimeMS: 120, PeakMemoryMB: 80},
	})
	if err != nil {
		t.Fatalf("result failed: %v", err)
	}
	if !result.Acknowledged {
		t.Errorf("result should acknowledge: %+v", result)
	}
}

func TestAssignNoSuitableWorker(t *testing.T) {
	_, c := testServer(t)

	var assign AssignTaskResponse
	err := c.post(context.Background(), "/v0/tasks/assign", AssignTaskRequest{Type: "quantum_compute"}, &assign)
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assign.Status != "failed" {
		t.Errorf("expected failed placement, got %+v", assign)
	}
}

func TestHeartbeatUnknownWorkerShutsDown(t *testing.T) {
	_, c := testServer(t)

	hb, err := c.Heartbeat(context.Background(), "ghost", WorkerHealth{}, nil)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if hb.Acknowledged || hb.Directive != "shutdown" {
		t.Errorf("unknown worker should be told to shut down: %+v", hb)
	}
}

func TestResourceEndpoint(t *testing.T) {
	_, c := testServer(t)
	registerWire(t, c, "w1")
	registerWire(t, c, "w2")

	grant, err := c.RequestResource(context.Background(), ResourceRequest{
		WorkerID:           "w1",
		RequestID:          "r1",
		Type:               "gpu-context",
		ResourceIdentifier: "gpu0",
		AccessMode:         "exclusive",
		DurationSeconds:    60,
	})
	if err != nil {
		t.Fatalf("resource request failed: %v", err)
	}
	if !grant.Granted || grant.LeaseToken == "" || grant.ExpiresAtMS == 0 {
		t.Fatalf("expected lease grant, got %+v", grant)
	}

	denied, err := c.RequestResource(context.Background(), ResourceRequest{
		WorkerID:           "w2",
		RequestID:          "r2",
		Type:               "gpu-context",
		ResourceIdentifier: "gpu0",
		AccessMode:         "read",
		DurationSeconds:    60,
	})
	if err != nil {
		t.Fatalf("resource request failed: %v", err)
	}
	if denied.Granted {
		t.Errorf("exclusive lease should deny others: %+v", denied)
	}

	bad, err := c.RequestResource(context.Background(), ResourceRequest{
		WorkerID: "w1", Type: "flux-capacitor", AccessMode: "read",
	})
	if err != nil {
		t.Fatalf("resource request failed: %v", err)
	}
	if bad.Granted || bad.Reason == "" {
		t.Errorf("unknown type should be refused with reason: %+v", bad)
	}
}

func TestIntegrationEndpoint(t *testing.T) {
	_, c := testServer(t)
	registerWire(t, c, "sim")
	registerWire(t, c, "gfx")
	// gfx must heartbeat so availability is based on fresh data.
	if _, err := c.Heartbeat(context.Background(), "gfx", WorkerHealth{CPUUsagePercent: 10}, nil); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	resp, err := c.RequestIntegration(context.Background(), IntegrationRequest{
		InitiatorWorkerID:    "sim",
		ParticipantWorkerIDs: []string{"gfx"},
		IntegrationType:      "frame-sync",
	})
	if err != nil {
		t.Fatalf("integration request failed: %v", err)
	}
	if !resp.Approved || resp.IntegrationID == "" {
		t.Fatalf("expected approval, got %+v", resp)
	}
	if len(resp.Steps) != 1 || resp.Steps[0].WorkerID != "gfx" || resp.Steps[0].TimeoutSeconds != 30 {
		t.Errorf("unexpected plan: %+v", resp.Steps)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, c := testServer(t)
	registerWire(t, c, "w1")
	if _, err := c.Heartbeat(context.Background(), "w1", WorkerHealth{CPUUsagePercent: 15, MemoryUsageMB: 512}, nil); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if st.Version != "test" {
		t.Errorf("version = %q", st.Version)
	}
	if st.HealthyWorkers != 1 || st.TotalWorkers != 1 {
		t.Errorf("worker counts wrong: %+v", st)
	}
	if st.MessagesProcessed == 0 {
		t.Error("message counter should have advanced")
	}
}

func TestBearerTokenAuth(t *testing.T) {
	t.Setenv("CITYMESH_TOKEN", "sekrit")
	_, c := testServer(t)

	if _, err := c.Status(context.Background()); err == nil {
		t.Fatal("request without token should be rejected")
	}
	c.Token = "sekrit"
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("request with token failed: %v", err)
	}
}

func TestDegradedWorkerHoldsQueue(t *testing.T) {
	_, c := testServer(t)
	registerWire(t, c, "w1", "render")

	var assign AssignTaskResponse
	if err := c.post(context.Background(), "/v0/tasks/assign", AssignTaskRequest{Type: "render"}, &assign); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if assign.Status != "accepted" {
		t.Fatalf("assign: %+v", assign)
	}

	// Two threshold violations grade the worker Degraded: it is throttled
	// and the queued task stays put.
	hb, err := c.Heartbeat(context.Background(), "w1", WorkerHealth{
		CPUUsagePercent:   95,
		MemoryUsageMB:     3000,
		AverageTaskTimeMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if hb.Directive != "throttle" {
		t.Errorf("expected throttle, got %q", hb.Directive)
	}
	if len(hb.PendingTasks) != 0 {
		t.Errorf("degraded worker should not receive tasks, got %+v", hb.PendingTasks)
	}

	// Recovery drains the queue.
	hb, err = c.Heartbeat(context.Background(), "w1", WorkerHealth{
		CPUUsagePercent:   20,
		MemoryUsageMB:     256,
		AverageTaskTimeMS: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if hb.Directive != "continue" || len(hb.PendingTasks) != 1 {
		t.Errorf("recovered worker should drain the queue: %+v", hb)
	}
}
