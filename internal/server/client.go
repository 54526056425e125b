package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the worker-side view of the coordinator RPC.
type Client struct {
	BaseURL string
	// Token is the worker token returned at registration; sent as a
	// bearer header when set.
	Token string

	HTTP *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register enrolls the worker and stores the returned token for later
// calls.
func (c *Client) Register(ctx context.Context, req RegisterWorkerRequest) (RegisterWorkerResponse, error) {
	var resp RegisterWorkerResponse
	if err := c.post(ctx, "/v0/workers/register", req, &resp); err != nil {
		return resp, err
	}
	if resp.Accepted {
		c.Token = resp.WorkerToken
	}
	return resp, nil
}

// Heartbeat reports the worker's health and collects queued assignments.
func (c *Client) Heartbeat(ctx context.Context, workerID string, h WorkerHealth, activeTasks []string) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := c.post(ctx, "/v0/heartbeat", HeartbeatRequest{
		WorkerID:    workerID,
		TimestampMS: time.Now().UnixMilli(),
		Health:      h,
		ActiveTasks: activeTasks,
	}, &resp)
	return resp, err
}

// ReportResult sends the completion report for one task.
func (c *Client) ReportResult(ctx context.Context, req TaskResultRequest) (TaskResultResponse, error) {
	var resp TaskResultResponse
	err := c.post(ctx, "/v0/tasks/result", req, &resp)
	return resp, err
}

// RequestResource asks for a lease on a shared resource.
func (c *Client) RequestResource(ctx context.Context, req ResourceRequest) (ResourceResponse, error) {
	var resp ResourceResponse
	err := c.post(ctx, "/v0/resources/request", req, &resp)
	return resp, err
}

// RequestIntegration asks the coordinator to plan a multi-worker session.
func (c *Client) RequestIntegration(ctx context.Context, req IntegrationRequest) (IntegrationResponse, error) {
	var resp IntegrationResponse
	err := c.post(ctx, "/v0/integrations/request", req, &resp)
	return resp, err
}

// Status fetches the coordinator's status page.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v0/status", nil)
	if err != nil {
		return resp, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpResp, err := c.HTTP.Do(req)
	if err != nil {
		return resp, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("/v0/status: status %d", httpResp.StatusCode)
	}
	err = json.NewDecoder(httpResp.Body).Decode(&resp)
	return resp, err
}
