package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IntegrationRequest asks the coordinator to plan a multi-worker
// integration session.
type IntegrationRequest struct {
	Initiator     string
	Participants  []string
	Type          string
	Description   string
	Configuration map[string]string
}

// IntegrationPlan is the approved plan, or the denial reason.
type IntegrationPlan struct {
	Approved      bool
	IntegrationID string
	Reason        string
	Steps         []IntegrationStep
}

// RequestIntegration approves an integration when the initiator and every
// participant are registered and available, and plans one sequential step
// per participant. Denials carry the first offending worker in the reason.
func (c *Coordinator) RequestIntegration(req IntegrationRequest) (IntegrationPlan, error) {
	c.mu.Lock()
	c.metrics.messages++
	_, known := c.bindings[req.Initiator]
	c.mu.Unlock()
	if !known {
		return IntegrationPlan{Reason: "initiator not registered"}, ErrWorkerUnknown
	}

	for _, p := range req.Participants {
		c.mu.Lock()
		_, bound := c.bindings[p]
		c.mu.Unlock()
		if !bound {
			return IntegrationPlan{Reason: fmt.Sprintf("participant %s not registered", p)}, nil
		}
		if !c.monitor.IsAvailable(p) {
			return IntegrationPlan{Reason: fmt.Sprintf("participant %s unavailable", p)}, nil
		}
	}

	id := uuid.NewString()
	steps := make([]IntegrationStep, 0, len(req.Participants))
	action := req.Type
	if action == "" {
		action = "integrate"
	}
	for i, p := range req.Participants {
		step := IntegrationStep{
			StepID:   fmt.Sprintf("%s-step-%d", id[:8], i+1),
			WorkerID: p,
			Action:   action,
			Timeout:  c.cfg.StepTimeout,
		}
		if i > 0 {
			step.Dependencies = []string{steps[i-1].StepID}
		}
		steps = append(steps, step)
	}

	c.mu.Lock()
	c.integrations[id] = &Integration{
		ID:           id,
		Initiator:    req.Initiator,
		Participants: append([]string(nil), req.Participants...),
		Type:         req.Type,
		Description:  req.Description,
		Steps:        steps,
		RequestedAt:  c.now(),
	}
	c.mu.Unlock()

	log.Info().Str("integration", id).Str("initiator", req.Initiator).
		Int("participants", len(req.Participants)).Msg("coordinator: integration approved")
	return IntegrationPlan{Approved: true, IntegrationID: id, Steps: steps}, nil
}

// CompleteIntegration marks an integration finished and bumps the counter.
// Completing one twice is a no-op for the counter.
func (c *Coordinator) CompleteIntegration(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.integrations[id]
	if !ok {
		return ErrIntegrationNotFound
	}
	if !in.Completed {
		in.Completed = true
		c.metrics.integrationsCompleted++
	}
	return nil
}

// GetIntegration returns a snapshot of one integration.
func (c *Coordinator) GetIntegration(id string) (Integration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.integrations[id]
	if !ok {
		return Integration{}, ErrIntegrationNotFound
	}
	out := *in
	out.Participants = append([]string(nil), in.Participants...)
	out.Steps = append([]IntegrationStep(nil), in.Steps...)
	return out, nil
}

// RunMaintenance expires leases on a fixed cadence until the context is
// cancelled. It mirrors the monitor's sweep loop so the daemon runs both
// side by side.
func (c *Coordinator) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.ExpireLeases(); n > 0 {
				log.Debug().Int("expired", n).Msg("coordinator: leases expired")
			}
		}
	}
}
