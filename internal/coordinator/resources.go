package coordinator

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ResourceRequest asks for temporary use of a shared resource.
type ResourceRequest struct {
	WorkerID  string
	RequestID string
	Type      ResourceType
	Resource  string
	Mode      AccessMode
	Duration  time.Duration
}

// Grant is the coordinator's answer to a resource request. Denied grants
// carry a reason and no lease.
type Grant struct {
	Granted   bool
	Lease     string
	ExpiresAt time.Time
	Reason    string
}

// RequestResource arbitrates a resource request. File resources route
// through the file-ownership table; everything else gets a lease with an
// expiry. Exclusive leases conflict with any live lease on the same
// resource; write leases conflict with live exclusive ones.
func (c *Coordinator) RequestResource(req ResourceRequest) (Grant, error) {
	c.mu.Lock()
	_, known := c.bindings[req.WorkerID]
	c.metrics.messages++
	c.mu.Unlock()
	if !known {
		return Grant{Reason: "worker not registered"}, ErrWorkerUnknown
	}

	if req.Type == ResourceFile {
		return c.grantFile(req)
	}
	return c.grantLease(req), nil
}

func (c *Coordinator) grantFile(req ResourceRequest) (Grant, error) {
	var err error
	switch req.Mode {
	case AccessRead:
		err = c.RequestFileAccess(req.Resource, req.WorkerID, false)
	case AccessWrite:
		err = c.RequestFileAccess(req.Resource, req.WorkerID, true)
	default:
		err = c.ClaimFile(req.Resource, req.WorkerID)
	}
	if err == ErrFileLocked {
		return Grant{Reason: "file locked by another owner"}, nil
	}
	if err != nil {
		return Grant{Reason: err.Error()}, err
	}
	return Grant{Granted: true}, nil
}

func (c *Coordinator) grantLease(req ResourceRequest) Grant {
	now := c.now()
	duration := req.Duration
	if duration <= 0 {
		duration = c.cfg.DefaultLeaseDuration
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.leases {
		if l.Resource != req.Resource || l.Type != req.Type || !l.ExpiresAt.After(now) {
			continue
		}
		if l.WorkerID == req.WorkerID {
			continue
		}
		if req.Mode == AccessExclusive || l.Mode == AccessExclusive {
			return Grant{Reason: "resource leased by " + l.WorkerID}
		}
	}

	lease := &Lease{
		Token:     uuid.NewString(),
		WorkerID:  req.WorkerID,
		Type:      req.Type,
		Resource:  req.Resource,
		Mode:      req.Mode,
		GrantedAt: now,
		ExpiresAt: now.Add(duration),
	}
	c.leases[lease.Token] = lease
	log.Debug().Str("worker", req.WorkerID).Str("resource", req.Resource).
		Stringer("mode", req.Mode).Time("expires", lease.ExpiresAt).
		Msg("coordinator: lease granted")
	return Grant{Granted: true, Lease: lease.Token, ExpiresAt: lease.ExpiresAt}
}

// ReleaseLease returns a lease early.
func (c *Coordinator) ReleaseLease(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, token)
}

// ExpireLeases drops every lease whose expiry has passed and returns the
// count removed. Intended to run on the sweep cadence.
func (c *Coordinator) ExpireLeases() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	expired := 0
	for token, l := range c.leases {
		if !l.ExpiresAt.After(now) {
			delete(c.leases, token)
			expired++
		}
	}
	return expired
}

// ActiveLeases counts the live leases.
func (c *Coordinator) ActiveLeases() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.leases {
		if l.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}
