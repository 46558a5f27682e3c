// Package health reports readiness of the trust subsystem's dependencies:
// the database, the audit backlog, and the anchoring backlog.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds readiness check configuration.
type Config struct {
	ProbeTimeout time.Duration // per-probe deadline
	CacheTTL     time.Duration // how long a computed status is reused
}

// Probe checks one dependency, returning nil when it is serviceable.
type Probe func(ctx context.Context) error

// Component is the outcome of a single probe.
type Component struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Status is a point-in-time view of all registered probes.
type Status struct {
	Healthy    bool                 `json:"healthy"`
	Components map[string]Component `json:"components"`
	CheckedAt  time.Time            `json:"checked_at"`
}

// Checker runs registered probes with a shared deadline and caches the
// combined result so a readiness endpoint cannot be used to hammer the
// database.
type Checker struct {
	mu     sync.Mutex
	probes map[string]Probe
	cached *Status
	cfg    Config
	logger *zap.Logger
}

// New creates a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	return &Checker{
		probes: make(map[string]Probe),
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds a named probe. Not safe to call after Check is in use.
func (c *Checker) Register(name string, p Probe) {
	c.probes[name] = p
}

// Check runs every probe and reports the combined status. Results are
// cached for the configured TTL.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if c.cached != nil && now.Sub(c.cached.CheckedAt) < c.cfg.CacheTTL {
		return *c.cached
	}

	status := Status{
		Healthy:    true,
		Components: make(map[string]Component, len(c.probes)),
		CheckedAt:  now,
	}
	for name, probe := range c.probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		err := probe(probeCtx)
		cancel()

		if err != nil {
			status.Healthy = false
			status.Components[name] = Component{Healthy: false, Detail: err.Error()}
			c.logger.Warn("health probe failed",
				zap.String("component", name),
				zap.Error(err),
			)
			continue
		}
		status.Components[name] = Component{Healthy: true}
	}

	c.cached = &status
	return status
}

// Pinger is the slice of a connection pool the database probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe reports the database unhealthy when a ping fails.
func DatabaseProbe(db Pinger) Probe {
	return func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	}
}

// BacklogProbe reports a backlog unhealthy once it exceeds max. The count
// function is typically the audit store's pending count or the chain's
// unanchored count.
func BacklogProbe(count func(ctx context.Context) (int, error), max int) Probe {
	return func(ctx context.Context) error {
		n, err := count(ctx)
		if err != nil {
			return fmt.Errorf("count backlog: %w", err)
		}
		if n > max {
			return fmt.Errorf("backlog %d exceeds %d", n, max)
		}
		return nil
	}
}
