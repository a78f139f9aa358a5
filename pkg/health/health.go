// Package health aggregates component liveness into a single report
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Status is the aggregate or per-component health state
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// ComponentReport is the outcome of one component probe
type ComponentReport struct {
	Status  Status `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Report is the aggregate health of the hub
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentReport `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

// Checker runs registered component probes
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc

	// critical components make the whole report unhealthy when they fail;
	// the rest only degrade it
	critical map[string]bool

	timeout time.Duration
}

// NewChecker creates an empty health checker
func NewChecker() *Checker {
	return &Checker{
		checks:   make(map[string]CheckFunc),
		critical: make(map[string]bool),
		timeout:  5 * time.Second,
	}
}

// Register adds a component probe
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.critical[name] = critical
}

// Check probes every registered component and aggregates the result
func (c *Checker) Check(ctx context.Context) *Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := &Report{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentReport, len(checks)),
		CheckedAt:  time.Now().UTC(),
	}

	for name, fn := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := fn(probeCtx)
		cancel()

		comp := ComponentReport{
			Status:  StatusHealthy,
			Latency: time.Since(start).Round(time.Microsecond).String(),
		}
		if err != nil {
			comp.Status = StatusUnhealthy
			comp.Error = err.Error()

			c.mu.RLock()
			isCritical := c.critical[name]
			c.mu.RUnlock()

			if isCritical {
				report.Status = StatusUnhealthy
			} else if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
		report.Components[name] = comp
	}

	return report
}

// Handler serves the health report as JSON. Unhealthy reports get a 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
