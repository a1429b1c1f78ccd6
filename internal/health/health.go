// Package health provides a registry of named subsystem health checkers
// and the /health endpoints built on it.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// checkTimeout bounds a single checker run.
const checkTimeout = 3 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Ping adapts an error-returning probe (db.PingContext, redis PING, an
// RPC call) into a Checker.
func Ping(name string, probe func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := probe(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health status plus individual subsystem results, in
// registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Response is the body of /health and /health/ready.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Probe serves the health endpoints. Liveness only reports that the
// process is up; readiness also requires SetReady(true) and every check
// to pass.
type Probe struct {
	registry *Registry
	version  string
	ready    atomic.Bool
	alive    atomic.Bool
}

// NewProbe creates a probe that is alive but not yet ready.
func NewProbe(registry *Registry, version string) *Probe {
	p := &Probe{registry: registry, version: version}
	p.alive.Store(true)
	return p
}

// SetReady flips readiness; the server clears it when draining.
func (p *Probe) SetReady(ready bool) { p.ready.Store(ready) }

// Ready reports the readiness flag.
func (p *Probe) Ready() bool { return p.ready.Load() }

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (p *Probe) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", p.Health)
	r.GET("/health/live", p.Live)
	r.GET("/health/ready", p.Readiness)
}

// Health handles GET /health
func (p *Probe) Health(c *gin.Context) {
	healthy, statuses := p.registry.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, p.response(status, statuses))
}

// Live handles GET /health/live
func (p *Probe) Live(c *gin.Context) {
	if !p.alive.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness handles GET /health/ready
func (p *Probe) Readiness(c *gin.Context) {
	if !p.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, p.response("not_ready", nil))
		return
	}
	healthy, statuses := p.registry.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, p.response("not_ready", statuses))
		return
	}
	c.JSON(http.StatusOK, p.response("ready", statuses))
}

func (p *Probe) response(status string, checks []Status) Response {
	return Response{
		Status:    status,
		Version:   p.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
