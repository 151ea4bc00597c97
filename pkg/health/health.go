// Package health aggregates dependency probes for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zabrisket/ledgerlift/pkg/database"
	"github.com/zabrisket/ledgerlift/pkg/kv"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Report aggregates all probe results.
type Report struct {
	Healthy   bool          `json:"healthy"`
	Checks    []CheckResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Registry holds the configured checkers.
type Registry struct {
	checkers []Checker
}

// NewRegistry creates a registry over the given checkers.
func NewRegistry(checkers ...Checker) *Registry {
	return &Registry{checkers: checkers}
}

// Run executes every probe with a bounded deadline.
func (r *Registry) Run(ctx context.Context) Report {
	report := Report{Healthy: true, CheckedAt: time.Now().UTC()}
	for _, checker := range r.checkers {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := checker.Check(probeCtx)
		cancel()

		result := CheckResult{Name: checker.Name(), Healthy: err == nil}
		if err != nil {
			result.Error = err.Error()
			report.Healthy = false
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// LivenessHandler always reports the process as up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler runs all probes and returns 503 when any fails.
func (r *Registry) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report := r.Run(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// DatabaseChecker probes the relational gateway.
type DatabaseChecker struct {
	Gateway *database.Gateway
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) error {
	h := c.Gateway.CheckHealth(ctx)
	if !h.Healthy {
		return errHealth(h.Error)
	}
	return nil
}

// RedisChecker probes the KV store.
type RedisChecker struct {
	Client *kv.Client
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) error {
	return c.Client.Ping(ctx)
}

// ObjectStoreChecker reports the object store circuit state.
type ObjectStoreChecker struct {
	State func() string
}

func (c *ObjectStoreChecker) Name() string { return "objectstore" }

func (c *ObjectStoreChecker) Check(ctx context.Context) error {
	if c.State() == "open" {
		return errHealth("circuit breaker open")
	}
	return nil
}

type errHealth string

func (e errHealth) Error() string {
	if e == "" {
		return "unhealthy"
	}
	return string(e)
}
