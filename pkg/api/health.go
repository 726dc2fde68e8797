package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/market-indexer/pkg/events"
	"github.com/0xmhha/market-indexer/pkg/storage"
)

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DetailedHealth is the body of GET /health
type DetailedHealth struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth represents the health of a component
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// CheckFunc probes one component. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	fn       CheckFunc
	critical bool
}

// HealthChecker aggregates component checks. A failing critical check makes
// the service unhealthy and not ready; any other failure degrades it.
type HealthChecker struct {
	mu        sync.RWMutex
	version   string
	startTime time.Time
	checks    map[string]check
	timeout   time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]check),
		timeout:   2 * time.Second,
	}
}

// AddCheck registers a named check
func (hc *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check{fn: fn, critical: critical}
}

// StorageCheck probes a repository with a lookup that is allowed to miss
func StorageCheck(repo ResourceReader) CheckFunc {
	return func(ctx context.Context) error {
		_, err := repo.GetResource(ctx, "0")
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
}

// FeedCheck fails while the historical fetch of the feed has failed
func FeedCheck(feed ActivityFeed) CheckFunc {
	return func(context.Context) error {
		snap := feed.Snapshot()
		if snap.Status == events.StatusFailed {
			if snap.Err != nil {
				return snap.Err
			}
			return errors.New("historical fetch failed")
		}
		return nil
	}
}

// GetDetailedHealth runs every check
func (hc *HealthChecker) GetDetailedHealth(ctx context.Context) DetailedHealth {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]check, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	health := DetailedHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now().Format(time.RFC3339),
		Uptime:     time.Since(hc.startTime).String(),
		Version:    hc.version,
		Components: make(map[string]ComponentHealth, len(names)),
	}

	for _, name := range names {
		c := checks[name]
		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		start := time.Now()
		err := c.fn(checkCtx)
		cancel()

		component := ComponentHealth{Status: StatusHealthy, Latency: time.Since(start).String()}
		if err != nil {
			component.Message = err.Error()
			component.Status = StatusDegraded
			if c.critical {
				component.Status = StatusUnhealthy
			}
		}
		health.Components[name] = component

		switch {
		case component.Status == StatusUnhealthy:
			health.Status = StatusUnhealthy
		case component.Status == StatusDegraded && health.Status == StatusHealthy:
			health.Status = StatusDegraded
		}
	}

	return health
}

// DetailedHealthHandler serves GET /health. Degraded still answers 200.
func (hc *HealthChecker) DetailedHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.GetDetailedHealth(r.Context())

		status := http.StatusOK
		if health.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

// LivenessHandler returns 200 while the process is alive
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler returns 200 when no critical check fails
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.GetDetailedHealth(r.Context())

		reasons := make([]string, 0)
		for name, c := range health.Components {
			if c.Status == StatusUnhealthy {
				reasons = append(reasons, name+": "+c.Message)
			}
		}
		sort.Strings(reasons)

		if len(reasons) == 0 {
			writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "not_ready",
			"reasons": reasons,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
