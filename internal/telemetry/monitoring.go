package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a health check result
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves /health, /metrics and any handlers mounted with
// Handle on one listener.
type MonitoringServer struct {
	mu           sync.RWMutex
	healthChecks map[string]func() HealthCheck
	mux          *http.ServeMux
	server       *http.Server
}

// NewMonitoringServer creates a new monitoring server
func NewMonitoringServer(addr string, metrics *Metrics) *MonitoringServer {
	ms := &MonitoringServer{
		healthChecks: make(map[string]func() HealthCheck),
		mux:          http.NewServeMux(),
	}
	ms.mux.HandleFunc("GET /health", ms.healthHandler)
	if metrics != nil {
		ms.mux.Handle("GET /metrics", metrics.Handler())
	}
	ms.server = &http.Server{
		Addr:              addr,
		Handler:           ms.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms
}

// Handle mounts h on the server's mux.
func (ms *MonitoringServer) Handle(pattern string, h http.Handler) {
	ms.mux.Handle(pattern, h)
}

func (ms *MonitoringServer) Handler() http.Handler { return ms.mux }

// healthHandler answers 503 when any registered check is unhealthy.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()

	overallStatus := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			overallStatus = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded {
			overallStatus = HealthStatusDegraded
		}
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now(),
		"checks":    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// RegisterHealthCheck registers a health check function
func (ms *MonitoringServer) RegisterHealthCheck(name string, checkFn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.healthChecks[name] = checkFn
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.healthChecks))
	for name := range ms.healthChecks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(names))
	for _, n := range names {
		fns[n] = ms.healthChecks[n]
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Name = name
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Serve accepts connections on l until Shutdown.
func (ms *MonitoringServer) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("Starting monitoring server")
	if err := ms.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (ms *MonitoringServer) Start() error {
	l, err := net.Listen("tcp", ms.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ms.server.Addr, err)
	}
	return ms.Serve(l)
}

// Shutdown gracefully shuts down the monitoring server
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// SchedulableCheck reports unhealthy when count returns zero, which means no
// operation can be placed.
func SchedulableCheck(count func() (schedulable, total int)) func() HealthCheck {
	return func() HealthCheck {
		n, total := count()
		hc := HealthCheck{
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d of %d workers schedulable", n, total),
			Details: map[string]string{
				"schedulable": fmt.Sprint(n),
				"total":       fmt.Sprint(total),
			},
		}
		switch {
		case n == 0:
			hc.Status = HealthStatusUnhealthy
		case n < total:
			hc.Status = HealthStatusDegraded
		}
		return hc
	}
}

// GoroutineCheck degrades above limit goroutines.
func GoroutineCheck(limit int) func() HealthCheck {
	return func() HealthCheck {
		count := runtime.NumGoroutine()
		hc := HealthCheck{
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("Goroutines: %d", count),
			Details: map[string]string{"count": fmt.Sprint(count)},
		}
		if count > limit {
			hc.Status = HealthStatusDegraded
			hc.Message = fmt.Sprintf("High goroutine count: %d", count)
		}
		return hc
	}
}
