// Package agent is the small HTTP daemon that runs next to an SFTP worker's
// storage root and reports its capacity to the health monitor.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/internal/transport"
	"github.com/3cpo-dev/fleetfs/pkg/api"
)

type Server struct {
	Version string
	// Root is the storage directory whose capacity is reported.
	Root string
	// Token, when set, is required as a bearer token or X-Auth-Token.
	Token string

	srv      *http.Server
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func (s *Server) initMetrics() {
	if s.reg != nil {
		return
	}
	s.reg = prometheus.NewRegistry()
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetfs_agent",
		Name:      "requests_total",
		Help:      "Requests served by endpoint and status code.",
	}, []string{"endpoint", "code"})
	s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetfs_agent",
		Name:      "request_duration_seconds",
		Help:      "Request latency by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
	s.reg.MustRegister(s.requests, s.latency)
}

// Routes for the server
func (s *Server) routes(mux *http.ServeMux) {
	s.initMetrics()
	mux.Handle("GET /v0/heartbeat", s.instrument("heartbeat", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version}
		writeJSON(w, http.StatusOK, h)
	})))
	mux.Handle("GET /v0/capacity", s.instrument("capacity", s.auth(http.HandlerFunc(s.capacity))))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
}

func (s *Server) capacity(w http.ResponseWriter, r *http.Request) {
	c, err := transport.ProbeDir(s.Root)
	if err != nil {
		log.Warn().Err(err).Str("root", s.Root).Msg("capacity probe failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, api.CapacityResponse{
		Root:      s.Root,
		Exists:    c.Exists,
		Writable:  c.Writable,
		FreeBytes: c.FreeBytes,
	})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.Token && r.Header.Get("X-Auth-Token") != s.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.requests.WithLabelValues(endpoint, fmt.Sprint(rec.code)).Inc()
		s.latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the agent's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

// ListenAndServe starts the server
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s.srv.ListenAndServe()
}

// Shutdown the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
