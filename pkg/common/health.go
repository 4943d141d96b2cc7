package common

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFn reports a short, human readable status string for the readiness
// body (for example the worker's current loop state).
type StatusFn func() string

// HealthServer exposes liveness, readiness and prometheus endpoints for a
// long running process.
type HealthServer struct {
	server *http.Server
}

// NewHealthServer builds a HealthServer listening on addr. Readiness reports
// 503 until ready is set to true.
func NewHealthServer(addr string, ready *atomic.Bool, status StatusFn) *HealthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/v1/readiness", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ready"}
		if status != nil {
			body["state"] = status()
		}
		if !ready.Load() {
			body["status"] = "not ready"
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		writeJSON(w, http.StatusOK, body)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &HealthServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Server returns the underlying http.Server.
func (h *HealthServer) Server() *http.Server { return h.server }

// Handler returns the routing handler, mainly for tests.
func (h *HealthServer) Handler() http.Handler { return h.server.Handler }

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
