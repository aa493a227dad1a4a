package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthStatus represents the current daemon health
type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	NATSConnected     bool      `json:"nats_connected"`
	StoreOpen         bool      `json:"store_open"`
	ActiveMessage     bool      `json:"active_message"`
	SessionCount      int       `json:"session_count"`
	RequestsProcessed uint64    `json:"requests_processed"`
	LastCheck         time.Time `json:"last_check"`
	Uptime            string    `json:"uptime"`
	Version           string    `json:"version"`
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port   int
	server *http.Server
	status HealthStatus
	mu     sync.RWMutex
}

var startTime = time.Now()

// NewHealthServer creates a new health check server
func NewHealthServer(port int) *HealthServer {
	return &HealthServer{
		port: port,
		status: HealthStatus{
			Version: Version,
		},
	}
}

// Start starts the health check server
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/metrics", h.handleMetrics)

	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.port),
		Handler: mux,
	}

	log.Info().Int("port", h.port).Msg("Starting health check server")
	if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the health check server
func (h *HealthServer) Stop() {
	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.server.Shutdown(ctx)
	}
}

// UpdateStatus updates the health status
func (h *HealthServer) UpdateStatus(update func(*HealthStatus)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	update(&h.status)
	h.status.LastCheck = time.Now()
	h.status.Uptime = time.Since(startTime).Round(time.Second).String()
	h.status.Healthy = h.status.NATSConnected && h.status.StoreOpen
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.status.NATSConnected && h.status.StoreOpen
	h.mu.RUnlock()

	if ready {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ready")
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "not ready")
	}
}

func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")

	boolVal := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	fmt.Fprintf(w, "# HELP keymeld_connect_healthy Whether the daemon is healthy\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_healthy gauge\n")
	fmt.Fprintf(w, "keymeld_connect_healthy %d\n", boolVal(status.Healthy))

	fmt.Fprintf(w, "# HELP keymeld_connect_nats_connected Whether NATS is connected\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_nats_connected gauge\n")
	fmt.Fprintf(w, "keymeld_connect_nats_connected %d\n", boolVal(status.NATSConnected))

	fmt.Fprintf(w, "# HELP keymeld_connect_store_open Whether the session store is open\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_store_open gauge\n")
	fmt.Fprintf(w, "keymeld_connect_store_open %d\n", boolVal(status.StoreOpen))

	fmt.Fprintf(w, "# HELP keymeld_connect_active_message Whether a message is awaiting review\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_active_message gauge\n")
	fmt.Fprintf(w, "keymeld_connect_active_message %d\n", boolVal(status.ActiveMessage))

	fmt.Fprintf(w, "# HELP keymeld_connect_sessions Number of stored sessions\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_sessions gauge\n")
	fmt.Fprintf(w, "keymeld_connect_sessions %d\n", status.SessionCount)

	fmt.Fprintf(w, "# HELP keymeld_connect_requests_processed Total requests processed\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_requests_processed counter\n")
	fmt.Fprintf(w, "keymeld_connect_requests_processed %d\n", status.RequestsProcessed)

	fmt.Fprintf(w, "# HELP keymeld_connect_uptime_seconds Daemon uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE keymeld_connect_uptime_seconds counter\n")
	fmt.Fprintf(w, "keymeld_connect_uptime_seconds %.0f\n", time.Since(startTime).Seconds())
}
