// Package api exposes mongolinkd's admin HTTP surface: profile CRUD,
// pause/resume, pool stats, health/readiness probes, and Prometheus
// metrics, routed with gorilla/mux.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mongolink/mongolink/internal/clientset"
	"github.com/mongolink/mongolink/internal/config"
	"github.com/mongolink/mongolink/internal/health"
	"github.com/mongolink/mongolink/internal/metrics"
	"github.com/mongolink/mongolink/internal/pool"
	"github.com/mongolink/mongolink/internal/router"
)

const maxRequestBodyBytes = 1 << 20 // 1MB

// Server is the admin REST API and metrics server.
type Server struct {
	router      *router.Router
	clients     *clientset.ClientSet
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(r *router.Router, cs *clientset.ClientSet, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		router:      r,
		clients:     cs,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	mr := mux.NewRouter()

	// Profile CRUD
	mr.HandleFunc("/profiles", s.listProfiles).Methods("GET")
	mr.HandleFunc("/profiles", s.createProfile).Methods("POST")
	mr.HandleFunc("/profiles/{name}", s.getProfile).Methods("GET")
	mr.HandleFunc("/profiles/{name}", s.updateProfile).Methods("PUT")
	mr.HandleFunc("/profiles/{name}", s.deleteProfile).Methods("DELETE")
	mr.HandleFunc("/profiles/{name}/stats", s.profileStats).Methods("GET")

	// Pause/Resume
	mr.HandleFunc("/profiles/{name}/pause", s.pauseProfile).Methods("POST")
	mr.HandleFunc("/profiles/{name}/resume", s.resumeProfile).Methods("POST")

	// Server status & config
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics, served off this Server's own registry rather
	// than the global default one so repeated test construction doesn't
	// collide across registries.
	if s.metrics != nil {
		mr.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.authMiddleware(mr),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] admin API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware requires "Authorization: Bearer <APIKey>" on every route
// except the health/readiness/metrics probes load balancers and scrapers
// hit without credentials. A blank configured key disables auth entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.listenCfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		switch r.URL.Path {
		case "/health", "/ready", "/metrics":
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != s.listenCfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Profile Handlers ---

type profileRequest struct {
	URI            string `json:"uri"`
	MaxConnections *int   `json:"max_connections,omitempty"`
}

type profileResponse struct {
	Name   string                `json:"name"`
	Config config.ProfileConfig  `json:"config"`
	Stats  *pool.Stats           `json:"stats,omitempty"`
	Health *health.ProfileHealth `json:"health,omitempty"`
	Paused bool                  `json:"paused"`
}

func (s *Server) toResponse(name string, pc config.ProfileConfig) profileResponse {
	pr := profileResponse{
		Name:   name,
		Config: pc.Redacted(),
		Paused: s.router.IsPaused(name),
	}
	if s.clients != nil {
		if stats, ok := s.clients.ProfileStats(name); ok {
			pr.Stats = &stats
		}
	}
	if s.healthCheck != nil {
		h := s.healthCheck.GetStatus(name)
		pr.Health = &h
	}
	return pr
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.router.ListProfiles()

	result := make([]profileResponse, 0, len(profiles))
	for name, pc := range profiles {
		result = append(result, s.toResponse(name, pc))
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req struct {
		Name string `json:"name"`
		profileRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "profile name is required")
		return
	}
	if !strings.HasPrefix(req.URI, "mongodb://") {
		writeError(w, http.StatusBadRequest, "uri must start with \"mongodb://\"")
		return
	}

	pc := config.ProfileConfig{URI: req.URI, MaxConnections: req.MaxConnections}

	if s.clients != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if _, err := s.clients.GetOrCreate(ctx, req.Name, pc); err != nil {
			writeError(w, http.StatusBadGateway, "connecting to profile: "+err.Error())
			return
		}
	}

	s.router.AddProfile(req.Name, pc)
	log.Printf("[api] profile %s registered", req.Name)

	writeJSON(w, http.StatusCreated, s.toResponse(req.Name, pc))
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	pc, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	writeJSON(w, http.StatusOK, s.toResponse(name, pc))
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)

	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	existing, err := s.router.Resolve(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	if req.URI != "" {
		existing.URI = req.URI
	}
	if req.MaxConnections != nil {
		existing.MaxConnections = req.MaxConnections
	}

	s.router.AddProfile(name, existing)
	log.Printf("[api] profile %s updated", name)

	writeJSON(w, http.StatusOK, s.toResponse(name, existing))
}

func (s *Server) deleteProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.RemoveProfile(name) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	if s.clients != nil {
		s.clients.Remove(name)
	}
	if s.healthCheck != nil {
		s.healthCheck.RemoveProfile(name)
	}

	log.Printf("[api] profile %s removed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "profile": name})
}

func (s *Server) profileStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if _, err := s.router.Resolve(name); err != nil {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	var stats pool.Stats
	if s.clients != nil {
		if got, ok := s.clients.ProfileStats(name); ok {
			stats = got
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// --- Health Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":   boolToStatus(allHealthy),
		"profiles": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	// Ready if at least one profile is healthy or there are no profiles
	profiles := s.router.ListProfiles()
	if len(profiles) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for name := range profiles {
		if s.healthCheck.IsHealthy(name) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config Handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	profiles := s.router.ListProfiles()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_profiles":   len(profiles),
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	defaults := s.router.Defaults()
	profiles := s.router.ListProfiles()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen": map[string]int{
			"api_port": s.listenCfg.APIPort,
		},
		"defaults": map[string]interface{}{
			"max_connections": defaults.MaxConnections,
			"idle_timeout":    defaults.IdleTimeout.String(),
			"max_lifetime":    defaults.MaxLifetime.String(),
			"acquire_timeout": defaults.AcquireTimeout.String(),
		},
		"profile_count": len(profiles),
	})
}

// --- Pause/Resume Handlers ---

func (s *Server) pauseProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.PauseProfile(name) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	log.Printf("[api] profile %s paused", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "profile": name})
}

func (s *Server) resumeProfile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if !s.router.ResumeProfile(name) {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	log.Printf("[api] profile %s resumed", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "profile": name})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
