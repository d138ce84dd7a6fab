// Package status serves the loopback control surface: status, health,
// Prometheus metrics, drain, and config reload.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/aires/ai"
	"github.com/c360studio/aires/service"
)

// Server is the loopback HTTP control surface. It binds only the
// configured address, which defaults to localhost; it performs no
// authentication beyond that.
type Server struct {
	addr    string
	sources *Sources
	metrics *Metrics
	logger  *slog.Logger

	// DrainFunc stops intake of new files; ReloadFunc re-reads the
	// reloadable config subset. Both optional.
	DrainFunc  func()
	ReloadFunc func() error

	// HealthWindow downgrades an ok component to degraded when its last
	// activity predates the window. Zero disables the check.
	HealthWindow time.Duration

	mu       sync.Mutex
	running  bool
	httpSrv  *http.Server
	started  time.Time
	draining bool
}

// NewServer creates the control server.
func NewServer(addr string, sources *Sources, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		sources: sources,
		metrics: metrics,
		logger:  logger,
	}
}

// Name implements service.Service.
func (s *Server) Name() string { return "control" }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("control server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind control address %s: %w", s.addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running = true
	s.started = time.Now()

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Control server failed", "error", err)
		}
	}()

	s.logger.Info("Control server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpSrv
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Healthcheck implements service.Service.
func (s *Server) Healthcheck() service.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := service.StatusDown
	if s.running {
		status = service.StatusOK
	}
	return service.Health{Status: status, LastActivity: s.started}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Post("/drain", s.handleDrain)
	r.Post("/reload", s.handleReload)
	return r
}

// statusResponse is the /status payload.
type statusResponse struct {
	Status        string                      `json:"status"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Draining      bool                        `json:"draining"`
	Services      map[string]service.Health   `json:"services"`
	Files         map[string]int              `json:"files,omitempty"`
	DetectedToday *int                        `json:"files_detected_today,omitempty"`
	OutboxBacklog *int                        `json:"outbox_backlog,omitempty"`
	QueueDepth    *int                        `json:"queue_depth,omitempty"`
	LastError     string                      `json:"last_error,omitempty"`
	Stages        map[string]StageStats       `json:"stages,omitempty"`
	Backends      map[string]ai.BackendHealth `json:"backends,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	s.mu.Lock()
	resp.Draining = s.draining
	s.mu.Unlock()

	resp.Services = s.componentHealths()
	resp.Status = overallStatus(resp.Services)

	if s.sources.StateCounts != nil {
		if counts, err := s.sources.StateCounts(ctx); err == nil {
			resp.Files = make(map[string]int, len(counts))
			for state, n := range counts {
				resp.Files[string(state)] = n
			}
		}
	}
	if s.sources.DetectedToday != nil {
		if n, err := s.sources.DetectedToday(ctx); err == nil {
			resp.DetectedToday = &n
		}
	}
	if s.sources.OutboxBacklog != nil {
		if n, err := s.sources.OutboxBacklog(ctx); err == nil {
			resp.OutboxBacklog = &n
		}
	}
	if s.sources.QueueDepth != nil {
		if n, err := s.sources.QueueDepth(ctx); err == nil {
			resp.QueueDepth = &n
		}
	}
	if s.sources.LastError != nil {
		if msg, err := s.sources.LastError(ctx); err == nil {
			resp.LastError = msg
		}
	}
	if s.sources.StageStats != nil {
		resp.Stages = s.sources.StageStats()
	}
	if s.sources.BackendHealth != nil {
		resp.Backends = s.sources.BackendHealth()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healths := s.componentHealths()
	overall := overallStatus(healths)

	code := http.StatusOK
	if overall == service.StatusDown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   overall,
		"services": healths,
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.DrainFunc == nil {
		http.Error(w, "drain not supported", http.StatusNotImplemented)
		return
	}
	s.mu.Lock()
	already := s.draining
	s.draining = true
	s.mu.Unlock()

	if !already {
		s.DrainFunc()
		s.logger.Info("Drain requested via control surface")
	}
	writeJSON(w, http.StatusOK, map[string]any{"draining": true})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.ReloadFunc == nil {
		http.Error(w, "reload not supported", http.StatusNotImplemented)
		return
	}
	if err := s.ReloadFunc(); err != nil {
		s.logger.Warn("Config reload failed", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("Config reloaded via control surface")
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

// componentHealths reads every component's health and applies the
// staleness window: an ok component whose last activity is older than
// HealthWindow reports degraded. Components that have not recorded any
// activity yet are left alone.
func (s *Server) componentHealths() map[string]service.Health {
	if s.sources.Healths == nil {
		return nil
	}
	healths := s.sources.Healths()
	if s.HealthWindow <= 0 {
		return healths
	}
	cutoff := time.Now().Add(-s.HealthWindow)
	for name, h := range healths {
		if h.Status != service.StatusOK || h.LastActivity.IsZero() {
			continue
		}
		if h.LastActivity.Before(cutoff) {
			h.Status = service.StatusDegraded
			h.Detail = fmt.Sprintf("no activity since %s", h.LastActivity.Format(time.RFC3339))
			healths[name] = h
		}
	}
	return healths
}

// overallStatus is down when any component is down, degraded when any is
// degraded, ok otherwise.
func overallStatus(healths map[string]service.Health) string {
	overall := service.StatusOK
	for _, h := range healths {
		switch h.Status {
		case service.StatusDown:
			return service.StatusDown
		case service.StatusDegraded:
			overall = service.StatusDegraded
		}
	}
	return overall
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
