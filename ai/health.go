package ai

import (
	"sync"
	"time"
)

// BackendHealth is a point-in-time snapshot of one backend's health.
type BackendHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	FailureCount int       `json:"failure_count"`
	CircuitOpen  bool      `json:"circuit_open"`
}

// HealthConfig tunes the per-backend circuit breaker.
type HealthConfig struct {
	// FailureThreshold is consecutive failures before opening the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long to wait before allowing a test request.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns circuit breaker defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// healthTracker tracks backend availability. After FailureThreshold
// consecutive failures the circuit opens; after RecoveryTimeout a single
// probe request is allowed through (half-open).
type healthTracker struct {
	mu       sync.Mutex
	config   HealthConfig
	statuses map[string]*backendStatus
}

type backendStatus struct {
	lastSuccess  time.Time
	lastFailure  time.Time
	failureCount int
	circuitOpen  bool
	openedAt     time.Time
}

func newHealthTracker(cfg HealthConfig) *healthTracker {
	return &healthTracker{
		config:   cfg,
		statuses: make(map[string]*backendStatus),
	}
}

func (h *healthTracker) markSuccess(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.getOrCreate(backend)
	st.lastSuccess = time.Now()
	st.failureCount = 0
	st.circuitOpen = false
}

func (h *healthTracker) markFailure(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.getOrCreate(backend)
	st.lastFailure = time.Now()
	st.failureCount++
	if st.failureCount >= h.config.FailureThreshold && !st.circuitOpen {
		st.circuitOpen = true
		st.openedAt = time.Now()
	}
}

// available reports whether a request may be sent to the backend.
func (h *healthTracker) available(backend string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.statuses[backend]
	if !ok || !st.circuitOpen {
		return true
	}
	// Half-open: allow a probe after the recovery timeout.
	return time.Since(st.openedAt) > h.config.RecoveryTimeout
}

// snapshot returns health for every known backend.
func (h *healthTracker) snapshot() map[string]BackendHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]BackendHealth, len(h.statuses))
	for name, st := range h.statuses {
		out[name] = BackendHealth{
			Available:    !st.circuitOpen,
			LastSuccess:  st.lastSuccess,
			LastFailure:  st.lastFailure,
			FailureCount: st.failureCount,
			CircuitOpen:  st.circuitOpen,
		}
	}
	return out
}

func (h *healthTracker) getOrCreate(backend string) *backendStatus {
	if st, ok := h.statuses[backend]; ok {
		return st
	}
	st := &backendStatus{}
	h.statuses[backend] = st
	return st
}
