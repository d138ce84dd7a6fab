// Package service defines the lifecycle contract shared by long-lived
// pipeline components and the correlation-ID plumbing that ties log
// lines, metrics, and messages for one batch together.
package service

import (
	"context"
	"log/slog"
	"time"
)

// Health reports one component's operational state.
type Health struct {
	// Status is ok, degraded, or down.
	Status string `json:"status"`
	// LastActivity is when the component last did useful work.
	LastActivity time.Time `json:"last_activity,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Service is a long-lived component with explicit lifecycle. Components
// never hold references to each other; they coordinate through the bus
// and the store.
type Service interface {
	// Name identifies the component in health reports and logs.
	Name() string

	// Start begins background work. It returns once the component is
	// running; work stops when ctx is cancelled.
	Start(ctx context.Context) error

	// Stop flushes in-flight work within the grace period.
	Stop(grace time.Duration) error

	// Healthcheck reports current component health.
	Healthcheck() Health
}

// Runner starts services in dependency order and stops them in reverse.
type Runner struct {
	services []Service
	logger   *slog.Logger
}

// NewRunner creates a runner over the given services, listed in start
// order.
func NewRunner(logger *slog.Logger, services ...Service) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{services: services, logger: logger}
}

// StartAll starts every service in order, stopping already-started ones
// on failure.
func (r *Runner) StartAll(ctx context.Context, grace time.Duration) error {
	for i, svc := range r.services {
		if err := svc.Start(ctx); err != nil {
			r.logger.Error("Service failed to start",
				"service", svc.Name(), "error", err)
			r.stopN(i, grace)
			return err
		}
		r.logger.Info("Service started", "service", svc.Name())
	}
	return nil
}

// StopAll stops every service in reverse order, collecting errors.
func (r *Runner) StopAll(grace time.Duration) error {
	return r.stopN(len(r.services), grace)
}

// stopN stops the first n services one at a time in reverse start
// order, so consumers shut down before what they depend on. The first
// stop error is returned; later services still stop.
func (r *Runner) stopN(n int, grace time.Duration) error {
	var firstErr error
	for i := n - 1; i >= 0; i-- {
		svc := r.services[i]
		if err := svc.Stop(grace); err != nil {
			r.logger.Warn("Service stop failed",
				"service", svc.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.logger.Info("Service stopped", "service", svc.Name())
	}
	return firstErr
}

// Healths returns the current health of every service, keyed by name.
func (r *Runner) Healths() map[string]Health {
	out := make(map[string]Health, len(r.services))
	for _, svc := range r.services {
		out[svc.Name()] = svc.Healthcheck()
	}
	return out
}
