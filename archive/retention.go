package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/aires/service"
)

// Cleaner prunes dated archive and booklet directories older than the
// retention window. It runs daily; a zero retention disables pruning.
type Cleaner struct {
	roots         []string
	retentionDays int
	logger        *slog.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
	lastRun time.Time
	lastErr string
}

// NewCleaner creates a retention cleaner over the given archive roots
// (directories whose children are YYYY-MM-DD subdirectories).
func NewCleaner(roots []string, retentionDays int, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{roots: roots, retentionDays: retentionDays, logger: logger}
}

// SetRetentionDays updates the retention window. Reloadable at runtime.
func (c *Cleaner) SetRetentionDays(days int) {
	c.mu.Lock()
	c.retentionDays = days
	c.mu.Unlock()
}

// Name implements service.Service.
func (c *Cleaner) Name() string { return "retention-cleaner" }

// Start schedules the daily prune and runs one pass immediately.
func (c *Cleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cleaner already running")
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc("13 3 * * *", func() {
		time.Sleep(jitterDelay())
		c.prune()
	}); err != nil {
		return fmt.Errorf("schedule retention prune: %w", err)
	}
	c.cron.Start()
	c.running = true

	go c.prune()
	return nil
}

// Stop halts the schedule, waiting up to grace for a running prune.
func (c *Cleaner) Stop(grace time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cr := c.cron
	c.mu.Unlock()

	stopCtx := cr.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-time.After(grace):
		return fmt.Errorf("retention prune did not finish within %s", grace)
	}
}

// Healthcheck implements service.Service.
func (c *Cleaner) Healthcheck() service.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := service.StatusDown
	if c.running {
		status = service.StatusOK
		if c.lastErr != "" {
			status = service.StatusDegraded
		}
	}
	return service.Health{
		Status:       status,
		LastActivity: c.lastRun,
		Detail:       c.lastErr,
	}
}

// prune removes dated subdirectories older than the retention window.
func (c *Cleaner) prune() {
	c.mu.Lock()
	days := c.retentionDays
	c.mu.Unlock()
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var lastErr string
	for _, root := range c.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if !os.IsNotExist(err) {
				lastErr = err.Error()
			}
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			day, err := time.Parse(dateLayout, entry.Name())
			if err != nil {
				// Not a dated directory; leave it alone.
				continue
			}
			if !day.Before(cutoff) {
				continue
			}
			path := filepath.Join(root, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				c.logger.Warn("Failed to prune archive directory",
					"path", path, "error", err)
				lastErr = err.Error()
				continue
			}
			c.logger.Info("Pruned archive directory",
				"path", path, "age_days", int(time.Since(day).Hours()/24))
		}
	}

	c.mu.Lock()
	c.lastRun = time.Now()
	c.lastErr = lastErr
	c.mu.Unlock()
}
