// Package outbox publishes committed outbox rows to the message bus.
// The publisher is single-threaded per instance so per-batch creation
// order is preserved on the wire.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

const (
	scanInterval = 100 * time.Millisecond
	scanLimit    = 64

	// Per-message retry schedule: 100ms * 2^n capped at 60s.
	retryBase = 100 * time.Millisecond
	retryCap  = 60 * time.Second
)

// Publisher drains unpublished outbox rows to the bus in creation order.
type Publisher struct {
	store       *store.Store
	bus         bus.Bus
	logger      *slog.Logger
	maxAttempts int

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastActivity time.Time
	lastError    string
}

// NewPublisher creates an outbox publisher. maxAttempts caps publish
// retries per message before it dead-letters.
func NewPublisher(st *store.Store, b bus.Bus, maxAttempts int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Publisher{
		store:       st,
		bus:         b,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// Name implements service.Service.
func (p *Publisher) Name() string { return "outbox-publisher" }

// Start begins the publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("publisher already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(loopCtx)
	return nil
}

// Stop halts the publish loop, waiting up to grace for the current scan
// to finish.
func (p *Publisher) Stop(grace time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(grace):
		return fmt.Errorf("publisher did not stop within %s", grace)
	}
	return nil
}

// Healthcheck implements service.Service.
func (p *Publisher) Healthcheck() service.Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := service.StatusDown
	if p.running {
		status = service.StatusOK
		if p.lastError != "" {
			status = service.StatusDegraded
		}
	}
	return service.Health{
		Status:       status,
		LastActivity: p.lastActivity,
		Detail:       p.lastError,
	}
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil && ctx.Err() == nil {
				p.setLastError(err.Error())
				p.logger.Warn("Outbox scan failed", "error", err)
			}
		}
	}
}

// drainOnce publishes every due message once, in creation order. A scan
// error aborts the pass; per-message failures defer just that message.
func (p *Publisher) drainOnce(ctx context.Context) error {
	recs, err := p.store.DueOutbox(ctx, time.Now().UTC(), scanLimit)
	if err != nil {
		return err
	}
	for i := range recs {
		if ctx.Err() != nil {
			return nil
		}
		p.publishOne(ctx, &recs[i])
	}
	if len(recs) > 0 {
		p.touch()
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, rec *store.OutboxRecord) {
	var env bus.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		// Poison row: payload was corrupted after commit. Dead-letter
		// immediately; retrying cannot help.
		p.logger.Error("Undecodable outbox payload, dead-lettering",
			"message_id", rec.MessageID,
			"batch_id", rec.BatchID,
			"error", err)
		p.deadLetter(ctx, rec, bus.ReasonPoisonMessage, err.Error())
		return
	}

	if err := p.bus.Publish(ctx, &env); err != nil {
		attempts := rec.Attempts + 1
		if attempts >= p.maxAttempts {
			p.logger.Error("Publish retries exhausted, dead-lettering",
				"message_id", rec.MessageID,
				"batch_id", rec.BatchID,
				"topic", rec.Topic,
				"attempts", attempts)
			p.deadLetter(ctx, rec, bus.ReasonMaxAttempts, err.Error())
			return
		}
		next := time.Now().UTC().Add(retryDelay(attempts))
		if dbErr := p.store.DeferOutbox(ctx, rec.MessageID, attempts, next); dbErr != nil {
			p.logger.Warn("Failed to defer outbox message",
				"message_id", rec.MessageID, "error", dbErr)
		}
		p.logger.Debug("Publish failed, deferred",
			"message_id", rec.MessageID,
			"topic", rec.Topic,
			"attempt", attempts,
			"next_attempt_at", next,
			"error", err)
		return
	}

	if err := p.store.MarkPublished(ctx, rec.MessageID, time.Now().UTC()); err != nil {
		// The broker has the message; the dedup key makes the repeat
		// publish after restart a no-op.
		p.logger.Warn("Failed to mark outbox message published",
			"message_id", rec.MessageID, "error", err)
	}
}

// deadLetter routes an irrecoverable message to the DLQ and marks its
// batch dead-lettered. DLQ publication itself retries with backoff; if
// even that fails the row stays published-marked so it cannot wedge the
// scan loop.
func (p *Publisher) deadLetter(ctx context.Context, rec *store.OutboxRecord, reason, detail string) {
	dlq, err := bus.NewEnvelope(bus.TopicDeadLetter, bus.TypeDeadLetter, rec.BatchID, "", bus.BatchFailed{
		BatchID:    rec.BatchID,
		Reason:     reason,
		Detail:     detail,
		DeadLetter: true,
	})
	if err == nil {
		bo := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryBase),
			backoff.WithMaxInterval(retryCap),
			backoff.WithMaxElapsedTime(5*time.Second)), ctx)
		pubErr := backoff.Retry(func() error {
			return p.bus.Publish(ctx, dlq)
		}, bo)
		if pubErr != nil {
			p.logger.Error("Failed to publish dead letter",
				"message_id", rec.MessageID, "error", pubErr)
		}
	}

	if err := p.store.MarkPublished(ctx, rec.MessageID, time.Now().UTC()); err != nil {
		p.logger.Warn("Failed to retire dead-lettered outbox message",
			"message_id", rec.MessageID, "error", err)
	}

	p.markBatchDeadLettered(ctx, rec.BatchID, reason, detail)
}

func (p *Publisher) markBatchDeadLettered(ctx context.Context, batchID, reason, detail string) {
	if batchID == "" {
		return
	}
	rec, err := p.store.GetFileByBatch(ctx, batchID)
	if err != nil || rec == nil {
		return
	}
	err = p.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := p.store.TransitionTx(ctx, tx, rec.FileName, store.StateDeadLettered); err != nil {
			return err
		}
		return p.store.SetLastErrorTx(ctx, tx, rec.FileName, reason+": "+detail)
	})
	if err != nil {
		p.logger.Warn("Failed to dead-letter batch record",
			"batch_id", batchID, "error", err)
	}
}

// retryDelay computes the nth retry delay: retryBase * 2^(n-1), capped.
func retryDelay(attempt int) time.Duration {
	d := retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

func (p *Publisher) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.lastError = ""
	p.mu.Unlock()
}

func (p *Publisher) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}
