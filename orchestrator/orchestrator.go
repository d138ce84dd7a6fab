// Package orchestrator drives batches through their final transitions:
// assembling completed pipelines into booklets, recording failures with
// partial-research booklets, and archiving the source inputs.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/semaphore"

	"github.com/c360studio/aires/archive"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/booklet"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

// Orchestrator finalizes batches. It owns every transition into a
// terminal state except publisher-side dead-letters.
type Orchestrator struct {
	store     *store.Store
	bus       bus.Bus
	assembler *booklet.Assembler
	archiver  *archive.Archiver
	logger    *slog.Logger

	// sem bounds concurrent assembly work across subscriptions.
	sem *semaphore.Weighted

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	lastActivity time.Time

	completed atomic.Int64
	failed    atomic.Int64
}

// New creates the orchestrator. maxConcurrent bounds simultaneous
// booklet assemblies.
func New(st *store.Store, b bus.Bus, asm *booklet.Assembler, arch *archive.Archiver, maxConcurrent int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Orchestrator{
		store:     st,
		bus:       b,
		assembler: asm,
		archiver:  arch,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Name implements service.Service.
func (o *Orchestrator) Name() string { return "orchestrator" }

// Start subscribes to booklet requests and both failure topics.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}
	subCtx, cancel := context.WithCancel(ctx)

	subs := []struct {
		topic   string
		handler bus.Handler
	}{
		{bus.TopicBookletRequested, o.handleBookletRequest},
		{bus.TopicBatchFailed, o.handleFailure},
		{bus.TopicDeadLetter, o.handleFailure},
	}
	for _, sub := range subs {
		if err := o.bus.Subscribe(subCtx, sub.topic, o.Name(), sub.handler); err != nil {
			cancel()
			return fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
	}

	o.running = true
	o.cancel = cancel
	return nil
}

// Stop cancels the subscriptions.
func (o *Orchestrator) Stop(time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	o.running = false
	o.cancel()
	return nil
}

// Healthcheck implements service.Service.
func (o *Orchestrator) Healthcheck() service.Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := service.StatusDown
	if o.running {
		status = service.StatusOK
	}
	return service.Health{Status: status, LastActivity: o.lastActivity}
}

// Stats returns completion counters for the status surface.
func (o *Orchestrator) Stats() (completed, failed int64) {
	return o.completed.Load(), o.failed.Load()
}

// handleBookletRequest assembles the final booklet once all four
// findings are persisted.
func (o *Orchestrator) handleBookletRequest(ctx context.Context, env *bus.Envelope) error {
	o.touch()

	var req bus.BookletRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("%w: decode booklet request: %v", bus.ErrTerminal, err)
	}

	ctx = service.WithCorrelation(ctx, env.CorrelationID)
	logger := service.LoggerWith(ctx, o.logger).With("batch_id", req.BatchID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	rec, err := o.store.GetFileByBatch(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("look up batch record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: no record for batch %s", bus.ErrTerminal, req.BatchID)
	}
	if rec.State.Terminal() {
		logger.Debug("Record already terminal, skipping", "state", rec.State)
		return nil
	}

	b, err := o.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b == nil {
		return fmt.Errorf("%w: batch %s not found", bus.ErrTerminal, req.BatchID)
	}

	findings, err := o.store.GetFindings(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("load findings: %w", err)
	}
	if len(findings) != len(batch.Stages()) {
		// The request arrived without its findings, so a stage commit was
		// lost. Record the failure rather than redelivering forever.
		logger.Error("Booklet requested with incomplete findings",
			"have", len(findings), "want", len(batch.Stages()))
		return o.finalizeFailure(ctx, logger, rec, b, findings, "assembly",
			bus.ReasonAssemblyError,
			fmt.Sprintf("only %d of %d findings persisted", len(findings), len(batch.Stages())),
			false)
	}

	// Crash recovery: the record may already sit in assembling.
	if rec.State == store.StatePipelining {
		err = o.store.InTx(ctx, func(tx *sqlx.Tx) error {
			return o.store.TransitionTx(ctx, tx, rec.FileName, store.StateAssembling)
		})
		if err != nil {
			return fmt.Errorf("enter assembling: %w", err)
		}
	}

	bk, err := o.assembler.Assemble(b, findings)
	if err != nil {
		logger.Error("Booklet assembly failed", "error", err)
		return o.finalizeFailure(ctx, logger, rec, b, findings, "assembly",
			bus.ReasonAssemblyError, err.Error(), false)
	}
	path, err := o.assembler.Write(bk)
	if err != nil {
		// Output filesystem trouble is usually transient; redeliver.
		return fmt.Errorf("write booklet: %w", err)
	}

	err = o.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.store.TransitionTx(ctx, tx, rec.FileName, store.StateCompleted); err != nil {
			return err
		}
		return o.store.SetBookletPathTx(ctx, tx, rec.FileName, path)
	})
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}

	if _, err := o.archiver.MoveProcessed(rec.SourcePath); err != nil {
		logger.Warn("Failed to archive processed input", "error", err)
	}

	o.completed.Add(1)
	logger.Info("Batch completed",
		"file", rec.FileName,
		"booklet", path,
		"confidence", bk.Confidence())
	return nil
}

// handleFailure finalizes a failed batch: failure booklet with whatever
// findings exist, terminal transition, archive to failed/.
func (o *Orchestrator) handleFailure(ctx context.Context, env *bus.Envelope) error {
	o.touch()

	var msg bus.BatchFailed
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("%w: decode batch failure: %v", bus.ErrTerminal, err)
	}

	ctx = service.WithCorrelation(ctx, env.CorrelationID)
	logger := service.LoggerWith(ctx, o.logger).With(
		"batch_id", msg.BatchID, "reason", msg.Reason)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)

	rec, err := o.lookupRecord(ctx, &msg)
	if err != nil {
		return err
	}
	if rec == nil {
		logger.Warn("Failure for unknown batch, dropping")
		return nil
	}
	if rec.State.Terminal() {
		// Publisher-side dead-letters land here already terminal; just
		// make sure the input file is archived.
		o.archiveFailed(logger, rec, &msg)
		return nil
	}

	b, err := o.store.GetBatch(ctx, msg.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	var findings []batch.Finding
	if b != nil {
		if findings, err = o.store.GetFindings(ctx, msg.BatchID); err != nil {
			return fmt.Errorf("load findings: %w", err)
		}
	}

	return o.finalizeFailure(ctx, logger, rec, b, findings,
		msg.Stage, msg.Reason, msg.Detail, msg.DeadLetter)
}

// finalizeFailure writes the failure booklet, moves the record to its
// terminal failure state, and archives the input. failedStage names the
// pipeline stage that reported the failure.
func (o *Orchestrator) finalizeFailure(ctx context.Context, logger *slog.Logger, rec *store.FileRecord, b *batch.ErrorBatch, findings []batch.Finding, failedStage, reason, detail string, deadLetter bool) error {
	var bookletPath string
	if b != nil {
		bk, err := o.assembler.AssembleFailure(b, findings, failedStage, reason, detail)
		if err != nil {
			logger.Warn("Failed to assemble failure booklet", "error", err)
		} else if bookletPath, err = o.assembler.Write(bk); err != nil {
			logger.Warn("Failed to write failure booklet", "error", err)
			bookletPath = ""
		}
	}

	target := store.StateFailed
	if deadLetter {
		target = store.StateDeadLettered
	}
	err := o.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.store.TransitionTx(ctx, tx, rec.FileName, target); err != nil {
			return err
		}
		lastErr := reason
		if detail != "" {
			lastErr = reason + ": " + detail
		}
		if err := o.store.SetLastErrorTx(ctx, tx, rec.FileName, lastErr); err != nil {
			return err
		}
		if bookletPath != "" {
			return o.store.SetBookletPathTx(ctx, tx, rec.FileName, bookletPath)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize failure: %w", err)
	}

	o.archiveFailed(logger, rec, &bus.BatchFailed{Reason: reason, Detail: detail})
	o.failed.Add(1)
	logger.Info("Batch failed",
		"file", rec.FileName,
		"state", target,
		"stage", failedStage,
		"partial_findings", len(findings),
		"booklet", bookletPath)
	return nil
}

func (o *Orchestrator) archiveFailed(logger *slog.Logger, rec *store.FileRecord, msg *bus.BatchFailed) {
	reason := msg.Reason
	if msg.Detail != "" {
		reason = msg.Reason + ": " + msg.Detail
	}
	if _, err := o.archiver.MoveFailed(rec.SourcePath, reason); err != nil {
		logger.Warn("Failed to archive failed input", "error", err)
	}
}

// lookupRecord resolves the file record from the failure message,
// preferring the batch ID and falling back to the file name for
// failures raised before the batch persisted.
func (o *Orchestrator) lookupRecord(ctx context.Context, msg *bus.BatchFailed) (*store.FileRecord, error) {
	if msg.BatchID != "" {
		rec, err := o.store.GetFileByBatch(ctx, msg.BatchID)
		if err != nil {
			return nil, fmt.Errorf("look up batch record: %w", err)
		}
		if rec != nil {
			return rec, nil
		}
	}
	if msg.FileName != "" {
		rec, err := o.store.GetFile(ctx, msg.FileName)
		if err != nil {
			return nil, fmt.Errorf("look up file record: %w", err)
		}
		return rec, nil
	}
	return nil, nil
}

func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.lastActivity = time.Now()
	o.mu.Unlock()
}
