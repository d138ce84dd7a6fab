// Package stage runs the four AI research stages. Each worker consumes
// one stage's input topic, calls its configured backend, persists the
// finding and hands the batch to the next stage through the outbox, all
// in one transaction.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/aires/ai"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

// requeueCap bounds the delay before a retryable stage attempt.
const requeueCap = 60 * time.Second

// Observer receives per-call stage timing, used for metrics.
type Observer func(stage batch.Stage, d time.Duration, err error)

// Worker processes one stage's requests. Four workers cover the
// pipeline; they share the store, bus and analyzer but never talk to
// each other directly.
type Worker struct {
	stage      batch.Stage
	store      *store.Store
	bus        bus.Bus
	analyzer   ai.Analyzer
	maxRetries int
	logger     *slog.Logger
	observer   Observer

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	lastActivity time.Time

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker for one stage. maxRetries is the budget of
// re-attempts after the first try; a batch dead-letters once it is spent.
func NewWorker(s batch.Stage, st *store.Store, b bus.Bus, analyzer ai.Analyzer, maxRetries int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stage:      s,
		store:      st,
		bus:        b,
		analyzer:   analyzer,
		maxRetries: maxRetries,
		logger:     logger.With("stage", s),
	}
}

// Name implements service.Service.
func (w *Worker) Name() string { return fmt.Sprintf("stage-%s", w.stage) }

// Start subscribes to the stage's input topic.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("stage worker %s already running", w.stage)
	}
	subCtx, cancel := context.WithCancel(ctx)
	if err := w.bus.Subscribe(subCtx, bus.StageInputTopic(w.stage), w.Name(), w.handle); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", bus.StageInputTopic(w.stage), err)
	}
	w.running = true
	w.cancel = cancel
	return nil
}

// Stop cancels the subscription. In-flight batch state lives in the
// store, so interrupted work resumes on redelivery.
func (w *Worker) Stop(time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	w.cancel()
	return nil
}

// Healthcheck implements service.Service.
func (w *Worker) Healthcheck() service.Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	status := service.StatusDown
	if w.running {
		status = service.StatusOK
	}
	return service.Health{Status: status, LastActivity: w.lastActivity}
}

// Stats returns processed and failed counts for the status surface.
func (w *Worker) Stats() (processed, failed int64) {
	return w.processed.Load(), w.failed.Load()
}

// SetObserver installs the timing observer. Call before Start.
func (w *Worker) SetObserver(obs Observer) { w.observer = obs }

// handle processes one stage request. Returning bus.ErrTerminal drops
// poison messages; any other error triggers broker redelivery.
func (w *Worker) handle(ctx context.Context, env *bus.Envelope) error {
	w.touch()

	var req bus.StageRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("%w: decode stage request: %v", bus.ErrTerminal, err)
	}
	reqStage, err := batch.ParseStage(req.Stage)
	if err != nil || reqStage != w.stage {
		return fmt.Errorf("%w: request for stage %q on %s input", bus.ErrTerminal, req.Stage, w.stage)
	}

	ctx = service.WithCorrelation(ctx, env.CorrelationID)
	logger := service.LoggerWith(ctx, w.logger).With("batch_id", req.BatchID)

	// Redelivery after a committed finding: the enqueues committed with
	// it, nothing left to do.
	existing, err := w.store.GetFinding(ctx, req.BatchID, w.stage)
	if err != nil {
		return fmt.Errorf("look up finding: %w", err)
	}
	if existing != nil {
		logger.Debug("Finding already persisted, skipping")
		return nil
	}

	b, err := w.store.GetBatch(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b == nil {
		return fmt.Errorf("%w: batch %s not found", bus.ErrTerminal, req.BatchID)
	}

	rec, err := w.store.GetFileByBatch(ctx, req.BatchID)
	if err != nil {
		return fmt.Errorf("look up batch record: %w", err)
	}

	priors, err := w.store.PriorFindings(ctx, req.BatchID, w.stage)
	if err != nil {
		return fmt.Errorf("load prior findings: %w", err)
	}
	if len(priors) != w.stage.Index()-1 {
		// A prior stage's finding is missing even though its hand-off
		// message arrived. The batch cannot produce a complete booklet.
		logger.Error("Prior findings incomplete",
			"have", len(priors), "want", w.stage.Index()-1)
		return w.failBatch(ctx, env, bus.ReasonAssemblyError,
			fmt.Sprintf("stage %s started with %d of %d prior findings",
				w.stage, len(priors), w.stage.Index()-1), false)
	}

	prompt := buildPrompt(w.stage, b, priors)
	started := time.Now()
	result, err := w.analyzer.Analyze(ctx, w.stage, prompt)
	if w.observer != nil {
		w.observer(w.stage, time.Since(started), err)
	}
	if err != nil {
		return w.handleAnalysisError(ctx, env, &req, rec, logger, err)
	}

	logger.Info("Stage analysis complete",
		"confidence", result.Finding.Confidence,
		"model", result.Model,
		"duration", time.Since(started))

	finding := &batch.Finding{
		Stage:            w.stage,
		BatchID:          req.BatchID,
		ProducedAt:       time.Now().UTC(),
		Confidence:       result.Finding.Confidence,
		Summary:          result.Finding.Summary,
		Details:          result.Finding.Details,
		RawModelResponse: result.Raw,
		Model:            result.Model,
	}

	err = w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		inserted, err := w.store.SaveFindingTx(ctx, tx, finding)
		if err != nil {
			return err
		}
		if !inserted {
			// Concurrent duplicate delivery won; its transaction carries
			// the hand-off.
			return nil
		}
		// Retries consumed here must not shrink the next stage's budget.
		if rec != nil && rec.Attempts > 0 {
			if err := w.store.SetAttemptsTx(ctx, tx, rec.FileName, 0); err != nil {
				return err
			}
		}
		if err := w.enqueueTx(ctx, tx, env, bus.StageOutputTopic(w.stage), bus.TypeStageOutput,
			bus.StageResult{
				BatchID:    req.BatchID,
				Stage:      string(w.stage),
				Confidence: finding.Confidence,
			}, 0); err != nil {
			return err
		}
		if next, ok := w.stage.Next(); ok {
			return w.enqueueTx(ctx, tx, env, bus.StageInputTopic(next), bus.TypeStageInput,
				bus.StageRequest{BatchID: req.BatchID, Stage: string(next)}, 0)
		}
		return w.enqueueTx(ctx, tx, env, bus.TopicBookletRequested, bus.TypeBookletRequested,
			bus.BookletRequest{BatchID: req.BatchID}, 0)
	})
	if err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}

	w.processed.Add(1)
	return nil
}

// handleAnalysisError applies the retry policy: retryable failures
// requeue with a delay until the retry budget is spent, then
// dead-letter; permanent failures fail the batch immediately.
func (w *Worker) handleAnalysisError(ctx context.Context, env *bus.Envelope, req *bus.StageRequest, rec *store.FileRecord, logger *slog.Logger, err error) error {
	kind := ai.KindOf(err)
	reason := reasonForKind(kind)

	if !ai.IsRetryable(err) {
		logger.Warn("Stage failed permanently", "kind", kind, "error", err)
		return w.failBatch(ctx, env, reason, err.Error(), false)
	}

	if rec == nil {
		return fmt.Errorf("%w: no record for batch %s", bus.ErrTerminal, req.BatchID)
	}

	attempts := rec.Attempts + 1
	if attempts > w.maxRetries {
		logger.Error("Stage retry budget exhausted, dead-lettering",
			"kind", kind, "attempts", attempts, "error", err)
		return w.failBatch(ctx, env, reason, err.Error(), true)
	}

	delay := requeueDelay(attempts)
	logger.Warn("Stage failed, requeueing",
		"kind", kind, "attempt", attempts, "delay", delay, "error", err)

	txErr := w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := w.store.SetAttemptsTx(ctx, tx, rec.FileName, attempts); err != nil {
			return err
		}
		return w.enqueueTx(ctx, tx, env, bus.StageInputTopic(w.stage), bus.TypeStageInput,
			bus.StageRequest{BatchID: req.BatchID, Stage: string(w.stage)}, delay)
	})
	if txErr != nil {
		return fmt.Errorf("requeue stage request: %w", txErr)
	}
	return nil
}

// failBatch routes the batch to the failure path and acks the message.
// The orchestrator owns the resulting state transition and failure
// booklet.
func (w *Worker) failBatch(ctx context.Context, env *bus.Envelope, reason, detail string, deadLetter bool) error {
	w.failed.Add(1)
	rec, err := w.store.GetFileByBatch(ctx, env.BatchID)
	if err != nil {
		return fmt.Errorf("look up batch record: %w", err)
	}
	fileName := ""
	if rec != nil {
		fileName = rec.FileName
	}

	err = w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return w.enqueueTx(ctx, tx, env, bus.TopicBatchFailed, bus.TypeBatchFailed,
			bus.BatchFailed{
				BatchID:    env.BatchID,
				FileName:   fileName,
				Stage:      string(w.stage),
				Reason:     reason,
				Detail:     detail,
				DeadLetter: deadLetter,
			}, 0)
	})
	if err != nil {
		return fmt.Errorf("enqueue batch failure: %w", err)
	}
	return nil
}

// enqueueTx wraps payload in a fresh envelope preserving the batch and
// correlation IDs and inserts it into the outbox.
func (w *Worker) enqueueTx(ctx context.Context, tx *sqlx.Tx, parent *bus.Envelope, topic, msgType string, payload any, delay time.Duration) error {
	out, err := bus.NewEnvelope(topic, msgType, parent.BatchID, parent.CorrelationID, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return w.store.EnqueueTx(ctx, tx, &store.OutboxRecord{
		MessageID:     out.MessageID,
		BatchID:       parent.BatchID,
		Topic:         topic,
		Payload:       raw,
		CreatedAt:     now,
		NextAttemptAt: now.Add(delay),
	})
}

// requeueDelay grows 2^n seconds capped at requeueCap.
func requeueDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= requeueCap {
			return requeueCap
		}
	}
	return d
}

func reasonForKind(kind ai.Kind) string {
	switch kind {
	case ai.KindTimeout:
		return bus.ReasonTimeout
	case ai.KindRateLimited:
		return bus.ReasonRateLimited
	case ai.KindHTTPError:
		return bus.ReasonHTTPError
	case ai.KindSchemaMismatch:
		return bus.ReasonSchemaMismatch
	case ai.KindBackendUnavailable:
		return bus.ReasonBackendUnavailable
	}
	return bus.ReasonHTTPError
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}
