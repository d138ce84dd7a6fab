package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/c360studio/aires/archive"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

// Worker consumes parse requests, turns raw build output into persisted
// error batches, and hands each batch to the first pipeline stage.
type Worker struct {
	registry *Registry
	store    *store.Store
	bus      bus.Bus
	archiver *archive.Archiver
	logger   *slog.Logger

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	lastActivity time.Time
}

// NewWorker creates the parser worker.
func NewWorker(registry *Registry, st *store.Store, b bus.Bus, archiver *archive.Archiver, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		registry: registry,
		store:    st,
		bus:      b,
		archiver: archiver,
		logger:   logger,
	}
}

// Name implements service.Service.
func (w *Worker) Name() string { return "parser" }

// Start subscribes to parse requests.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("parser worker already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	if err := w.bus.Subscribe(subCtx, bus.TopicParseRequested, w.Name(), w.handle); err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", bus.TopicParseRequested, err)
	}
	w.running = true
	w.cancel = cancel
	return nil
}

// Stop cancels the subscription.
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

func (w *Worker) handle(ctx context.Context, env *bus.Envelope) error {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()

	var req bus.ParseRequested
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("%w: decode parse request: %v", bus.ErrTerminal, err)
	}

	ctx = service.WithCorrelation(ctx, env.CorrelationID)
	logger := service.LoggerWith(ctx, w.logger).With(
		"batch_id", req.BatchID, "file", req.FileName)

	rec, err := w.store.GetFile(ctx, req.FileName)
	if err != nil {
		return fmt.Errorf("look up record: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: no record for file %s", bus.ErrTerminal, req.FileName)
	}
	if rec.State != store.StateParsing {
		// Redelivery after the parse already committed.
		logger.Debug("Record already past parsing, skipping", "state", rec.State)
		return nil
	}

	content, err := os.ReadFile(req.FilePath)
	if err != nil {
		logger.Error("Input file unreadable", "error", err)
		return w.failParse(ctx, env, &req,
			fmt.Sprintf("input file unreadable: %v", err))
	}

	result, err := w.registry.Parse(string(content))
	if err != nil {
		if errors.Is(err, ErrUnparsable) {
			logger.Warn("No recognizer matched input", "error", err)
			return w.failParse(ctx, env, &req, err.Error())
		}
		return fmt.Errorf("parse %s: %w", req.FileName, err)
	}

	b, err := batch.NewErrorBatch(req.FileName, req.Checksum, result.Errors)
	if err != nil {
		return w.failParse(ctx, env, &req, err.Error())
	}
	// The watcher pre-allocated the batch ID; the whole trace shares it.
	b.BatchID = req.BatchID
	b.Truncated = result.Truncated

	logger.Info("Parsed build output",
		"recognizer", result.Recognizer,
		"diagnostics", len(b.Errors),
		"matched_lines", result.MatchedLines,
		"discarded_lines", result.DiscardedLines,
		"truncated", result.Truncated)

	if !b.HasErrors() {
		return w.completeWithoutPipeline(ctx, env, &req, b, logger)
	}

	err = w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := w.store.SaveBatchTx(ctx, tx, req.FileName, b); err != nil {
			return err
		}
		if err := w.store.TransitionTx(ctx, tx, req.FileName, store.StatePipelining); err != nil {
			return err
		}
		if err := w.enqueueTx(ctx, tx, env, bus.TopicParseCompleted, bus.TypeParseCompleted,
			bus.ParseCompleted{
				BatchID:  req.BatchID,
				FileName: req.FileName,
				Errors:   len(b.Errors),
			}); err != nil {
			return err
		}
		first := batch.Stages()[0]
		return w.enqueueTx(ctx, tx, env, bus.StageInputTopic(first), bus.TypeStageInput,
			bus.StageRequest{BatchID: req.BatchID, Stage: string(first)})
	})
	if err != nil {
		return fmt.Errorf("commit parse: %w", err)
	}
	return nil
}

// completeWithoutPipeline finishes a warnings-only batch: the batch is
// persisted for audit, the record completes, and the input archives to
// processed without any AI stages.
func (w *Worker) completeWithoutPipeline(ctx context.Context, env *bus.Envelope, req *bus.ParseRequested, b *batch.ErrorBatch, logger *slog.Logger) error {
	err := w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := w.store.SaveBatchTx(ctx, tx, req.FileName, b); err != nil {
			return err
		}
		if err := w.store.TransitionTx(ctx, tx, req.FileName, store.StateCompleted); err != nil {
			return err
		}
		return w.enqueueTx(ctx, tx, env, bus.TopicParseCompleted, bus.TypeParseCompleted,
			bus.ParseCompleted{
				BatchID:  req.BatchID,
				FileName: req.FileName,
				Errors:   0,
			})
	})
	if err != nil {
		return fmt.Errorf("complete warnings-only batch: %w", err)
	}

	if _, err := w.archiver.MoveProcessed(req.FilePath); err != nil {
		logger.Warn("Failed to archive warnings-only input", "error", err)
	}
	logger.Info("Batch has no errors, completed without analysis",
		"diagnostics", len(b.Errors))
	return nil
}

// failParse routes an unusable input to the failure path. The
// orchestrator owns the state transition and the archive move.
func (w *Worker) failParse(ctx context.Context, env *bus.Envelope, req *bus.ParseRequested, detail string) error {
	err := w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		return w.enqueueTx(ctx, tx, env, bus.TopicBatchFailed, bus.TypeBatchFailed,
			bus.BatchFailed{
				BatchID:  req.BatchID,
				FileName: req.FileName,
				Reason:   bus.ReasonUnparsable,
				Detail:   detail,
			})
	})
	if err != nil {
		return fmt.Errorf("enqueue parse failure: %w", err)
	}
	return nil
}

func (w *Worker) enqueueTx(ctx context.Context, tx *sqlx.Tx, parent *bus.Envelope, topic, msgType string, payload any) error {
	out, err := bus.NewEnvelope(topic, msgType, parent.BatchID, parent.CorrelationID, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return w.store.EnqueueTx(ctx, tx, &store.OutboxRecord{
		MessageID: out.MessageID,
		BatchID:   parent.BatchID,
		Topic:     topic,
		Payload:   raw,
	})
}
