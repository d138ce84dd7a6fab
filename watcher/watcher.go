// Package watcher detects new input files and hands each one to the
// parser exactly once, across crashes. Detection combines polling with
// fsnotify wakeups; claims go through the state store so concurrent or
// repeated detections lose cleanly.
package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/zeebo/blake3"

	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

// lockFileName guards single-watcher-per-directory exclusivity.
const lockFileName = ".aires.lock"

// Config tunes the watcher.
type Config struct {
	// InputDir is the watched directory.
	InputDir string
	// Patterns lists candidate file globs, matched against base names.
	Patterns []string
	// PollInterval is the scan cadence.
	PollInterval time.Duration
	// StableFor is how long size+mtime must hold before claiming.
	StableFor time.Duration
	// MaxInFlight caps batches in non-terminal states; claiming pauses
	// at the cap and resumes as batches finish. Zero means unlimited.
	MaxInFlight int
}

// Archiver moves handled inputs out of the watched directory. Satisfied
// by archive.Archiver.
type Archiver interface {
	MoveProcessed(srcPath string) (string, error)
}

// candidate tracks a file awaiting its stability window.
type candidate struct {
	size     int64
	modTime  time.Time
	stableAt time.Time
}

// Watcher monitors the input directory and claims stable files.
type Watcher struct {
	config   Config
	store    *store.Store
	archiver Archiver
	logger   *slog.Logger

	lock *flock.Flock
	fsw  *fsnotify.Watcher

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	candidates map[string]*candidate
	draining   bool

	filesDetected atomic.Int64
	filesClaimed  atomic.Int64
	dupesSkipped  atomic.Int64
	lastActivity  atomic.Int64
}

// New creates a watcher over the input directory. arch files duplicate
// drops out of the directory so they are not re-detected.
func New(cfg Config, st *store.Store, arch Archiver, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		config:     cfg,
		store:      st,
		archiver:   arch,
		logger:     logger,
		candidates: make(map[string]*candidate),
	}
}

// Name implements service.Service.
func (w *Watcher) Name() string { return "watcher" }

// Start acquires the directory lock and begins scanning. It fails when
// the directory is unreadable or another instance holds the lock.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if _, err := os.ReadDir(w.config.InputDir); err != nil {
		return fmt.Errorf("input directory not readable: %w", err)
	}

	w.lock = flock.New(filepath.Join(w.config.InputDir, lockFileName))
	held, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire input directory lock: %w", err)
	}
	if !held {
		return fmt.Errorf("input directory %s is owned by another instance", w.config.InputDir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := fsw.Add(w.config.InputDir); addErr != nil {
			w.logger.Warn("Falling back to poll-only watching", "error", addErr)
			fsw.Close()
			fsw = nil
		}
	} else {
		w.logger.Warn("fsnotify unavailable, poll-only watching", "error", err)
		fsw = nil
	}
	w.fsw = fsw

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx)

	w.logger.Info("Watcher started",
		"input_dir", w.config.InputDir,
		"patterns", w.config.Patterns,
		"poll_interval", w.config.PollInterval)
	return nil
}

// Stop flushes in-flight claims and releases the directory lock.
// Already-parsed batches continue through the pipeline.
func (w *Watcher) Stop(grace time.Duration) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(grace):
	}

	if w.fsw != nil {
		w.fsw.Close()
	}
	if w.lock != nil {
		if err := w.lock.Unlock(); err != nil {
			return fmt.Errorf("release input directory lock: %w", err)
		}
	}
	return nil
}

// Drain stops claiming new files while letting the loop keep running so
// in-flight stability checks conclude without new work.
func (w *Watcher) Drain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.logger.Info("Watcher draining, no new files will be claimed")
}

// Healthcheck implements service.Service.
func (w *Watcher) Healthcheck() service.Health {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	status := service.StatusDown
	if running {
		status = service.StatusOK
	}
	var last time.Time
	if n := w.lastActivity.Load(); n != 0 {
		last = time.Unix(0, n)
	}
	return service.Health{Status: status, LastActivity: last}
}

// Stats returns detection counters for the status surface.
func (w *Watcher) Stats() (detected, claimed, duplicates int64) {
	return w.filesDetected.Load(), w.filesClaimed.Load(), w.dupesSkipped.Load()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Recover claims that committed before a crash.
	w.resumeClaimed(ctx)
	w.scan(ctx)

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if w.fsw != nil {
		fsEvents = w.fsw.Events
		fsErrors = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			// A write only restarts the stability window; the poll
			// tick still drives claiming.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				w.scan(ctx)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn("Watch error", "error", err)
		}
	}
}

// scan lists candidates, tracks stability windows, and claims files
// whose window has elapsed.
func (w *Watcher) scan(ctx context.Context) {
	w.lastActivity.Store(time.Now().UnixNano())

	entries, err := os.ReadDir(w.config.InputDir)
	if err != nil {
		w.logger.Error("Failed to list input directory", "error", err)
		return
	}

	now := time.Now()
	seen := make(map[string]bool)
	atCapacity := w.inFlightAtCap(ctx)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !w.matches(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(w.config.InputDir, entry.Name())
		seen[path] = true

		w.mu.Lock()
		cand, known := w.candidates[path]
		if !known || cand.size != info.Size() || !cand.modTime.Equal(info.ModTime()) {
			if !known {
				w.filesDetected.Add(1)
			}
			w.candidates[path] = &candidate{
				size:     info.Size(),
				modTime:  info.ModTime(),
				stableAt: now.Add(w.config.StableFor),
			}
			w.mu.Unlock()
			continue
		}
		ready := now.After(cand.stableAt) && !w.draining && !atCapacity
		w.mu.Unlock()

		if ready {
			w.claim(ctx, path, entry.Name())
		}
	}

	// Forget candidates whose files vanished before stabilizing.
	w.mu.Lock()
	for path := range w.candidates {
		if !seen[path] {
			delete(w.candidates, path)
		}
	}
	w.mu.Unlock()
}

// inFlightAtCap reports whether the number of batches in non-terminal
// states has reached the configured cap.
func (w *Watcher) inFlightAtCap(ctx context.Context) bool {
	if w.config.MaxInFlight <= 0 {
		return false
	}
	counts, err := w.store.CountByState(ctx)
	if err != nil {
		w.logger.Warn("Failed to count in-flight batches", "error", err)
		return false
	}
	inFlight := 0
	for state, n := range counts {
		if !state.Terminal() {
			inFlight += n
		}
	}
	if inFlight >= w.config.MaxInFlight {
		w.logger.Debug("In-flight cap reached, deferring claims",
			"in_flight", inFlight, "cap", w.config.MaxInFlight)
		return true
	}
	return false
}

func (w *Watcher) matches(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	for _, pattern := range w.config.Patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// claim inserts the processing record and hands the file to the parser
// through the outbox. Known files are deduplicated by checksum; changed
// content under a terminal record gets a versioned record name.
func (w *Watcher) claim(ctx context.Context, path, name string) {
	defer func() {
		w.mu.Lock()
		delete(w.candidates, path)
		w.mu.Unlock()
	}()

	checksum, err := checksumFile(path)
	if err != nil {
		w.logger.Warn("Failed to checksum candidate", "file", name, "error", err)
		return
	}

	recordName, ok := w.resolveRecordName(ctx, path, name, checksum)
	if !ok {
		return
	}

	rec, err := w.store.ClaimFile(ctx, recordName, path, checksum)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		// Lost a race with a concurrent detection of the same name.
		w.dupesSkipped.Add(1)
		w.logger.Info("duplicate_skipped", "file", recordName, "checksum", checksum)
		return
	}
	if err != nil {
		w.logger.Error("Failed to claim file", "file", recordName, "error", err)
		return
	}

	w.filesClaimed.Add(1)
	w.handoff(ctx, rec)
}

// resolveRecordName applies the dedup and versioning rules. Returns
// false when the detection is a no-op.
func (w *Watcher) resolveRecordName(ctx context.Context, path, name, checksum string) (string, bool) {
	existing, err := w.store.GetFile(ctx, name)
	if err != nil {
		w.logger.Error("Failed to look up record", "file", name, "error", err)
		return "", false
	}
	if existing == nil {
		return name, true
	}
	if existing.Checksum == checksum {
		w.skipDuplicate(path, name, checksum, existing.State)
		return "", false
	}
	if !existing.State.Terminal() {
		// Same name, different content, still processing: wait for the
		// prior record to settle before versioning.
		w.logger.Debug("Prior record still in flight, deferring",
			"file", name, "state", existing.State)
		return "", false
	}

	// Terminal record with different content: version the name.
	for v := 2; ; v++ {
		versioned := fmt.Sprintf("%s.v%d", name, v)
		rec, err := w.store.GetFile(ctx, versioned)
		if err != nil {
			w.logger.Error("Failed to look up record", "file", versioned, "error", err)
			return "", false
		}
		if rec == nil {
			return versioned, true
		}
		if rec.Checksum == checksum {
			w.skipDuplicate(path, versioned, checksum, rec.State)
			return "", false
		}
	}
}

// skipDuplicate handles a detection whose content already has a record.
// While that record is in flight the file is its own pending input, not
// a duplicate. Once the record is terminal the file is a re-drop:
// counted and archived so it is not re-detected on every scan.
func (w *Watcher) skipDuplicate(path, name, checksum string, state store.FileState) {
	if !state.Terminal() {
		w.logger.Debug("File already claimed, awaiting pipeline",
			"file", name, "state", state)
		return
	}
	w.dupesSkipped.Add(1)
	w.logger.Info("duplicate_skipped", "file", name, "checksum", checksum)
	if w.archiver == nil {
		return
	}
	if _, err := w.archiver.MoveProcessed(path); err != nil {
		w.logger.Warn("Failed to archive duplicate input", "file", name, "error", err)
	}
}

// handoff publishes ParseRequested through the outbox and advances the
// record, in one transaction. A crash before commit rolls the claim
// forward on the next resumeClaimed pass.
func (w *Watcher) handoff(ctx context.Context, rec *store.FileRecord) {
	batchID := uuid.New().String()

	env, err := bus.NewEnvelope(bus.TopicParseRequested, bus.TypeParseRequested, batchID, batchID,
		bus.ParseRequested{
			BatchID:  batchID,
			FileName: rec.FileName,
			FilePath: rec.SourcePath,
			Checksum: rec.Checksum,
		})
	if err != nil {
		w.logger.Error("Failed to build parse request", "file", rec.FileName, "error", err)
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		w.logger.Error("Failed to encode parse request", "file", rec.FileName, "error", err)
		return
	}

	err = w.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := w.store.TransitionTx(ctx, tx, rec.FileName, store.StateParsing); err != nil {
			return err
		}
		return w.store.EnqueueTx(ctx, tx, &store.OutboxRecord{
			MessageID: env.MessageID,
			BatchID:   batchID,
			Topic:     env.Topic,
			Payload:   payload,
		})
	})
	if err != nil {
		w.logger.Error("Failed to hand off claim", "file", rec.FileName, "error", err)
		return
	}

	w.logger.Info("File claimed",
		"file", rec.FileName,
		"batch_id", batchID,
		"checksum", rec.Checksum)
}

// resumeClaimed rolls forward records that committed a claim but
// crashed before the parse hand-off.
func (w *Watcher) resumeClaimed(ctx context.Context) {
	counts, err := w.store.CountByState(ctx)
	if err != nil || counts[store.StateClaimed] == 0 {
		return
	}
	recs, err := w.store.FilesInState(ctx, store.StateClaimed)
	if err != nil {
		w.logger.Warn("Failed to list claimed records", "error", err)
		return
	}
	for i := range recs {
		w.logger.Info("Resuming interrupted claim", "file", recs[i].FileName)
		w.handoff(ctx, &recs[i])
	}
}

func checksumFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}
