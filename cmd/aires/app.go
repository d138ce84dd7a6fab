package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/c360studio/aires/ai/providers"

	"github.com/c360studio/aires/ai"
	"github.com/c360studio/aires/archive"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/booklet"
	"github.com/c360studio/aires/bus"
	"github.com/c360studio/aires/config"
	"github.com/c360studio/aires/orchestrator"
	"github.com/c360studio/aires/outbox"
	"github.com/c360studio/aires/parser"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/stage"
	"github.com/c360studio/aires/status"
	"github.com/c360studio/aires/store"
	"github.com/c360studio/aires/watcher"
)

// errStoreUnavailable marks the loss of the state store, an unrecoverable
// runtime condition distinguished at exit so a supervisor can tell it
// apart from startup and usage errors.
var errStoreUnavailable = errors.New("state store unavailable")

// stageForKey maps stage config keys onto pipeline stages.
var stageForKey = map[string]batch.Stage{
	config.StageKeyDocs:    batch.StageDocs,
	config.StageKeyContext: batch.StageContext,
	config.StageKeyPattern: batch.StagePattern,
	config.StageKeySynth:   batch.StageSynth,
}

// App wires every component together and owns their lifecycle.
type App struct {
	cfgPath  string
	logger   *slog.Logger
	logLevel *slog.LevelVar

	cfgMu sync.Mutex
	cfg   *config.Config

	store    *store.Store
	embedded *bus.EmbeddedServer
	msgBus   bus.Bus
	aiClient *ai.Client
	cleaner  *archive.Cleaner
	watch    *watcher.Watcher
	runner   *service.Runner

	// fatal receives an error when the daemon can no longer operate and
	// must exit for supervisor restart.
	fatal chan error
	// drained closes once a requested drain has no in-flight batches
	// left, signaling a clean exit.
	drained   chan struct{}
	drainOnce sync.Once

	dbMonCancel context.CancelFunc
	dbMonDone   chan struct{}
}

// NewApp creates the application from resolved configuration.
func NewApp(cfg *config.Config, cfgPath string, logger *slog.Logger, logLevel *slog.LevelVar) *App {
	return &App{
		cfgPath:  cfgPath,
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
		fatal:    make(chan error, 1),
		drained:  make(chan struct{}),
	}
}

// Fatal delivers an error when the daemon must exit.
func (a *App) Fatal() <-chan error { return a.fatal }

// Drained closes once a drain has finished all in-flight batches.
func (a *App) Drained() <-chan struct{} { return a.drained }

// beginDrain stops file intake and watches for the pipeline to empty.
func (a *App) beginDrain() {
	a.watch.Drain()
	a.drainOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				counts, err := a.store.CountByState(context.Background())
				if err != nil {
					continue
				}
				inFlight := 0
				for state, n := range counts {
					if !state.Terminal() {
						inFlight += n
					}
				}
				if inFlight == 0 {
					close(a.drained)
					return
				}
			}
		}()
	})
}

// Start brings up storage, the bus, and every pipeline service.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfg

	if err := os.MkdirAll(cfg.Output.Directory, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	st, err := store.Open(ctx, cfg.DB.ConnectionString, cfg.DB.MaxConns, a.logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	a.store = st

	if err := a.startBus(ctx); err != nil {
		st.Close()
		return err
	}

	a.aiClient = ai.NewClient(a.stageOptions(cfg),
		ai.WithLogger(a.logger),
		ai.WithRateLimit(cfg.Queue.RateLimit, cfg.Queue.Burst, cfg.QueueWait()))

	registry := parser.NewRegistry(
		parser.WithMaxErrors(cfg.Pipeline.MaxErrorsPerBatch),
		parser.WithLogger(a.logger))

	archiver := archive.New(cfg.Input.Directory, a.logger)
	assembler := booklet.NewAssembler(cfg.Output.Directory, a.logger)
	a.cleaner = archive.NewCleaner([]string{
		filepath.Join(cfg.Input.Directory, archive.ProcessedDir),
		filepath.Join(cfg.Input.Directory, archive.FailedDir),
		cfg.Output.Directory,
		filepath.Join(cfg.Output.Directory, "failed"),
	}, cfg.Output.RetentionDays, a.logger)

	a.watch = watcher.New(watcher.Config{
		InputDir:     cfg.Input.Directory,
		Patterns:     cfg.Input.FilePatterns,
		PollInterval: cfg.PollInterval(),
		StableFor:    cfg.StableFor(),
		MaxInFlight:  cfg.Pipeline.MaxConcurrentBatches,
	}, st, archiver, a.logger)

	parseWorker := parser.NewWorker(registry, st, a.msgBus, archiver, a.logger)
	orch := orchestrator.New(st, a.msgBus, assembler, archiver,
		cfg.Pipeline.MaxConcurrentBatches, a.logger)
	publisher := outbox.NewPublisher(st, a.msgBus, cfg.Queue.MaxPublishAttempts, a.logger)

	stageWorkers := make([]*stage.Worker, 0, len(batch.Stages()))
	for _, s := range batch.Stages() {
		stageWorkers = append(stageWorkers,
			stage.NewWorker(s, st, a.msgBus, a.aiClient, cfg.Pipeline.MaxStageAttempts, a.logger))
	}

	metrics, control := a.buildControl(cfg, stageWorkers, orch)
	for _, w := range stageWorkers {
		w.SetObserver(metrics.ObserveStage)
	}

	// Consumers subscribe before the watcher claims anything, and the
	// control surface comes up last.
	services := []service.Service{parseWorker}
	for _, w := range stageWorkers {
		services = append(services, w)
	}
	services = append(services, orch, publisher, a.watch, a.cleaner, control)

	a.runner = service.NewRunner(a.logger, services...)
	if err := a.runner.StartAll(ctx, cfg.ShutdownGrace()); err != nil {
		a.closeInfra()
		return err
	}

	a.startDBMonitor()
	a.logger.Info("AIRES daemon started",
		"input_dir", cfg.Input.Directory,
		"output_dir", cfg.Output.Directory)
	return nil
}

// Stop shuts everything down in reverse order within the grace period.
func (a *App) Stop() error {
	if a.dbMonCancel != nil {
		a.dbMonCancel()
		<-a.dbMonDone
	}
	var err error
	if a.runner != nil {
		err = a.runner.StopAll(a.cfg.ShutdownGrace())
	}
	a.closeInfra()
	a.logger.Info("AIRES daemon stopped")
	return err
}

func (a *App) closeInfra() {
	if a.msgBus != nil {
		if err := a.msgBus.Close(); err != nil {
			a.logger.Warn("Bus close failed", "error", err)
		}
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Store close failed", "error", err)
		}
	}
}

// startBus connects to configured brokers, or boots the embedded broker
// when none are configured.
func (a *App) startBus(ctx context.Context) error {
	cfg := a.cfg
	if len(cfg.Queue.Brokers) > 0 {
		b, err := bus.ConnectJetStream(ctx, cfg.Queue.Brokers, a.logger)
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		a.msgBus = b
		return nil
	}

	storeDir := cfg.Queue.StoreDir
	if storeDir == "" {
		storeDir = filepath.Join(filepath.Dir(cfg.DB.ConnectionString), "stream")
	}
	embedded, err := bus.StartEmbeddedServer(storeDir)
	if err != nil {
		return fmt.Errorf("start embedded broker: %w", err)
	}
	conn, err := embedded.Connect()
	if err != nil {
		embedded.Shutdown()
		return fmt.Errorf("connect embedded broker: %w", err)
	}
	b, err := bus.NewJetStreamBus(ctx, conn, a.logger)
	if err != nil {
		conn.Close()
		embedded.Shutdown()
		return fmt.Errorf("create message bus: %w", err)
	}
	a.embedded = embedded
	a.msgBus = b
	return nil
}

// stageOptions builds per-stage AI options from configuration, falling
// back to the built-in system prompts.
func (a *App) stageOptions(cfg *config.Config) map[batch.Stage]ai.Options {
	opts := make(map[batch.Stage]ai.Options, len(cfg.Stages))
	for key, sc := range cfg.Stages {
		s, ok := stageForKey[key]
		if !ok {
			continue
		}
		systemPrompt := sc.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = stage.SystemPrompt(s)
		}
		opts[s] = ai.Options{
			Backend:      string(sc.Backend),
			Model:        sc.Model,
			Endpoint:     sc.Endpoint,
			Temperature:  sc.Temperature,
			MaxTokens:    sc.MaxTokens,
			Timeout:      sc.Timeout(),
			SystemPrompt: systemPrompt,
		}
	}
	return opts
}

// buildControl wires the metrics registry and control server over live
// component readings.
func (a *App) buildControl(cfg *config.Config, stageWorkers []*stage.Worker, orch *orchestrator.Orchestrator) (*status.Metrics, *status.Server) {
	sources := &status.Sources{
		Healths: func() map[string]service.Health {
			if a.runner == nil {
				return nil
			}
			return a.runner.Healths()
		},
		StateCounts: a.store.CountByState,
		DetectedToday: func(ctx context.Context) (int, error) {
			now := time.Now().UTC()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			return a.store.CountDetectedSince(ctx, midnight)
		},
		OutboxBacklog: a.store.OutboxBacklog,
		LastError:     a.store.LastError,
		WatcherStats:  func() (int64, int64, int64) { return a.watch.Stats() },
		BatchStats:    orch.Stats,
		BackendHealth: func() map[string]ai.BackendHealth { return a.aiClient.Health() },
		StageStats: func() map[string]status.StageStats {
			out := make(map[string]status.StageStats, len(stageWorkers))
			for _, w := range stageWorkers {
				processed, failed := w.Stats()
				out[w.Name()] = status.StageStats{Processed: processed, Failed: failed}
			}
			return out
		},
	}
	if js, ok := a.msgBus.(*bus.JetStreamBus); ok {
		sources.QueueDepth = func(ctx context.Context) (int, error) {
			depths, err := js.QueueDepth(ctx)
			if err != nil {
				return 0, err
			}
			total := 0
			for _, n := range depths {
				total += int(n)
			}
			return total, nil
		}
	}

	metrics := status.NewMetrics(sources)
	control := status.NewServer(cfg.Control.Addr, sources, metrics, a.logger)
	control.DrainFunc = a.beginDrain
	control.ReloadFunc = a.Reload
	control.HealthWindow = cfg.HealthWindow()
	return metrics, control
}

// Reload re-reads the config file and applies the reloadable subset:
// log level, stage timeouts, and archive retention.
func (a *App) Reload() error {
	loader := config.NewLoader(a.logger)
	fresh, err := loader.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	a.cfg.ApplyReloadable(fresh)

	a.logLevel.Set(config.ParseLevel(a.cfg.Log.Level))
	a.cleaner.SetRetentionDays(a.cfg.Output.RetentionDays)
	for key, sc := range a.cfg.Stages {
		if s, ok := stageForKey[key]; ok {
			a.aiClient.UpdateStageTimeout(s, sc.Timeout())
		}
	}

	a.logger.Info("Configuration reloaded",
		"log_level", a.cfg.Log.Level,
		"retention_days", a.cfg.Output.RetentionDays)
	return nil
}

// startDBMonitor exits the daemon when the store stays unreachable past
// the configured fatal window, so a supervisor can restart cleanly.
func (a *App) startDBMonitor() {
	window := time.Duration(a.cfg.Pipeline.FatalDBDownSeconds) * time.Second
	if window <= 0 {
		a.dbMonDone = make(chan struct{})
		close(a.dbMonDone)
		a.dbMonCancel = func() {}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.dbMonCancel = cancel
	a.dbMonDone = make(chan struct{})

	go func() {
		defer close(a.dbMonDone)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var downSince time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
				err := a.store.Ping(pingCtx)
				pingCancel()
				if err == nil {
					downSince = time.Time{}
					continue
				}
				if downSince.IsZero() {
					downSince = time.Now()
					a.logger.Warn("State store unreachable", "error", err)
					continue
				}
				if time.Since(downSince) >= window {
					select {
					case a.fatal <- fmt.Errorf("%w for %s: %v",
						errStoreUnavailable, time.Since(downSince).Round(time.Second), err):
					default:
					}
					return
				}
			}
		}
	}()
}
