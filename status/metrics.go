package status

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/aires/ai"
	"github.com/c360studio/aires/batch"
	"github.com/c360studio/aires/service"
	"github.com/c360studio/aires/store"
)

// StageStats is one stage worker's counters.
type StageStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Sources supplies the live readings the status surface reports. Nil
// fields are skipped.
type Sources struct {
	Healths       func() map[string]service.Health
	StateCounts   func(ctx context.Context) (map[store.FileState]int, error)
	DetectedToday func(ctx context.Context) (int, error)
	OutboxBacklog func(ctx context.Context) (int, error)
	QueueDepth    func(ctx context.Context) (int, error)
	LastError     func(ctx context.Context) (string, error)
	WatcherStats  func() (detected, claimed, duplicates int64)
	StageStats    func() map[string]StageStats
	BatchStats    func() (completed, failed int64)
	BackendHealth func() map[string]ai.BackendHealth
}

// Metrics owns the Prometheus registry: a duration histogram fed by the
// stage workers plus a collector that samples Sources on scrape.
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	sources       *Sources
}

// NewMetrics builds the registry and registers all collectors.
func NewMetrics(sources *Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aires_stage_duration_seconds",
			Help:    "AI stage analysis duration, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"stage", "outcome"}),
		sources: sources,
	}
	m.registry.MustRegister(m.stageDuration)
	m.registry.MustRegister(&sampler{sources: sources})
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveStage records one stage analysis duration. Wired into the
// stage workers as their observer.
func (m *Metrics) ObserveStage(stage batch.Stage, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

// sampler converts Sources readings into metrics at scrape time, so
// gauges never go stale between scrapes.
type sampler struct {
	sources *Sources
}

var (
	descFilesDetected = prometheus.NewDesc("aires_files_detected_total",
		"Input files detected since start.", nil, nil)
	descFilesClaimed = prometheus.NewDesc("aires_files_claimed_total",
		"Input files claimed since start.", nil, nil)
	descDuplicates = prometheus.NewDesc("aires_duplicates_skipped_total",
		"Duplicate detections skipped since start.", nil, nil)
	descBatchesCompleted = prometheus.NewDesc("aires_batches_completed_total",
		"Batches completed since start.", nil, nil)
	descBatchesFailed = prometheus.NewDesc("aires_batches_failed_total",
		"Batches failed since start.", nil, nil)
	descStageProcessed = prometheus.NewDesc("aires_stage_processed_total",
		"Findings produced per stage since start.", []string{"stage"}, nil)
	descStageFailed = prometheus.NewDesc("aires_stage_failed_total",
		"Stage failures since start.", []string{"stage"}, nil)
	descFilesInState = prometheus.NewDesc("aires_files_in_state",
		"File records per lifecycle state.", []string{"state"}, nil)
	descOutboxBacklog = prometheus.NewDesc("aires_outbox_backlog",
		"Unpublished outbox messages.", nil, nil)
	descQueueDepth = prometheus.NewDesc("aires_queue_depth",
		"Pending messages on the bus.", nil, nil)
	descBackendUp = prometheus.NewDesc("aires_backend_up",
		"Whether the AI backend circuit is closed.", []string{"backend"}, nil)
	descServiceUp = prometheus.NewDesc("aires_service_up",
		"Whether the component reports ok.", []string{"service"}, nil)
)

func (s *sampler) Describe(ch chan<- *prometheus.Desc) {
	ch <- descFilesDetected
	ch <- descFilesClaimed
	ch <- descDuplicates
	ch <- descBatchesCompleted
	ch <- descBatchesFailed
	ch <- descStageProcessed
	ch <- descStageFailed
	ch <- descFilesInState
	ch <- descOutboxBacklog
	ch <- descQueueDepth
	ch <- descBackendUp
	ch <- descServiceUp
}

func (s *sampler) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if s.sources.WatcherStats != nil {
		detected, claimed, dupes := s.sources.WatcherStats()
		ch <- prometheus.MustNewConstMetric(descFilesDetected, prometheus.CounterValue, float64(detected))
		ch <- prometheus.MustNewConstMetric(descFilesClaimed, prometheus.CounterValue, float64(claimed))
		ch <- prometheus.MustNewConstMetric(descDuplicates, prometheus.CounterValue, float64(dupes))
	}
	if s.sources.BatchStats != nil {
		completed, failed := s.sources.BatchStats()
		ch <- prometheus.MustNewConstMetric(descBatchesCompleted, prometheus.CounterValue, float64(completed))
		ch <- prometheus.MustNewConstMetric(descBatchesFailed, prometheus.CounterValue, float64(failed))
	}
	if s.sources.StageStats != nil {
		for stage, stats := range s.sources.StageStats() {
			ch <- prometheus.MustNewConstMetric(descStageProcessed, prometheus.CounterValue,
				float64(stats.Processed), stage)
			ch <- prometheus.MustNewConstMetric(descStageFailed, prometheus.CounterValue,
				float64(stats.Failed), stage)
		}
	}
	if s.sources.StateCounts != nil {
		if counts, err := s.sources.StateCounts(ctx); err == nil {
			for state, n := range counts {
				ch <- prometheus.MustNewConstMetric(descFilesInState, prometheus.GaugeValue,
					float64(n), string(state))
			}
		}
	}
	if s.sources.OutboxBacklog != nil {
		if n, err := s.sources.OutboxBacklog(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(descOutboxBacklog, prometheus.GaugeValue, float64(n))
		}
	}
	if s.sources.QueueDepth != nil {
		if n, err := s.sources.QueueDepth(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(descQueueDepth, prometheus.GaugeValue, float64(n))
		}
	}
	if s.sources.BackendHealth != nil {
		for backend, h := range s.sources.BackendHealth() {
			up := 1.0
			if !h.Available {
				up = 0
			}
			ch <- prometheus.MustNewConstMetric(descBackendUp, prometheus.GaugeValue, up, backend)
		}
	}
	if s.sources.Healths != nil {
		for name, h := range s.sources.Healths() {
			up := 0.0
			if h.Status == service.StatusOK {
				up = 1
			}
			ch <- prometheus.MustNewConstMetric(descServiceUp, prometheus.GaugeValue, up, name)
		}
	}
}
