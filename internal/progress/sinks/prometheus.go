package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ecfr-mirror/internal/progress"
)

// PrometheusSink exports ingest progress via Prometheus: runs started,
// completed and running, plus per-title outcomes, bytes and latency.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	titleOutcomes *prometheus.CounterVec
	titleBytes    prometheus.Counter
	titleDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecfr_runs_started_total",
			Help: "Total ingest runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecfr_runs_completed_total",
			Help: "Total ingest runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ecfr_runs_running",
			Help: "Current number of running ingest runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecfr_run_duration_seconds",
			Help:    "Wall time per completed ingest run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		titleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ecfr_title_fetches_total",
			Help: "Title fetches partitioned by result.",
		}, []string{"result"}),
		titleBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ecfr_title_bytes_total",
			Help: "Bytes downloaded for structure and versions documents.",
		}),
		titleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecfr_title_fetch_duration_seconds",
			Help:    "Per-title fetch duration partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.titleOutcomes,
		s.titleBytes,
		s.titleDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			result := "success"
			if evt.Failed > 0 {
				result = "partial"
			}
			s.finishRun(evt, result)
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageTitleDone:
			s.observeTitle(evt, "success")
		case progress.StageTitleError:
			s.observeTitle(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeTitle(evt progress.Event, result string) {
	s.titleOutcomes.WithLabelValues(result).Inc()
	if evt.Bytes > 0 {
		s.titleBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.titleDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
