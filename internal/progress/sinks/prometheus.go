package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/stagecrawl/internal/progress"
)

// PrometheusSink turns progress events into run and fetch metrics.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsActive   prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	urlOutcomes   *prometheus.CounterVec

	mu     sync.Mutex
	active map[string]struct{}
}

// NewPrometheusSink registers the sink's collectors with reg, or the default registerer when nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagecrawl_progress_runs_started_total",
			Help: "Runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawl_progress_runs_finished_total",
			Help: "Runs finished, partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stagecrawl_progress_runs_active",
			Help: "Runs currently executing.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagecrawl_progress_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawl_progress_fetches_total",
			Help: "Page fetches, partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawl_progress_fetch_bytes_total",
			Help: "Page bytes fetched per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagecrawl_progress_fetch_duration_seconds",
			Help:    "Page fetch duration, partitioned by site and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status_class"}),
		urlOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagecrawl_progress_url_events_total",
			Help: "Per-URL events such as skips, failures and diagnostics, partitioned by stage.",
		}, []string{"stage"}),
		active: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsActive, s.runDuration,
		s.fetches, s.fetchBytes, s.fetchDuration, s.urlOutcomes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.track(evt.RunID, true) {
				s.runsActive.Inc()
			}
		case progress.StageRunDone:
			s.finish(evt, "success")
		case progress.StageRunError:
			s.finish(evt, "error")
		case progress.StageFetchDone:
			s.fetch(evt)
		default:
			s.urlOutcomes.WithLabelValues(string(evt.Stage)).Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.track(evt.RunID, false) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) fetch(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	s.fetches.WithLabelValues(site, class).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
	}
}

// track records a run as active (start=true) or finished, reporting whether the set changed.
func (s *PrometheusSink) track(runID string, start bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.active[runID]
	switch {
	case start && !running:
		s.active[runID] = struct{}{}
		return true
	case !start && running:
		delete(s.active, runID)
		return true
	default:
		return false
	}
}
