// Package metrics exposes Prometheus collectors fed from the run event
// stream.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtzanidakis/mars/internal/mars"
)

const namespace = "mars"

// Recorder is a mars.EventSink that turns events into metrics. It owns a
// private registry so several recorders can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	runs       *prometheus.CounterVec
	verified   *prometheus.CounterVec
	strategies prometheus.Counter
	errors     *prometheus.CounterVec
	tokens     prometheus.Histogram
	iterations prometheus.Histogram
	duration   prometheus.Histogram
	bestScore  prometheus.Gauge
	activeRuns prometheus.Gauge

	mu      sync.Mutex
	started map[string]time.Time
}

var _ mars.EventSink = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		started:  make(map[string]time.Time),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Run events by type",
		}, []string{"type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status and selection method",
		}, []string{"status", "method"}),
		verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verification outcomes per solution",
		}, []string{"verified"}),
		strategies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategies_extracted_total",
			Help:      "Strategies added to the strategy network",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events by run state",
		}, []string{"state"}),
		tokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "tokens",
			Help:      "Tokens spent per run",
			Buckets:   prometheus.ExponentialBuckets(1000, 2, 10),
		}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Improvement iterations per run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall-clock run duration",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		bestScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "best_score",
			Help:      "Best population score of the latest aggregation round",
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently in progress",
		}),
	}
	r.registry.MustRegister(
		r.events, r.runs, r.verified, r.strategies, r.errors,
		r.tokens, r.iterations, r.duration, r.bestScore, r.activeRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Publish(ev mars.Event) {
	r.events.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case mars.EventExplorationStarted:
		r.mu.Lock()
		r.started[ev.RunID] = ev.Timestamp
		r.mu.Unlock()
		r.activeRuns.Inc()
	case mars.EventSolutionVerified:
		if v, ok := ev.Data["verified"].(bool); ok && v {
			r.verified.WithLabelValues("true").Inc()
		} else {
			r.verified.WithLabelValues("false").Inc()
		}
	case mars.EventStrategyExtracted:
		r.strategies.Inc()
	case mars.EventSolutionsAggregated:
		if v, ok := ev.Data["best_score"].(float64); ok {
			r.bestScore.Set(v)
		}
	case mars.EventError:
		r.errors.WithLabelValues(string(ev.State)).Inc()
	case mars.EventCompleted:
		status, _ := ev.Data["status"].(string)
		method, _ := ev.Data["method"].(string)
		r.runs.WithLabelValues(status, method).Inc()
		if v, ok := ev.Data["total_tokens"].(int); ok {
			r.tokens.Observe(float64(v))
		}
		if v, ok := ev.Data["iterations"].(int); ok {
			r.iterations.Observe(float64(v))
		}
		r.mu.Lock()
		if start, ok := r.started[ev.RunID]; ok {
			delete(r.started, ev.RunID)
			r.duration.Observe(ev.Timestamp.Sub(start).Seconds())
			r.activeRuns.Dec()
		}
		r.mu.Unlock()
	}
}

// Abandon clears bookkeeping for a run that ended without a completed event.
func (r *Recorder) Abandon(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.started[runID]; ok {
		delete(r.started, runID)
		r.activeRuns.Dec()
	}
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
