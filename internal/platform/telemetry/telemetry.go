// Package telemetry exposes Prometheus metrics for the workspace and its
// HTTP surface.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uroflow/uroflow/internal/domain/uroflow"
)

const namespace = "uroflow"

// Recorder implements uroflow.Metrics on a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	reportsComposed   *prometheus.CounterVec
	narrativeDuration *prometheus.HistogramVec
	analysisRuns      *prometheus.CounterVec
	fetchFailures     *prometheus.CounterVec
	staleResponses    prometheus.Counter

	activeRequests  prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

var _ uroflow.Metrics = (*Recorder)(nil)

// NewRecorder registers the uroflow collectors on registry. A nil registry
// gets a fresh one with the Go and process collectors attached.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	r := &Recorder{
		registry: registry,
		reportsComposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_composed_total",
			Help:      "Reports composed, by the strategy that produced them.",
		}, []string{"source"}),
		narrativeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "narrative_duration_seconds",
			Help:      "Time spent waiting on the narrative model.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"status"}),
		analysisRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_runs_total",
			Help:      "Analysis runs triggered from the workspace, by outcome.",
		}, []string{"outcome"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Failed loads after an entry selection, by kind.",
		}, []string{"kind"}),
		staleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_responses_total",
			Help:      "Fetch results discarded because the selection changed.",
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_active_requests",
			Help:      "Requests currently being served.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	for _, c := range []prometheus.Collector{
		r.reportsComposed, r.narrativeDuration, r.analysisRuns, r.fetchFailures,
		r.staleResponses, r.activeRequests, r.requestDuration,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) ReportComposed(source string) {
	r.reportsComposed.WithLabelValues(source).Inc()
}

func (r *Recorder) NarrativeObserved(d time.Duration, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	r.narrativeDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (r *Recorder) AnalysisRun(outcome string) {
	r.analysisRuns.WithLabelValues(outcome).Inc()
}

func (r *Recorder) FetchFailed(kind string) {
	r.fetchFailures.WithLabelValues(kind).Inc()
}

func (r *Recorder) StaleResponse() {
	r.staleResponses.Inc()
}

// Middleware records request latency keyed by the matched route pattern.
func (r *Recorder) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r.activeRequests.Inc()
			defer r.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			r.requestDuration.WithLabelValues(c.Request().Method, route, status).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
}
