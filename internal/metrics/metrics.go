// Package metrics provides Prometheus metrics for a link session.
//
// Metrics live on a Registry constructed once per process and passed to the
// components that record them. All Record methods are safe on a nil
// *Registry so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the link metrics and the Prometheus registry they are
// registered with.
type Registry struct {
	reg *prometheus.Registry

	uploadsTotal     *prometheus.CounterVec
	uploadBytes      *prometheus.CounterVec
	uploadDuration   *prometheus.HistogramVec
	uploadRetries    prometheus.Counter
	streamReconnects *prometheus.CounterVec
	streamState      prometheus.Gauge
	buildsTotal      *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	watchFlushes     prometheus.Counter
}

// New creates a Registry with every metric registered, plus the Go runtime
// and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applink_uploads_total",
				Help: "Total number of uploads to the builder",
			},
			[]string{"kind", "result"},
		),
		uploadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applink_upload_bytes_total",
				Help: "Total uncompressed bytes uploaded to the builder",
			},
			[]string{"kind"},
		),
		uploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "applink_upload_duration_seconds",
				Help:    "Upload duration in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		uploadRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "applink_upload_retries_total",
				Help: "Total number of upload retries after transient failures",
			},
		),
		streamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applink_stream_reconnects_total",
				Help: "Total event stream reconnects",
			},
			[]string{"reason"},
		),
		streamState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "applink_stream_state",
				Help: "Event stream state (0 connecting, 1 open, 2 reconnecting, 3 closed)",
			},
		),
		buildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "applink_builds_total",
				Help: "Total builds observed by result",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "applink_queue_depth",
				Help: "Number of changes waiting for the next flush",
			},
		),
		watchFlushes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "applink_watch_flushes_total",
				Help: "Total debounced flushes triggered by the watcher",
			},
		),
	}

	r.reg.MustRegister(
		r.uploadsTotal,
		r.uploadBytes,
		r.uploadDuration,
		r.uploadRetries,
		r.streamReconnects,
		r.streamState,
		r.buildsTotal,
		r.queueDepth,
		r.watchFlushes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler returns the Prometheus metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// RecordUpload records one upload call of the given kind (full or incremental).
func (r *Registry) RecordUpload(kind string, bytes int64, duration time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.uploadsTotal.WithLabelValues(kind, result).Inc()
	r.uploadDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if err == nil {
		r.uploadBytes.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordUploadRetry records one retry of a transient upload failure.
func (r *Registry) RecordUploadRetry() {
	if r == nil {
		return
	}
	r.uploadRetries.Inc()
}

// RecordReconnect records an event stream reconnect with its cause.
func (r *Registry) RecordReconnect(reason string) {
	if r == nil {
		return
	}
	r.streamReconnects.WithLabelValues(reason).Inc()
}

// SetStreamState records the current event stream state.
func (r *Registry) SetStreamState(state int) {
	if r == nil {
		return
	}
	r.streamState.Set(float64(state))
}

// RecordBuild records a terminal build status (success, fail or timeout).
func (r *Registry) RecordBuild(result string) {
	if r == nil {
		return
	}
	r.buildsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth records the number of pending changes.
func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// RecordFlush records a watcher flush.
func (r *Registry) RecordFlush() {
	if r == nil {
		return
	}
	r.watchFlushes.Inc()
}
