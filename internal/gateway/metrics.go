package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsehq/pulse/internal/cron"
)

// metrics collects gateway and scheduler counters on a private registry so
// tests never collide on the global one.
type metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	jobRuns      *prometheus.CounterVec
	runDuration  prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "HTTP requests served, by method, path, and status code.",
		}, []string{"method", "path", "code"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_cron_runs_total",
			Help: "Completed cron job runs, by status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_cron_run_duration_seconds",
			Help:    "Duration of cron job runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	m.registry.MustRegister(m.httpRequests, m.jobRuns, m.runDuration)
	return m
}

// observeRun records a completed job run.
func (m *metrics) observeRun(rec cron.RunRecord) {
	m.jobRuns.WithLabelValues(rec.Status).Inc()
	m.runDuration.Observe(float64(rec.DurationMs) / 1000)
}

// middleware counts every request with its final status code.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.code)).Inc()
	})
}

// handler serves the Prometheus exposition format.
func (m *metrics) handler() http.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return h.ServeHTTP
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which the
// WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
