package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "path", "status"},
	)

	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completions_total",
			Help: "Completion requests by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	usageUnitsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usage_units_committed_total",
		Help: "Usage units committed to the ledger.",
	})

	usageCommitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usage_commit_failures_total",
		Help: "Ledger commits that failed after a generation.",
	})

	streamDeltas = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_deltas_total",
		Help: "Text deltas relayed to streaming clients.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			completionsTotal, usageUnitsCommitted, usageCommitFailures, streamDeltas,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCompletion counts one completion attempt. Mode is blocking, stream or session.
func ObserveCompletion(mode, outcome string) {
	completionsTotal.WithLabelValues(mode, outcome).Inc()
}

func ObserveUsageCommit(units int64, err error) {
	if err != nil {
		usageCommitFailures.Inc()
		return
	}
	usageUnitsCommitted.Add(float64(units))
}

func ObserveStreamDelta() {
	streamDeltas.Inc()
}

// Instrument records RPS, latency and in-flight requests per canonical path.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		switch {
		case parts[i] == "sessions" && i > 0 && parts[i-1] == "chat":
			if tail := parts[i+2:]; len(tail) == 0 || (len(tail) == 1 && (tail[0] == "messages" || tail[0] == "title")) {
				parts[i+1] = ":id"
			}
			i++
		case parts[i] == "api-keys" && i > 0 && parts[i-1] == "users" && i+2 == len(parts):
			parts[i+1] = ":id"
			i++
		}
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
