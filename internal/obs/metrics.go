package obs

import (
	"net/http"
	"strconv"
	"strings"
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Метрики recovery-движка
var (
	RecoveryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recovery_requests_total",
			Help: "Recovery request transitions by outcome.",
		},
		[]string{"outcome"}, // opened|threshold_met|executed|cancelled|expired|reverted
	)

	MonitorSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitor_sweeps_total",
		Help: "Completed inactivity monitor sweeps.",
	})

	MonitorSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitor_sweep_duration_seconds",
		Help:    "Duration of a full inactivity sweep.",
		Buckets: prometheus.DefBuckets,
	})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_effects",
		Help: "Outbox effects waiting for dispatch.",
	})

	OutboxDispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_dispatch_failures_total",
		Help: "Failed outbox dispatch attempts.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		RecoveryRequestsTotal, MonitorSweepsTotal, MonitorSweepDuration,
		OutboxPending, OutboxDispatchFailures,
	)
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses per-entity path segments so metric labels stay
// low-cardinality without a router.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	for _, p := range [...]struct{ prefix, suffix, canon string }{
		{"/v1/vault/guardians/", "", "/v1/vault/guardians/:id"},
		{"/v1/vault/beneficiaries/", "", "/v1/vault/beneficiaries/:id"},
		{"/v1/recovery/", "/approve", "/v1/recovery/:id/approve"},
		{"/v1/recovery/", "/withdraw", "/v1/recovery/:id/withdraw"},
	} {
		rest, ok := strings.CutPrefix(path, p.prefix)
		if !ok || rest == "" {
			continue
		}
		if p.suffix == "" {
			if !strings.Contains(rest, "/") {
				return p.canon
			}
			continue
		}
		id, ok := strings.CutSuffix(rest, p.suffix)
		if ok && id != "" && !strings.Contains(id, "/") {
			return p.canon
		}
	}
	return path
}

// Обёртка для измерения RPS/latency/в полёте.
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

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush пробрасывается для SSE.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
