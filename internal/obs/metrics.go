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
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authorityCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authority_calls_total",
			Help: "Calls made to the external authority by operation and result.",
		},
		[]string{"op", "result"},
	)

	authorityDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authority_call_duration_seconds",
			Help:    "External authority call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	accessItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_items_total",
			Help: "Per-item grant/revoke outcomes reconciled into the ledger.",
		},
		[]string{"action", "outcome"},
	)

	integrityAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integrity_anomalies_total",
			Help: "Referential anomalies found by the integrity validator.",
		},
		[]string{"pass"},
	)

	backupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups_total",
			Help: "Backup operations by kind and result.",
		},
		[]string{"op", "result"},
	)

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authorityCalls, authorityDuration,
			accessItems, integrityAnomalies, backupsTotal,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthorityCall records one external authority round trip.
func ObserveAuthorityCall(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	authorityCalls.WithLabelValues(op, result).Inc()
	authorityDuration.WithLabelValues(op).Observe(d.Seconds())
}

// CountAccessItem records one reconciled grant/revoke item.
func CountAccessItem(action, outcome string) {
	accessItems.WithLabelValues(action, outcome).Inc()
}

// CountIntegrityAnomalies records anomalies found by one validator pass.
func CountIntegrityAnomalies(pass string, n int) {
	if n <= 0 {
		return
	}
	integrityAnomalies.WithLabelValues(pass).Add(float64(n))
}

// CountBackup records a snapshot, restore or prune.
func CountBackup(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	backupsTotal.WithLabelValues(op, result).Inc()
}

// Instrument wraps next with RPS, latency and in-flight metrics.
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

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) >= 3 && segs[0] == "v1" {
		switch segs[1] {
		case "accounts", "resources":
			if len(segs) <= 4 {
				segs[2] = ":id"
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
