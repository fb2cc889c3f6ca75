// Package metrics provides Prometheus instrumentation for the monitoring service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "explicandum",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ScansTotal counts completed risk scans by outcome.
	ScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "risk_scans_total",
			Help:      "Total risk detection scans by outcome.",
		},
		[]string{"status"},
	)

	// ScanDuration observes end-to-end scan duration.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "explicandum",
		Name:      "risk_scan_duration_seconds",
		Help:      "Duration of a full detect-and-process scan in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// RiskEventsDetectedTotal counts candidate events emitted per rule.
	RiskEventsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "risk_events_detected_total",
			Help:      "Total candidate risk events emitted by rule.",
		},
		[]string{"rule"},
	)

	// RuleFailuresTotal counts detection rules that errored or panicked.
	RuleFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "risk_rule_failures_total",
			Help:      "Total detection rule failures by rule.",
		},
		[]string{"rule"},
	)

	// RiskEventsStoredTotal counts newly persisted (non-duplicate) events.
	RiskEventsStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "explicandum",
		Name:      "risk_events_stored_total",
		Help:      "Total new risk events persisted after dedup.",
	})

	// NotificationsTotal counts notifier calls by kind and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "notifications_total",
			Help:      "Total notifier dispatches by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// CleanupDeletedTotal counts resolved events purged by retention cleanup.
	CleanupDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "explicandum",
		Name:      "risk_cleanup_deleted_total",
		Help:      "Total resolved risk events deleted by retention cleanup.",
	})

	// SchedulerRunsTotal counts scheduled run attempts by task and outcome.
	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "scheduler_runs_total",
			Help:      "Total scheduled run attempts by task and outcome.",
		},
		[]string{"task", "status"},
	)

	// SchedulerRetriesTotal counts retry attempts by task.
	SchedulerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "explicandum",
			Name:      "scheduler_retries_total",
			Help:      "Total scheduled run retries by task.",
		},
		[]string{"task"},
	)

	// UnresolvedRiskEvents tracks the unresolved event count from the last scan.
	UnresolvedRiskEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "explicandum",
		Name:      "unresolved_risk_events",
		Help:      "Unresolved risk events as of the most recent statistics read.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "explicandum", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "explicandum", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "explicandum", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ScansTotal,
		ScanDuration,
		RiskEventsDetectedTotal,
		RuleFailuresTotal,
		RiskEventsStoredTotal,
		NotificationsTotal,
		CleanupDeletedTotal,
		SchedulerRunsTotal,
		SchedulerRetriesTotal,
		UnresolvedRiskEvents,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
