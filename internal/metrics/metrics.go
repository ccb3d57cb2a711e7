// Package metrics provides Prometheus instrumentation for the settlement engine.
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
			Namespace: "bookingd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bookingd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DealsTotal counts deals reaching a terminal or intermediate status.
	DealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "deals_total",
			Help:      "Total deal status transitions by resulting status.",
		},
		[]string{"status"},
	)

	// BookingsTotal counts provider booking attempts by result.
	BookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "bookings_total",
			Help:      "Total provider booking calls by result.",
		},
		[]string{"result"},
	)

	// RefundsTotal counts escrow refund attempts by result.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "refunds_total",
			Help:      "Total escrow refund attempts by result.",
		},
		[]string{"result"},
	)

	// RewardsTotal counts reward dispatches by result.
	RewardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "rewards_total",
			Help:      "Total reward transfers by result.",
		},
		[]string{"result"},
	)

	// GroupsTotal counts group deals by final status.
	GroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "groups_total",
			Help:      "Total group deals by final status.",
		},
		[]string{"status"},
	)

	// QueueDepth tracks pending items per work queue.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bookingd",
			Name:      "queue_depth",
			Help:      "Number of queued items per work queue.",
		},
		[]string{"queue"},
	)

	// QueueRetriesTotal counts item re-enqueues after handler errors.
	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "queue_retries_total",
			Help:      "Total item re-enqueues after processing errors, per queue.",
		},
		[]string{"queue"},
	)

	// QueueDroppedTotal counts items dropped after exhausting retries.
	QueueDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "queue_dropped_total",
			Help:      "Total items dropped after exhausting queue retries, per queue.",
		},
		[]string{"queue"},
	)

	// ObserverPollDuration observes one contract-observer sweep.
	ObserverPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookingd",
			Name:      "observer_poll_duration_seconds",
			Help:      "Duration of a full contract observer poll sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ProviderCallDuration observes provider booking call latency.
	ProviderCallDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookingd",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of provider booking calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// ChainReadDuration observes escrow contract state reads.
	ChainReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bookingd",
			Name:      "chain_read_duration_seconds",
			Help:      "Latency of escrow contract state reads.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// AlertsTotal counts fatal alerts raised for manual intervention.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bookingd",
			Name:      "alerts_total",
			Help:      "Total fatal alerts raised, by kind.",
		},
		[]string{"kind"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookingd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookingd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bookingd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DealsTotal,
		BookingsTotal,
		RefundsTotal,
		RewardsTotal,
		GroupsTotal,
		QueueDepth,
		QueueRetriesTotal,
		QueueDroppedTotal,
		ObserverPollDuration,
		ProviderCallDuration,
		ChainReadDuration,
		AlertsTotal,
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
