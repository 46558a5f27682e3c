package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	vpVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veripact_verifications_total",
		Help: "Total verification requests by outcome.",
	}, []string{"outcome"})

	vpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veripact_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veripact_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	vpAuditDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veripact_audit_events_dropped_total",
		Help: "Background audit events dropped because the queue was full.",
	})

	vpBatchesSealedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veripact_batches_sealed_total",
		Help: "Audit batches sealed into the hash chain.",
	})

	vpBatchesAnchoredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veripact_batches_anchored_total",
		Help: "Audit batches acknowledged by the anchoring sink.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		vpRequestsTotal.WithLabelValues(method, path, status).Inc()
		vpRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordVerification records a verification request outcome label.
func RecordVerification(outcome string) {
	vpVerificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordAuditDrop records a dropped background audit event.
func RecordAuditDrop() {
	vpAuditDroppedTotal.Inc()
}

// RecordBatchSealed records a batch sealed into the chain.
func RecordBatchSealed() {
	vpBatchesSealedTotal.Inc()
}

// RecordBatchAnchored records a batch acknowledged by the anchoring sink.
func RecordBatchAnchored() {
	vpBatchesAnchoredTotal.Inc()
}
