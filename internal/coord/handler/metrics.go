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
	awebRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	awebRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aweb_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	awebMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_messages_sent_total",
		Help: "Messages delivered, by kind (mail or chat).",
	}, []string{"kind"})

	awebAgentsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aweb_agents_total",
		Help: "Registered agents by lifecycle status.",
	}, []string{"status"})

	awebHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aweb_health_checks_total",
		Help: "Health check probes by result.",
	}, []string{"result"})
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

		awebRequestsTotal.WithLabelValues(method, path, status).Inc()
		awebRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordMessageSent counts a delivered message. kind is "mail" or "chat".
func RecordMessageSent(kind string) {
	awebMessagesTotal.WithLabelValues(kind).Inc()
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	if success {
		awebHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		awebHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// SetAgentsGauge sets the agent count gauge for a given status.
func SetAgentsGauge(status string, count float64) {
	awebAgentsTotal.WithLabelValues(status).Set(count)
}
