package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate by method/route/status.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for p95/p99 increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Login attempts by idp and outcome.
	LoginsTotal *prometheus.CounterVec

	// Tokens issued by type (access, refresh).
	TokensIssuedTotal *prometheus.CounterVec

	// Refresh tokens revoked (blacklisted).
	TokensRevokedTotal prometheus.Counter

	// Visa update job runs by outcome.
	VisaUpdatesTotal *prometheus.CounterVec

	// Duration of one full visa update pass.
	VisaUpdateDuration prometheus.Histogram

	// Passport validations by outcome (valid, invalid, cached).
	PassportValidationsTotal *prometheus.CounterVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fence_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fence_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fence_logins_total",
			Help: "Login attempts by identity provider and outcome",
		},
		[]string{"idp", "outcome"},
	)

	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fence_tokens_issued_total",
			Help: "JWTs issued by token type",
		},
		[]string{"type"},
	)

	TokensRevokedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fence_tokens_revoked_total",
			Help: "Refresh tokens revoked",
		},
	)

	VisaUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fence_visa_updates_total",
			Help: "Per-user visa refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	VisaUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fence_visa_update_duration_seconds",
			Help:    "Duration of one full visa update pass",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	PassportValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fence_passport_validations_total",
			Help: "GA4GH passport validations by outcome",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LoginsTotal,
		TokensIssuedTotal,
		TokensRevokedTotal,
		VisaUpdatesTotal,
		VisaUpdateDuration,
		PassportValidationsTotal,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RequestMetrics is a gin middleware recording request counts and latency.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
