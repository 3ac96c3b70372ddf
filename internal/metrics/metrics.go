// Package metrics registers the Prometheus collectors exposed on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ResponseTimeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_time_seconds",
			Help:    "Histogram of response times",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ProfitEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profit_entries_total",
			Help: "Profit entries processed, by operation",
		},
		[]string{"operation"},
	)

	IncentiveBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentive_batches_total",
			Help: "Incentive batches appended or retracted on ancestor ledgers",
		},
		[]string{"operation", "stage"},
	)

	ChainWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referral_chain_warnings_total",
			Help: "Non-fatal anomalies met while walking referral chains",
		},
		[]string{"reason"},
	)

	VersionConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "user_version_conflicts_total",
			Help: "Optimistic-lock conflicts on user documents",
		},
	)
)

// Stage formats a stage number as a label value
func Stage(stage int) string {
	return strconv.Itoa(stage)
}

// Middleware records request counts and latencies by route template
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		ResponseTimeHistogram.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
