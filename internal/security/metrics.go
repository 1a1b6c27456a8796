package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records chat store operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	turnsTotal             *prometheus.CounterVec
	turnDuration           prometheus.Histogram
	deltasTotal            prometheus.Counter
	attachmentTransitions  *prometheus.CounterVec
	attachmentSweepRecords *prometheus.CounterVec
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Until it is called every Record/Observe helper is a no-op, which keeps unit tests
// free of registry setup. Only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_cache_hits_total",
		Help: "Total history cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_cache_misses_total",
		Help: "Total history cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	turnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_turns_total",
			Help: "Chat turns handled, by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_service_turn_duration_seconds",
		Help:    "Time from request to done marker for a chat turn",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	deltasTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_stream_deltas_total",
		Help: "Text deltas forwarded to clients",
	})

	attachmentTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_attachment_transitions_total",
			Help: "Attachment lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	attachmentSweepRecords = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_attachment_sweep_records_total",
			Help: "Attachment records touched by the cleanup sweep",
		},
		[]string{"phase"},
	)
}

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	if StoreLatency != nil {
		StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// RecordCacheLookup counts a history cache hit or miss.
func RecordCacheLookup(hit bool) {
	if CacheHitsTotal == nil {
		return
	}
	if hit {
		CacheHitsTotal.Inc()
	} else {
		CacheMissesTotal.Inc()
	}
}

// RecordTurn counts a finished turn. outcome is completed, failed or cancelled.
func RecordTurn(outcome string, elapsed time.Duration) {
	if turnsTotal == nil {
		return
	}
	turnsTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		turnDuration.Observe(elapsed.Seconds())
	}
}

// RecordDelta counts one forwarded text delta.
func RecordDelta() {
	if deltasTotal != nil {
		deltasTotal.Inc()
	}
}

// RecordAttachmentTransition counts n attachments moving between two states.
func RecordAttachmentTransition(from, to string, n int) {
	if attachmentTransitions != nil && n > 0 {
		attachmentTransitions.WithLabelValues(from, to).Add(float64(n))
	}
}

// RecordSweep counts records handled by a cleanup sweep phase.
func RecordSweep(phase string, n int64) {
	if attachmentSweepRecords != nil && n > 0 {
		attachmentSweepRecords.WithLabelValues(phase).Add(float64(n))
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
