package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sms_notifier"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	smsSentTotal        *prometheus.CounterVec
	smsFailedTotal      *prometheus.CounterVec
	smsSendDuration     *prometheus.HistogramVec
	circuitOpen         *prometheus.GaugeVec
	recordsTotal        *prometheus.CounterVec
	dispatchRunsTotal   *prometheus.CounterVec
	fanoutCreatedTotal  prometheus.Counter
	staleRecoveredTotal prometheus.Counter
	cleanupDeletedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		smsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sms_sent_total",
				Help:      "Total number of SMS accepted by the provider.",
			},
			[]string{"provider"},
		),
		smsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sms_failed_total",
				Help:      "Total number of SMS sends that failed, by reason.",
			},
			[]string{"provider", "reason"},
		),
		smsSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sms_send_duration_seconds",
				Help:      "Gateway call duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"provider"},
		),
		circuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sender_circuit_open",
				Help:      "1 while the sender circuit breaker is open.",
			},
			[]string{"provider"},
		),
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_records_processed_total",
				Help:      "Queue records processed by dispatch outcome (sent, retry, failed, skipped).",
			},
			[]string{"outcome"},
		),
		dispatchRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_runs_total",
				Help:      "Dispatch batches grouped by final run status.",
			},
			[]string{"status"},
		),
		fanoutCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fanout_records_created_total",
				Help:      "Queue records created by book published fanout.",
			},
		),
		staleRecoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_records_recovered_total",
				Help:      "Records released from an expired processing lease.",
			},
		),
		cleanupDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_deleted_total",
				Help:      "Sent records removed by retention cleanup.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.smsSentTotal,
		m.smsFailedTotal,
		m.smsSendDuration,
		m.circuitOpen,
		m.recordsTotal,
		m.dispatchRunsTotal,
		m.fanoutCreatedTotal,
		m.staleRecoveredTotal,
		m.cleanupDeletedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncSMSSent(provider string) {
	if m == nil {
		return
	}
	m.smsSentTotal.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) IncSMSFailed(provider string, reason string) {
	if m == nil {
		return
	}
	m.smsFailedTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveSMSSendDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.smsSendDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) SetCircuitOpen(provider string, open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1
	}
	m.circuitOpen.WithLabelValues(normalizeLabel(provider)).Set(value)
}

func (m *Metrics) IncRecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncDispatchRun(status string) {
	if m == nil {
		return
	}
	m.dispatchRunsTotal.WithLabelValues(normalizeLabel(status)).Inc()
}

func (m *Metrics) AddFanoutCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.fanoutCreatedTotal.Add(float64(n))
}

func (m *Metrics) AddStaleRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleRecoveredTotal.Add(float64(n))
}

func (m *Metrics) AddCleanupDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeletedTotal.Add(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
