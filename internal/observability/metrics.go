package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveChatSessions prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WebhookChecks      *prometheus.CounterVec
	WebhookSends       *prometheus.CounterVec
	SubfetchFailures   *prometheus.CounterVec
	AnalyticsCache     *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WebhookLatency     *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	BreakerRequests    *prometheus.CounterVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveChatSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_chat_sessions",
			Help:      "Number of live chat session controllers.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Chat session lifecycle events by type.",
		}, []string{"event"}),
		WebhookChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_checks_total",
			Help:      "Webhook health probes by result.",
		}, []string{"result"}),
		WebhookSends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_sends_total",
			Help:      "Outbound chat messages by result.",
		}, []string{"result"}),
		SubfetchFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_subfetch_failures_total",
			Help:      "Failed reconciliation or metric sub-queries by source kind.",
		}, []string{"source"}),
		AnalyticsCache: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_cache_total",
			Help:      "Analytics range cache lookups by result.",
		}, []string{"result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WebhookLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_latency_ms",
			Help:      "Latency of webhook calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"stage"}),
		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),
		BreakerRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_requests_total",
			Help:      "Requests through a circuit breaker by result.",
		}, []string{"name", "result"}),
		latency: newLatencyWindow(256),
	}
}

// ObserveStage records a latency sample for the rolling window and, for
// webhook stages, the histogram.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.latency.Observe(stage, ms)
	if stage == StageHealthCheck || stage == StageMessageSend {
		m.WebhookLatency.WithLabelValues(stage).Observe(ms)
	}
}

func (m *Metrics) ObserveWebhookCheck(valid bool, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookChecks.WithLabelValues(resultLabel(valid)).Inc()
	m.ObserveStage(StageHealthCheck, d)
}

func (m *Metrics) ObserveWebhookSend(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.WebhookSends.WithLabelValues(resultLabel(ok)).Inc()
	m.ObserveStage(StageMessageSend, d)
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	m.latency.Count(event)
}

func (m *Metrics) SetActiveChatSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveChatSessions.Set(float64(n))
}

func (m *Metrics) SubfetchFailed(source string) {
	if m == nil {
		return
	}
	m.SubfetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) AnalyticsCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AnalyticsCache.WithLabelValues(result).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) BreakerRequest(name, result string) {
	if m == nil {
		return
	}
	m.BreakerRequests.WithLabelValues(name, result).Inc()
}

// SnapshotLatency returns the rolling latency window.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.latency.Snapshot()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
