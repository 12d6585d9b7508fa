package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	WSWriteErrors       *prometheus.CounterVec
	OutboundMessages    *prometheus.CounterVec
	CaptureEvents       *prometheus.CounterVec
	TranslationRequests *prometheus.CounterVec
	TranslationLatency  prometheus.Histogram
	SpeakRequests       *prometheus.CounterVec

	registry *prometheus.Registry
	stages   *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newLatencyWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active translation sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by reason.",
		}, []string{"reason"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound queue results by message type.",
		}, []string{"type", "result"}),
		CaptureEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_events_total",
			Help:      "Speech capture events by kind.",
		}, []string{"kind"}),
		TranslationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_requests_total",
			Help:      "Translation calls by outcome.",
		}, []string{"outcome"}),
		TranslationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_latency_ms",
			Help:      "Translation round-trip latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2500, 4000, 6000, 10000},
		}),
		SpeakRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speak_requests_total",
			Help:      "Speak-translation requests by result.",
		}, []string{"result"}),
	}
}

// ObserveTranslation records one translation outcome. Stale responses are
// counted but not timed.
func (m *Metrics) ObserveTranslation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TranslationRequests.WithLabelValues(outcome).Inc()
	if outcome == "stale" {
		m.stages.markStale()
		return
	}
	ms := float64(d.Milliseconds())
	m.TranslationLatency.Observe(ms)
	m.stages.observe(StageTranslationRoundTrip, ms)
}

func (m *Metrics) ObserveCapture(kind string) {
	if m == nil {
		return
	}
	m.CaptureEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSession(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSpeak(result string) {
	if m == nil {
		return
	}
	m.SpeakRequests.WithLabelValues(result).Inc()
}

// ObserveStage records a pipeline stage latency for the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWSWriteError(reason string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.snapshot()
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
