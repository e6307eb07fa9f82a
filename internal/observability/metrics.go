package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls      prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	ProtocolEvents   *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ConnectLatency   prometheus.Histogram
	PersistFailures  prometheus.Counter
	negotiationStage *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of realtime voice calls holding media resources.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Voice session lifecycle events by type.",
		}, []string{"event"}),
		ProtocolEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_events_total",
			Help:      "Realtime data channel events by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Realtime provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Latency from start to an open data channel in milliseconds.",
			Buckets:   []float64{250, 500, 750, 1000, 1500, 2000, 3000, 5000, 8000},
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_persist_failures_total",
			Help:      "Completed transcripts that could not be stored.",
		}),
		negotiationStage: newStageWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProtocolEvent(direction, eventType string) {
	if m == nil {
		return
	}
	m.ProtocolEvents.WithLabelValues(direction, eventType).Inc()
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

func (m *Metrics) ObservePersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// ObserveStage records one negotiation stage duration. The start_to_connected
// stage also feeds the connect latency histogram.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.negotiationStage.Observe(stage, ms)
	if stage == StageStartToConnected {
		m.ConnectLatency.Observe(ms)
	}
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.negotiationStage.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
