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
	ActiveConversations prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	Turns               *prometheus.CounterVec
	ContextSwitches     *prometheus.CounterVec
	Feedback            *prometheus.CounterVec
	AnswerErrors        *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	AnswerLatency       prometheus.Histogram

	latency  *LatencyWindow
	gatherer prometheus.Gatherer
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, gatherer prometheus.Gatherer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConversations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of open conversation views.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Doubt session and conversation view events by type.",
		}, []string{"event"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Doubt turns by outcome.",
		}, []string{"outcome"}),
		ContextSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_switches_total",
			Help:      "Context-switch decisions by resolution.",
		}, []string{"resolution"}),
		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Mentor message feedback by type.",
		}, []string{"type"}),
		AnswerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answer_errors_total",
			Help:      "Answer service failures by code.",
		}, []string{"code"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		AnswerLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_latency_ms",
			Help:      "Answer service round trip in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000},
		}),
		latency:  NewLatencyWindow(256),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveContextSwitch(resolution string) {
	if m == nil {
		return
	}
	m.ContextSwitches.WithLabelValues(resolution).Inc()
}

func (m *Metrics) ObserveFeedback(kind string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveAnswerError(code string) {
	if m == nil {
		return
	}
	m.AnswerErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SetActiveConversations(n int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(n))
}

// ObserveStage records a latency sample for a turn stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	if stage == StageAnswer {
		m.AnswerLatency.Observe(ms)
	}
	m.latency.Observe(stage, ms)
}

// ObserveDrop counts a result discarded because the view had moved on.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.latency.ObserveDrop(reason)
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC()}
	}
	return m.latency.Report()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
