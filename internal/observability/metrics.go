package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency stages tracked in the rolling window served on /v1/perf/latency.
const (
	StageConnect      = "connect"
	StageFirstAudio   = "first_audio"
	StageTutorRequest = "tutor_request"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveLiveClients prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	StatusChanges     *prometheus.CounterVec
	SessionEvents     *prometheus.CounterVec
	Frames            *prometheus.CounterVec
	Chunks            *prometheus.CounterVec
	TranscriptItems   *prometheus.CounterVec
	ServerEvents      *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	TutorRequests     *prometheus.CounterVec
	ConnectLatency    prometheus.Histogram
	FirstAudioLatency prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveLiveClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_live_clients",
			Help:      "Number of connected realtime voice clients.",
		}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active relay sessions.",
		}),
		StatusChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_status_changes_total",
			Help:      "Live client status transitions by resulting state.",
		}, []string{"status"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_frames_total",
			Help:      "Outbound microphone frames by result.",
		}, []string{"result"}),
		Chunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_chunks_total",
			Help:      "Inbound speech chunks by result.",
		}, []string{"result"}),
		TranscriptItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_items_total",
			Help:      "Transcript items emitted by speaker.",
		}, []string{"speaker"}),
		ServerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_server_events_total",
			Help:      "Live session server events by type.",
		}, []string{"type"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TutorRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tutor_requests_total",
			Help:      "Tutoring model requests by operation and result.",
		}, []string{"operation", "result"}),
		ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_connect_latency_ms",
			Help:      "Time from Connect to an open live session in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from session open to the first model audio chunk in milliseconds.",
			Buckets:   []float64{200, 500, 900, 1200, 2000, 3000, 5000},
		}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StatusChanges.WithLabelValues("connected").Inc()
		m.ActiveLiveClients.Inc()
		return
	}
	m.StatusChanges.WithLabelValues("disconnected").Inc()
	m.ActiveLiveClients.Dec()
}

func (m *Metrics) ObserveFrame(result string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveChunk(result string) {
	if m == nil {
		return
	}
	m.Chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTranscript(isModel bool) {
	if m == nil {
		return
	}
	speaker := "user"
	if isModel {
		speaker = "model"
	}
	m.TranscriptItems.WithLabelValues(speaker).Inc()
}

func (m *Metrics) ObserveServerEvent(eventType string) {
	if m == nil {
		return
	}
	m.ServerEvents.WithLabelValues(eventType).Inc()
	if eventType == "interrupted" || eventType == "go_away" {
		m.window.ObserveIndicator(eventType)
	}
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ConnectLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageConnect, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageFirstAudio, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTutorRequest(operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.TutorRequests.WithLabelValues(operation, result).Inc()
	if d > 0 {
		m.window.Observe(StageTutorRequest, float64(d.Microseconds())/1000)
	}
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// SnapshotLatency returns rolling latency percentiles per stage.
func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
