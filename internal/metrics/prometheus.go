package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

// Metrics contains all Prometheus metrics for the intake service
type Metrics struct {
	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   *prometheus.CounterVec
	SessionsCompleted prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Recording metrics
	Recordings      prometheus.Counter
	RecordingLength prometheus.Histogram
	CaptureErrors   *prometheus.CounterVec

	// Transcription metrics
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionStale     prometheus.Counter
	TranscriptionDuration  prometheus.Histogram

	// Confirmation metrics
	Accepted prometheus.Counter
	Rejected prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "intake_active_sessions",
			Help: "Number of sessions currently held in memory",
		}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_sessions_created_total",
			Help: "Total number of sessions created",
		}, []string{"frontend"}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_sessions_completed_total",
			Help: "Total number of sessions with every question answered",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_session_duration_seconds",
			Help:    "Duration of sessions from creation to removal",
			Buckets: prometheus.ExponentialBuckets(10, 2, 8), // 10s to ~20 minutes
		}),

		Recordings: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_recordings_total",
			Help: "Total number of finished recordings",
		}),
		RecordingLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_recording_duration_seconds",
			Help:    "Length of recorded answers",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		CaptureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_capture_errors_total",
			Help: "Total number of failed recordings",
		}, []string{"kind"}),

		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionStale: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_transcription_stale_total",
			Help: "Total number of transcription results dropped as stale",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_answers_accepted_total",
			Help: "Total number of confirmed answers",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "intake_answers_rejected_total",
			Help: "Total number of rejected transcriptions",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Observe implements flow.Observer
func (m *Metrics) Observe(ev flow.Event) {
	switch ev.Type {
	case flow.EventRecordingStopped:
		m.Recordings.Inc()
		m.RecordingLength.Observe(ev.Latency.Seconds())
	case flow.EventCaptureDenied:
		m.CaptureErrors.WithLabelValues("denied").Inc()
	case flow.EventCaptureFailed:
		m.CaptureErrors.WithLabelValues("failed").Inc()
	case flow.EventTranscribed:
		m.TranscriptionSuccesses.Inc()
		m.TranscriptionDuration.Observe(ev.Latency.Seconds())
	case flow.EventTranscriptionFailed:
		m.TranscriptionFailures.Inc()
		m.TranscriptionDuration.Observe(ev.Latency.Seconds())
	case flow.EventStaleResult:
		m.TranscriptionStale.Inc()
	case flow.EventAccepted:
		m.Accepted.Inc()
	case flow.EventRejected:
		m.Rejected.Inc()
	case flow.EventCompleted:
		m.SessionsCompleted.Inc()
	}
}

// RecordSessionCreated counts a new session and updates the active gauge
func (m *Metrics) RecordSessionCreated(frontend string) {
	m.SessionsCreated.WithLabelValues(frontend).Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionRemoved records the lifetime of a removed session
func (m *Metrics) RecordSessionRemoved(durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
