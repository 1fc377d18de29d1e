package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

// SessionMetrics summarizes one session; it observes the session's events
type SessionMetrics struct {
	Frontend         string
	SessionID        string
	StartTime        time.Time
	EndTime          time.Time
	Recordings       int
	AudioDuration    time.Duration
	Transcriptions   int
	Failures         int
	StaleResults     int
	Rejections       int
	Confirmed        int
	TranscriptLength int
	TotalLatency     time.Duration
	FirstResultTime  *time.Time
	mu               sync.Mutex
}

func NewSessionMetrics(frontend, sessionID string) *SessionMetrics {
	return &SessionMetrics{
		Frontend:  frontend,
		SessionID: sessionID,
		StartTime: time.Now(),
	}
}

// Observe implements flow.Observer
func (m *SessionMetrics) Observe(ev flow.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case flow.EventRecordingStopped:
		m.Recordings++
		m.AudioDuration += ev.Latency
	case flow.EventTranscribed:
		if m.FirstResultTime == nil {
			now := time.Now()
			m.FirstResultTime = &now
		}
		m.Transcriptions++
		m.TotalLatency += ev.Latency
	case flow.EventTranscriptionFailed:
		m.Failures++
		m.TotalLatency += ev.Latency
	case flow.EventStaleResult:
		m.StaleResults++
	case flow.EventRejected:
		m.Rejections++
	case flow.EventAccepted:
		m.Confirmed++
		m.TranscriptLength += len(ev.Text)
	}
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EndTime = time.Now()
}

func (m *SessionMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}
	var avgLatency time.Duration
	if requests := m.Transcriptions + m.Failures; requests > 0 {
		avgLatency = m.TotalLatency / time.Duration(requests)
	}

	return fmt.Sprintf(
		"Frontend: %s\n"+
			"Session: %s\n"+
			"Duration: %v\n"+
			"Recordings: %d (%.2f seconds of audio)\n"+
			"Transcriptions: %d ok, %d failed, %d stale\n"+
			"Average Transcription Latency: %v\n"+
			"First Result After: %v\n"+
			"Rejected: %d\n"+
			"Confirmed Answers: %d\n"+
			"Transcript Length: %d chars\n",
		m.Frontend,
		m.SessionID,
		duration.Round(time.Millisecond),
		m.Recordings,
		m.AudioDuration.Seconds(),
		m.Transcriptions,
		m.Failures,
		m.StaleResults,
		avgLatency.Round(time.Millisecond),
		latency.Round(time.Millisecond),
		m.Rejections,
		m.Confirmed,
		m.TranscriptLength,
	)
}
