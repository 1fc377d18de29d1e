package flow

import "time"

// EventType names a workflow transition
type EventType string

const (
	EventQuestion            EventType = "question"
	EventRecordingStarted    EventType = "recording_started"
	EventRecordingStopped    EventType = "recording_stopped"
	EventCaptureDenied       EventType = "capture_denied"
	EventCaptureFailed       EventType = "capture_failed"
	EventTranscribed         EventType = "transcribed"
	EventTranscriptionFailed EventType = "transcription_failed"
	EventStaleResult         EventType = "stale_result"
	EventAccepted            EventType = "accepted"
	EventRejected            EventType = "rejected"
	EventCompleted           EventType = "completed"
	EventSpeechFailed        EventType = "speech_failed"

	// EventSpeak is published by front ends that hand speech output to the
	// client (a browser tab speaking with speechSynthesis).
	EventSpeak EventType = "speak"
)

// Event describes one transition of a session
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	Index     int           `json:"index"`
	Attempt   int           `json:"attempt,omitempty"`
	Text      string        `json:"text,omitempty"`
	Ref       string        `json:"ref,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	At        time.Time     `json:"at"`
}

// Observer receives events after the transition that produced them, with no
// workflow lock held. Observers may read the workflow but must not mutate it:
// a transition made from Observe waits for its own delivery turn forever.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

type multiObserver []Observer

func (m multiObserver) Observe(ev Event) {
	for _, o := range m {
		o.Observe(ev)
	}
}

// Observers fans events out to every non-nil observer in order
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}
