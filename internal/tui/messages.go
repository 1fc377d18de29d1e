package tui

import "github.com/amanullahtanweer/voice-intake/internal/flow"

// EventMsg wraps a workflow event delivered through the event hub.
type EventMsg struct {
	Event flow.Event
}

// EventsClosedMsg is sent when the event subscription ends.
type EventsClosedMsg struct{}

// StoppedMsg carries the result of stopping a recording.
type StoppedMsg struct {
	Request flow.Request
	Err     error
}

// TranscribedMsg is sent when a transcription request resolves.
type TranscribedMsg struct {
	Request flow.Request
	Err     error
}

// PlaybackDoneMsg is sent when playback of the pending recording ends.
type PlaybackDoneMsg struct {
	Err error
}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
