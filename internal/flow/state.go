package flow

import (
	"fmt"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/capture"
)

// SlotState is the answer state of one question
type SlotState int

const (
	SlotUnanswered SlotState = iota
	SlotRecording
	SlotTranscribing
	SlotPendingReview
	SlotConfirmed
)

var slotStateNames = map[SlotState]string{
	SlotUnanswered:    "unanswered",
	SlotRecording:     "recording",
	SlotTranscribing:  "transcribing",
	SlotPendingReview: "pending_review",
	SlotConfirmed:     "confirmed",
}

func (s SlotState) String() string {
	if name, ok := slotStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

func (s SlotState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SlotState) UnmarshalText(text []byte) error {
	for state, name := range slotStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("flow: unknown slot state %q", text)
}

// Request is one transcription request, tagged with the question index and
// recording attempt it was issued for.
type Request struct {
	Index   int
	Attempt int
	Clip    capture.Clip
	Ref     string
	Issued  time.Time
}

// TentativeResult is a transcription awaiting accept or reject
type TentativeResult struct {
	Index         int           `json:"index"`
	Attempt       int           `json:"attempt"`
	Transcription string        `json:"transcription"`
	Ref           string        `json:"ref"`
	Duration      time.Duration `json:"duration_ns"`
	Audio         capture.Clip  `json:"-"`
}

// ConfirmedAnswer is an accepted answer; it is never changed afterwards
type ConfirmedAnswer struct {
	Index         int           `json:"index"`
	Question      string        `json:"question"`
	Attempt       int           `json:"attempt"`
	Transcription string        `json:"transcription"`
	Ref           string        `json:"ref"`
	Duration      time.Duration `json:"duration_ns"`
	ConfirmedAt   time.Time     `json:"confirmed_at"`
	Audio         capture.Clip  `json:"-"`
}

// Snapshot is a consistent copy of a session's state
type Snapshot struct {
	SessionID string             `json:"session_id"`
	Started   bool               `json:"started"`
	Completed bool               `json:"completed"`
	Index     int                `json:"index"`
	Count     int                `json:"count"`
	Question  Question           `json:"question"`
	State     SlotState          `json:"state"`
	Attempt   int                `json:"attempt"`
	Slots     []SlotState        `json:"slots"`
	Pending   *TentativeResult   `json:"pending,omitempty"`
	Answers   []*ConfirmedAnswer `json:"answers"`
}
