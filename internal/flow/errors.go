package flow

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every error caused by calling an
// operation in the wrong slot state.
var ErrInvalidTransition = errors.New("invalid transition")

var (
	ErrNotStarted       = fmt.Errorf("flow: session not started: %w", ErrInvalidTransition)
	ErrAlreadyStarted   = fmt.Errorf("flow: session already started: %w", ErrInvalidTransition)
	ErrCompleted        = fmt.Errorf("flow: all questions answered: %w", ErrInvalidTransition)
	ErrAlreadyRecording = fmt.Errorf("flow: already recording: %w", ErrInvalidTransition)
	ErrNotRecording     = fmt.Errorf("flow: not recording: %w", ErrInvalidTransition)
	ErrPendingReview    = fmt.Errorf("flow: answer awaiting confirmation: %w", ErrInvalidTransition)
	ErrNoPending        = fmt.Errorf("flow: no answer awaiting confirmation: %w", ErrInvalidTransition)
	ErrAlreadyAnswered  = fmt.Errorf("flow: question already answered: %w", ErrInvalidTransition)
	ErrNotAnswered      = fmt.Errorf("flow: question not answered yet: %w", ErrInvalidTransition)
)

// ErrStaleResult is returned by Transcribe when the response belongs to a
// recording that is no longer current. The session is unchanged.
var ErrStaleResult = errors.New("flow: stale transcription result dropped")
