// Package capture abstracts audio capture behind a start/stop recorder so the
// answer workflow can run against a phone call, a browser upload, a local
// microphone, or a test fake.
package capture

import (
	"errors"
	"time"
)

var (
	// ErrDenied is returned when no capture device is available or access
	// to it was refused. It is never reported as a silent idle state.
	ErrDenied = errors.New("capture: audio capture denied")

	ErrAlreadyRecording = errors.New("capture: already recording")
	ErrNotRecording     = errors.New("capture: not recording")
	ErrEmpty            = errors.New("capture: recording is empty")
)

// ContentTypeWAV is the content type of every Clip produced by this package
const ContentTypeWAV = "audio/wav"

// Clip is the result of a finished recording
type Clip struct {
	Audio       []byte // WAV container
	ContentType string
	Duration    time.Duration
	StartedAt   time.Time
}

// Recorder is the capability the workflow drives: idle -> recording on Start,
// recording -> stopped-with-result on Stop.
type Recorder interface {
	Start() error
	Stop() (Clip, error)
}

// Denied is a Recorder for environments without a usable microphone
type Denied struct {
	Reason string
}

func (d Denied) Start() error {
	if d.Reason == "" {
		return ErrDenied
	}
	return &deniedError{reason: d.Reason}
}

func (d Denied) Stop() (Clip, error) {
	return Clip{}, ErrNotRecording
}

type deniedError struct {
	reason string
}

func (e *deniedError) Error() string { return ErrDenied.Error() + ": " + e.reason }
func (e *deniedError) Unwrap() error { return ErrDenied }
