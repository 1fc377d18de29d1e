package transcriber

import (
	"context"
	"fmt"
)

// Transcriber turns one finished recording into text
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Error is the transcription failure kind: network errors, non-success
// responses and malformed bodies all surface as *Error.
type Error struct {
	Backend    string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transcription failed (%s, http %d): %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transcription failed (%s): %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Func adapts a function to the Transcriber interface
type Func func(ctx context.Context, wav []byte) (string, error)

func (f Func) Transcribe(ctx context.Context, wav []byte) (string, error) { return f(ctx, wav) }
