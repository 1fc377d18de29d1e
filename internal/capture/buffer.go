package capture

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
)

// Format selects how Buffer interprets written bytes
type Format int

const (
	// FormatPCM takes raw 16-bit mono PCM and wraps it into WAV on Stop
	FormatPCM Format = iota
	// FormatWAV takes a complete WAV container and validates it on Stop
	FormatWAV
)

// Buffer is a Recorder fed by its owner: AudioSocket frames for calls or an
// uploaded file for browser sessions. Writes outside a recording fail with
// ErrNotRecording.
type Buffer struct {
	mu         sync.Mutex
	format     Format
	sampleRate int
	maxBytes   int
	recording  bool
	started    time.Time
	data       bytes.Buffer
}

// NewPCMBuffer creates a Buffer for raw PCM at sampleRate
func NewPCMBuffer(sampleRate int) *Buffer {
	return &Buffer{format: FormatPCM, sampleRate: sampleRate}
}

// NewWAVBuffer creates a Buffer for WAV uploads
func NewWAVBuffer() *Buffer {
	return &Buffer{format: FormatWAV}
}

// SetLimit caps the number of buffered bytes; zero means unlimited
func (b *Buffer) SetLimit(maxBytes int) {
	b.mu.Lock()
	b.maxBytes = maxBytes
	b.mu.Unlock()
}

func (b *Buffer) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.recording {
		return ErrAlreadyRecording
	}
	b.recording = true
	b.started = time.Now()
	b.data.Reset()
	return nil
}

// Write appends audio to the current recording
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return 0, ErrNotRecording
	}
	if b.maxBytes > 0 && b.data.Len()+len(p) > b.maxBytes {
		return 0, fmt.Errorf("capture: recording exceeds %d bytes", b.maxBytes)
	}
	return b.data.Write(p)
}

// Recording reports whether Start was called without a matching Stop
func (b *Buffer) Recording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recording
}

func (b *Buffer) Stop() (Clip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.recording {
		return Clip{}, ErrNotRecording
	}
	b.recording = false

	raw := append([]byte(nil), b.data.Bytes()...)
	b.data.Reset()
	if len(raw) == 0 {
		return Clip{}, ErrEmpty
	}

	clip := Clip{ContentType: ContentTypeWAV, StartedAt: b.started}
	switch b.format {
	case FormatPCM:
		wav, err := audio.EncodePCM(raw, b.sampleRate)
		if err != nil {
			return Clip{}, fmt.Errorf("encode recording: %w", err)
		}
		clip.Audio = wav
		clip.Duration = audio.PCMDuration(len(raw), b.sampleRate)
	case FormatWAV:
		info, err := audio.ValidateWAV(raw)
		if err != nil {
			return Clip{}, fmt.Errorf("invalid recording: %w", err)
		}
		clip.Audio = raw
		clip.Duration = info.Duration
	default:
		return Clip{}, fmt.Errorf("capture: unknown format %d", b.format)
	}

	return clip, nil
}
