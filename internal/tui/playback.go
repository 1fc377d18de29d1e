package tui

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNoPlayer is returned when no playback program is available
var ErrNoPlayer = errors.New("tui: audio playback unavailable")

// ClipPlayer plays a WAV recording back to the user
type ClipPlayer interface {
	Play(wav []byte) error
}

// DefaultPlayCommand is the playback program used when none is configured
var DefaultPlayCommand = []string{"aplay", "-q"}

// CommandPlayer writes the clip to a temporary file and runs a player
// program with the file path as its last argument.
type CommandPlayer struct {
	Name string
	Args []string
}

func NewCommandPlayer(argv []string) *CommandPlayer {
	if len(argv) == 0 {
		argv = DefaultPlayCommand
	}
	return &CommandPlayer{Name: argv[0], Args: argv[1:]}
}

func (p *CommandPlayer) Play(wav []byte) error {
	path, err := exec.LookPath(p.Name)
	if err != nil {
		return fmt.Errorf("%w: %s not available", ErrNoPlayer, p.Name)
	}

	f, err := os.CreateTemp("", "intake-*.wav")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(wav); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	args := append(append([]string(nil), p.Args...), f.Name())
	if out, err := exec.Command(path, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", p.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}
