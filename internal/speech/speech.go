// Package speech provides the speech-output capability used to read
// questions aloud. Speak is fire-and-forget: implementations start playback
// and return without waiting for it to finish.
package speech

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
)

// ErrUnsupported is returned by speakers that cannot produce audio
var ErrUnsupported = errors.New("speech: speech output unsupported")

// Speaker reads text aloud. Speak must not block on playback: the workflow
// delivers its next transition only after Speak returns.
type Speaker interface {
	Speak(text string) error
}

// Unsupported is a Speaker for environments without speech output
type Unsupported struct{}

func (Unsupported) Speak(string) error { return ErrUnsupported }

// Func adapts a function to the Speaker interface
type Func func(text string) error

func (f Func) Speak(text string) error { return f(text) }

// DefaultCommand is the TTS program used when none is configured
var DefaultCommand = []string{"espeak"}

// Command speaks by running an external TTS program with the text as its
// last argument (espeak, say, spd-say). A new utterance interrupts the
// previous one, like speechSynthesis in a browser tab.
type Command struct {
	Name string
	Args []string

	mu      sync.Mutex
	current *exec.Cmd
}

// NewCommand builds a Command speaker from argv; an empty argv uses DefaultCommand
func NewCommand(argv []string) *Command {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	return &Command{Name: argv[0], Args: argv[1:]}
}

func (c *Command) Speak(text string) error {
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return fmt.Errorf("%w: %s not available", ErrUnsupported, c.Name)
	}

	args := append(append([]string(nil), c.Args...), text)
	cmd := exec.Command(path, args...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Process != nil {
		_ = c.current.Process.Kill()
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Name, err)
	}
	c.current = cmd

	go func() {
		_ = cmd.Wait()
		c.mu.Lock()
		if c.current == cmd {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	return nil
}
