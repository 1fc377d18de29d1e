package capture

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
)

// stopGrace is how long a capture process gets to flush after SIGINT
const stopGrace = 2 * time.Second

// DefaultCommand records 16 kHz mono signed 16-bit PCM to stdout with ALSA
var DefaultCommand = []string{"arecord", "-q", "-f", "S16_LE", "-c", "1", "-r", "16000", "-t", "raw"}

// Command is a Recorder backed by an external capture program that writes
// raw 16-bit mono PCM to stdout until it is interrupted, e.g.
//
//	arecord -q -f S16_LE -c 1 -r 16000 -t raw
//	ffmpeg -loglevel quiet -f alsa -i default -ac 1 -ar 16000 -f s16le -
//
// A missing binary or a process that dies before producing audio is
// reported as ErrDenied.
type Command struct {
	Name       string
	Args       []string
	SampleRate int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	done    chan error
	started time.Time
}

// NewCommand builds a Command recorder from argv; an empty argv uses DefaultCommand
func NewCommand(argv []string, sampleRate int) *Command {
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Command{Name: argv[0], Args: argv[1:], SampleRate: sampleRate}
}

func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return ErrAlreadyRecording
	}

	path, err := exec.LookPath(c.Name)
	if err != nil {
		return &deniedError{reason: fmt.Sprintf("%s not available: %v", c.Name, err)}
	}

	cmd := exec.Command(path, c.Args...)
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return &deniedError{reason: fmt.Sprintf("start %s: %v", c.Name, err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	c.cmd = cmd
	c.stdout = stdout
	c.stderr = stderr
	c.done = done
	c.started = time.Now()
	return nil
}

func (c *Command) Stop() (Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return Clip{}, ErrNotRecording
	}
	cmd, done := c.cmd, c.done
	c.cmd = nil

	var waitErr error
	select {
	case waitErr = <-done:
		// exited on its own; usually a device or permission problem
	default:
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case waitErr = <-done:
		case <-time.After(stopGrace):
			_ = cmd.Process.Kill()
			waitErr = <-done
		}
	}

	pcm := c.stdout.Bytes()
	if len(pcm) == 0 {
		if waitErr != nil && !isInterrupt(waitErr) {
			return Clip{}, &deniedError{reason: fmt.Sprintf("%s: %s", c.Name, strings.TrimSpace(c.stderr.String()))}
		}
		return Clip{}, ErrEmpty
	}

	wav, err := audio.EncodePCM(pcm, c.SampleRate)
	if err != nil {
		return Clip{}, fmt.Errorf("encode recording: %w", err)
	}

	return Clip{
		Audio:       wav,
		ContentType: ContentTypeWAV,
		Duration:    audio.PCMDuration(len(pcm), c.SampleRate),
		StartedAt:   c.started,
	}, nil
}

// isInterrupt reports whether the process ended because we interrupted it
func isInterrupt(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// arecord and ffmpeg exit non-zero on SIGINT
	return !exitErr.Exited() || exitErr.ExitCode() == 1 || exitErr.ExitCode() == 255
}
