package audio

/*
AudioSocket playback rules:
- frames are audiosocket.DefaultSlinChunkSize = 320 bytes
- 320 bytes = 8000Hz x 20ms x 2 bytes
- one frame is written every 20ms, otherwise Asterisk plays in slow motion
*/

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
)

// frameInterval is the playing time of one slin frame
const frameInterval = 20 * time.Millisecond

// Player caches WAV prompts and streams them over AudioSocket connections
type Player struct {
	audioCache map[string][]byte
	mutex      sync.RWMutex
	audioDir   string
	logger     *slog.Logger

	// pace is the delay between frames
	pace time.Duration
}

// NewPlayer creates a player and preloads every *.wav prompt in audioDir
func NewPlayer(audioDir string, logger *slog.Logger) (*Player, error) {
	if logger == nil {
		logger = slog.Default()
	}
	player := &Player{
		audioCache: make(map[string][]byte),
		audioDir:   audioDir,
		logger:     logger,
		pace:       frameInterval,
	}

	if err := player.preloadAudioFiles(); err != nil {
		return nil, fmt.Errorf("failed to preload audio files: %w", err)
	}

	return player, nil
}

// SetPace changes the delay between frames; zero streams as fast as the
// connection accepts.
func (p *Player) SetPace(d time.Duration) {
	p.pace = d
}

// preloadAudioFiles loads all WAV prompts from the audio directory into memory
func (p *Player) preloadAudioFiles() error {
	files, err := filepath.Glob(filepath.Join(p.audioDir, "*.wav"))
	if err != nil {
		return fmt.Errorf("failed to glob audio files: %w", err)
	}

	for _, file := range files {
		filename := filepath.Base(file)
		pcm, err := p.loadWAVFile(file)
		if err != nil {
			p.logger.Warn("Failed to load audio file", "file", filename, "error", err)
			continue
		}

		p.mutex.Lock()
		p.audioCache[filename] = pcm
		p.mutex.Unlock()

		p.logger.Info("Loaded audio file", "file", filename, "bytes", len(pcm))
	}

	return nil
}

// loadWAVFile reads a WAV file and returns the raw PCM data
func (p *Player) loadWAVFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pcm, info, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != SlinSampleRate {
		return nil, fmt.Errorf("prompt must be %d Hz, got %d Hz", SlinSampleRate, info.SampleRate)
	}
	return pcm, nil
}

// GetAudio returns cached PCM for a prompt file name
func (p *Player) GetAudio(filename string) ([]byte, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	pcm, exists := p.audioCache[filename]
	return pcm, exists
}

// HasPrompt reports whether a prompt file was loaded
func (p *Player) HasPrompt(filename string) bool {
	_, ok := p.GetAudio(filename)
	return ok
}

// PlayPrompt streams a cached prompt. Closing stop ends playback early.
func (p *Player) PlayPrompt(w io.Writer, filename string, stop <-chan struct{}) error {
	pcm, exists := p.GetAudio(filename)
	if !exists {
		return fmt.Errorf("audio file not found: %s", filename)
	}
	if err := p.stream(w, pcm, stop); err != nil {
		return fmt.Errorf("failed to send audio %s: %w", filename, err)
	}
	return nil
}

// PlayClip streams an 8 kHz WAV clip, used to play a caller's recording back
func (p *Player) PlayClip(w io.Writer, wav []byte, stop <-chan struct{}) error {
	pcm, info, err := DecodeWAV(wav)
	if err != nil {
		return err
	}
	if info.SampleRate != SlinSampleRate {
		return fmt.Errorf("clip must be %d Hz, got %d Hz", SlinSampleRate, info.SampleRate)
	}
	return p.stream(w, pcm, stop)
}

// stream writes pcm as slin frames, checking stop before every frame
func (p *Player) stream(w io.Writer, pcm []byte, stop <-chan struct{}) error {
	chunkSize := audiosocket.DefaultSlinChunkSize

	for i := 0; i < len(pcm); i += chunkSize {
		select {
		case <-stop:
			return nil
		default:
		}

		end := i + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}

		if _, err := w.Write(audiosocket.SlinMessage(pcm[i:end])); err != nil {
			return err
		}

		if p.pace > 0 {
			time.Sleep(p.pace)
		}
	}

	return nil
}
