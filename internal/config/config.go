// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amanullahtanweer/voice-intake/internal/flow"
)

// Config represents the complete service configuration
type Config struct {
	AudioSocket   AudioSocketConfig   `yaml:"audiosocket"`
	HTTP          HTTPConfig          `yaml:"http"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Capture       CaptureConfig       `yaml:"capture"`
	Speech        SpeechConfig        `yaml:"speech"`
	Redis         RedisConfig         `yaml:"redis"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AudioSocketConfig contains the Asterisk AudioSocket listener configuration
type AudioSocketConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	AudioDir            string `yaml:"audio_dir"`             // pre-rendered prompts
	MaxRecordingSeconds int    `yaml:"max_recording_seconds"` // per answer
}

// HTTPConfig contains the HTTP API configuration
type HTTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// TranscriptionConfig selects and configures the transcription backend
type TranscriptionConfig struct {
	Provider string `yaml:"provider"` // "http" or "vosk"
	Endpoint string `yaml:"endpoint"` // base URL of the transcription service
	Path     string `yaml:"path"`
	Token    string `yaml:"token"`
	Timeout  int    `yaml:"timeout"` // seconds
	VoskURL  string `yaml:"vosk_url"`
}

// CaptureConfig configures local microphone capture for the terminal front end
type CaptureConfig struct {
	Command    []string `yaml:"command"`
	SampleRate int      `yaml:"sample_rate"`
}

// SpeechConfig configures local speech output
type SpeechConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Command     []string `yaml:"command"`
	PlayCommand []string `yaml:"play_command"` // plays back a WAV file
}

// RedisConfig configures event publishing over Redis pub/sub
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SessionConfig contains questionnaire settings shared by every front end
type SessionConfig struct {
	LogDir        string          `yaml:"log_dir"`
	SaveLogs      bool            `yaml:"save_logs"`
	ManualAdvance bool            `yaml:"manual_advance"`
	Questions     []flow.Question `yaml:"questions"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys missing from the file
func Default() *Config {
	return &Config{
		AudioSocket: AudioSocketConfig{
			Enabled:             true,
			Host:                "0.0.0.0",
			Port:                8080,
			AudioDir:            "audio",
			MaxRecordingSeconds: 60,
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Address:        "0.0.0.0",
			Port:           8000,
			MaxUploadBytes: 10 << 20,
		},
		Transcription: TranscriptionConfig{
			Provider: "http",
			Endpoint: "http://localhost:5000",
			Path:     "/api/transcribe",
			Timeout:  30,
			VoskURL:  "ws://localhost:2700",
		},
		Capture: CaptureConfig{
			SampleRate: 16000,
		},
		Speech: SpeechConfig{
			Enabled:     true,
			PlayCommand: []string{"aplay", "-q"},
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "intake:session:",
		},
		Session: SessionConfig{
			LogDir:   "logs",
			SaveLogs: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default()
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.AudioSocket.Validate(); err != nil {
		return fmt.Errorf("audiosocket config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture config: sample_rate must be positive, got %d", c.Capture.SampleRate)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis config: addr cannot be empty when redis is enabled")
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates the AudioSocket listener
func (a *AudioSocketConfig) Validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Port < 1 || a.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", a.Port)
	}
	if a.MaxRecordingSeconds < 1 {
		return fmt.Errorf("max_recording_seconds must be at least 1, got %d", a.MaxRecordingSeconds)
	}
	return nil
}

// Validate validates the HTTP API
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}
	if h.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024, got %d", h.MaxUploadBytes)
	}
	return nil
}

// Validate validates the transcription backend
func (t *TranscriptionConfig) Validate() error {
	switch t.Provider {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http provider")
		}
	case "vosk":
		if t.VoskURL == "" {
			return fmt.Errorf("vosk_url cannot be empty for the vosk provider")
		}
	default:
		return fmt.Errorf("provider must be 'http' or 'vosk', got '%s'", t.Provider)
	}
	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}
	return nil
}

// Validate checks configured questions; an empty list means the defaults
func (s *SessionConfig) Validate() error {
	for i, q := range s.Questions {
		if q.Text == "" {
			return fmt.Errorf("question %d has no text", i+1)
		}
	}
	if s.SaveLogs && s.LogDir == "" {
		return fmt.Errorf("log_dir cannot be empty when save_logs is set")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// QuestionList returns the configured questions or the default six
func (s *SessionConfig) QuestionList() []flow.Question {
	if len(s.Questions) == 0 {
		return flow.DefaultQuestions()
	}
	return s.Questions
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// MaxRecordingBytes returns the slin byte limit of one answer
func (a *AudioSocketConfig) MaxRecordingBytes() int {
	return a.MaxRecordingSeconds * 8000 * 2
}
