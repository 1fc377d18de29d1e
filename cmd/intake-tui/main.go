package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/amanullahtanweer/voice-intake/internal/capture"
	"github.com/amanullahtanweer/voice-intake/internal/config"
	"github.com/amanullahtanweer/voice-intake/internal/events"
	"github.com/amanullahtanweer/voice-intake/internal/server"
	"github.com/amanullahtanweer/voice-intake/internal/speech"
	"github.com/amanullahtanweer/voice-intake/internal/transcriber"
	"github.com/amanullahtanweer/voice-intake/internal/tui"
)

const frontendTerminal = "terminal"

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	logPath := flag.String("log", "", "Write logs to this file (the terminal is taken by the UI)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *logPath != "" {
		cfg.Logging.Output = *logPath
	}
	var logger *slog.Logger
	switch cfg.Logging.Output {
	case "", "stdout", "stderr":
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	default:
		logger = config.NewLogger(cfg.Logging)
	}

	hub := events.NewHub(64, logger)
	registry := server.NewRegistry(server.Deps{
		Questions:         cfg.Session.QuestionList(),
		Transcriber:       newTranscriber(cfg.Transcription),
		TranscribeTimeout: cfg.Transcription.GetTimeoutDuration(),
		ManualAdvance:     cfg.Session.ManualAdvance,
		LogDir:            cfg.Session.LogDir,
		SaveLogs:          cfg.Session.SaveLogs,
		Hub:               hub,
		Logger:            logger,
	})

	var speaker speech.Speaker = speech.Unsupported{}
	if cfg.Speech.Enabled {
		speaker = speech.NewCommand(cfg.Speech.Command)
	}

	sess, err := registry.Create(server.SessionOptions{
		ID:       uuid.NewString(),
		Frontend: frontendTerminal,
		Recorder: capture.NewCommand(cfg.Capture.Command, cfg.Capture.SampleRate),
		Speaker:  speaker,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create session: %v\n", err)
		os.Exit(1)
	}

	sub := hub.Subscribe(sess.ID)
	defer sub.Close()

	model := tui.New(tui.Config{
		Workflow:   sess.Workflow,
		Transcribe: sess.Transcribe,
		Events:     sub.C,
		Player:     tui.NewCommandPlayer(cfg.Speech.PlayCommand),
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, runErr := p.Run()

	reason := "quit"
	if sess.Workflow.Completed() {
		reason = "completed"
	}
	answers := sess.Workflow.Answers()
	if err := registry.Remove(sess.ID, reason); err != nil {
		logger.Warn("Failed to remove session", "error", err)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		os.Exit(1)
	}

	for _, a := range answers {
		fmt.Printf("%d. %s\n   %s\n", a.Index+1, a.Question, a.Transcription)
	}
}

func newTranscriber(cfg config.TranscriptionConfig) transcriber.Transcriber {
	if cfg.Provider == "vosk" {
		return transcriber.NewVoskClient(cfg.VoskURL)
	}
	return transcriber.NewHTTPClient(transcriber.HTTPConfig{
		BaseURL: cfg.Endpoint,
		Path:    cfg.Path,
		Token:   cfg.Token,
		Timeout: cfg.GetTimeoutDuration(),
	})
}
