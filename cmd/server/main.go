package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/amanullahtanweer/voice-intake/internal/audio"
	"github.com/amanullahtanweer/voice-intake/internal/config"
	"github.com/amanullahtanweer/voice-intake/internal/events"
	"github.com/amanullahtanweer/voice-intake/internal/metrics"
	"github.com/amanullahtanweer/voice-intake/internal/server"
	"github.com/amanullahtanweer/voice-intake/internal/transcriber"
)

const (
	defaultConfigPath = "config/config.yaml"
	serviceName       = "voice-intake"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("config_path", *configPath),
	)
	logger.Info("Configuration loaded",
		slog.Bool("audiosocket_enabled", cfg.AudioSocket.Enabled),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("transcription_provider", cfg.Transcription.Provider),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("redis_enabled", cfg.Redis.Enabled),
		slog.Int("questions", len(cfg.Session.QuestionList())),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	hub := events.NewHub(events.DefaultBuffer, logger)

	deps := server.Deps{
		Questions:         cfg.Session.QuestionList(),
		Transcriber:       newTranscriber(cfg.Transcription),
		TranscribeTimeout: cfg.Transcription.GetTimeoutDuration(),
		ManualAdvance:     cfg.Session.ManualAdvance,
		LogDir:            cfg.Session.LogDir,
		SaveLogs:          cfg.Session.SaveLogs,
		Metrics:           appMetrics,
		Hub:               hub,
		Logger:            logger,
	}

	if cfg.Redis.Enabled {
		client := events.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis not reachable, events will be retried per message",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()),
			)
		}
		pingCancel()

		publisher := events.NewRedisPublisher(client, cfg.Redis.Prefix, logger)
		go publisher.Run(ctx)
		deps.Publisher = publisher
		logger.Info("Redis event publisher initialized", slog.String("addr", cfg.Redis.Addr))
	}

	registry := server.NewRegistry(deps)

	var callServer *server.Server
	if cfg.AudioSocket.Enabled {
		var player *audio.Player
		if _, err := os.Stat(cfg.AudioSocket.AudioDir); err == nil {
			player, err = audio.NewPlayer(cfg.AudioSocket.AudioDir, logger)
			if err != nil {
				logger.Error("Failed to load prompts", slog.String("error", err.Error()))
				os.Exit(1)
			}
		} else {
			logger.Warn("Prompt directory missing, calls run without audio prompts",
				slog.String("audio_dir", cfg.AudioSocket.AudioDir),
			)
		}

		callServer, err = server.New(server.Config{
			Host:              cfg.AudioSocket.Host,
			Port:              cfg.AudioSocket.Port,
			MaxRecordingBytes: cfg.AudioSocket.MaxRecordingBytes(),
		}, registry, player, deps.Questions, logger)
		if err != nil {
			logger.Error("Failed to create AudioSocket server", slog.String("error", err.Error()))
			os.Exit(1)
		}

		go func() {
			if err := callServer.Start(); err != nil {
				logger.Error("AudioSocket server error", slog.String("error", err.Error()))
				cancel()
			}
		}()
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(server.HTTPServerConfig{
			Port:           cfg.HTTP.Port,
			Address:        cfg.HTTP.Address,
			MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		}, logger, registry, hub, appMetrics, reg)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if callServer != nil {
		callServer.Stop()
	}

	registry.CloseAll("shutdown")
	logger.Info("Service stopped")
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
