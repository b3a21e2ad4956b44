package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/internal/bus"
	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/internal/eventstore"
	"github.com/chriscow/voice-session-go/internal/server"
	"github.com/chriscow/voice-session-go/internal/telemetry"
	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	"github.com/chriscow/voice-session-go/pkg/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve voice sessions over websockets",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.HTTP.Port = port
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runServe(ctx, cfg, logger)
	},
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting voiced",
		slog.String("version", version.Version),
		slog.String("commit", version.GitCommit),
		slog.String("environment", cfg.Environment),
		slog.String("stt", cfg.STT.Provider),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("tts", cfg.TTS.Provider))

	tel, err := telemetry.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	metrics, err := agent.NewMetrics(tel.Meter())
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	providers, err := plugin.Default().Build(cfg.STT.Selection(), cfg.LLM.Selection(), cfg.TTS.Selection())
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	sinks := []agent.EventSink{agent.LogSink{Logger: logger}}
	checks := map[string]func() bool{}

	if cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return fmt.Errorf("event store: %w", err)
		}
		defer store.Close()
		sinks = append(sinks, store)
	}

	if cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, cfg.Bus, logger)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		defer client.Close()
		sinks = append(sinks, client)
		checks["bus"] = client.Healthy
	}

	srv := server.New(server.Config{
		HTTP:           cfg.HTTP,
		Providers:      providers,
		Options:        cfg.SessionOptions(),
		Sinks:          sinks,
		Metrics:        metrics,
		Tracer:         tel.Tracer(),
		Logger:         logger,
		MetricsHandler: tel.MetricsHandler(),
		Checks:         checks,
	})
	return srv.Run(ctx, cfg.Addr())
}

func init() {
	serveCmd.Flags().Int("port", 0, "Override http.port")
}
