package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/echotag/echotag/internal/api"
	"github.com/echotag/echotag/internal/config"
	"github.com/echotag/echotag/internal/recognize"
	"github.com/echotag/echotag/internal/store"
	"github.com/echotag/echotag/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting echotag",
		"stream_count", len(cfg.Streams),
		"window_seconds", cfg.WindowSeconds,
		"hop_seconds", cfg.HopSeconds,
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open persistence layer", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	manager := worker.NewManager(cfg, st, func() []recognize.Recognizer {
		return buildRecognizers(cfg)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("failed to start stream workers", "error", err)
		os.Exit(1)
	}

	httpServer := api.NewServer(cfg.HTTPAddr, manager, st)
	if err := httpServer.Start(ctx); err != nil {
		slog.Error("http server error", "error", err)
	}

	manager.StopAll()
	slog.Info("echotag stopped")
}

// buildRecognizers constructs the enabled recognizer providers from
// configuration. Called once per StartAll/RestartAll cycle.
func buildRecognizers(cfg *config.Config) []recognize.Recognizer {
	var recognizers []recognize.Recognizer

	if cfg.AcoustIDEnabled {
		recognizers = append(recognizers, recognize.NewFingerprintProvider(
			cfg.AcoustIDAPIKey,
			cfg.ChromaprintPath,
			cfg.AcoustIDLookupURL,
		))
	}

	if cfg.SignalMatchEnabled {
		recognizers = append(recognizers, recognize.NewSignalMatchProvider(
			cfg.SignalMatchURL,
			44100,
			1,
		))
	}

	if len(recognizers) == 0 {
		slog.Warn("no recognizer providers enabled")
	}

	return recognizers
}
