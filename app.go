package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"livelens/internal/bootstrap"
	"livelens/internal/config"
)

// run serves until ctx is cancelled, then drains connections and exits.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	defer services.Close()

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	return serve(ctx, listener, services, logger)
}

func serve(ctx context.Context, listener net.Listener, services bootstrap.Services, logger *slog.Logger) error {
	server := &http.Server{
		Handler:           services.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()

	logger.Info("Server listening", append([]any{"addr", listener.Addr().String()}, redactedAttrs(services.Config)...)...)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	timeout := services.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	services.Server.CloseConnections()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactedAttrs(cfg config.Config) []any {
	redacted := cfg.Redacted()
	attrs := make([]any, 0, len(redacted)*2)
	for _, key := range []string{"deepgramKey", "deepgramModel", "geminiKey", "analysisModel", "imageProvider", "imageModel", "imageModelHigh", "database", "vocabulary"} {
		attrs = append(attrs, key, redacted[key])
	}
	return attrs
}
