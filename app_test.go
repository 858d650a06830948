package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"livelens/internal/bootstrap"
	"livelens/internal/config"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "session_id", "s1")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil || record["session_id"] != "s1" {
		t.Fatalf("expected json record, got %q", buf.String())
	}

	buf.Reset()
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "msg=shown") {
		t.Fatalf("unexpected text output: %q", buf.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LIVELENS_DB_PATH", filepath.Join(home, "livelens.db"))
	t.Setenv("LIVELENS_VOCABULARY_FILE", "")
	t.Setenv("LIVELENS_IMAGE_PROVIDER", "")
	t.Setenv("DEEPGRAM_API_KEY", "secret-key")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	var logs bytes.Buffer
	logger := newLogger(&logs, cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer services.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- serve(ctx, listener, services, logger) }()

	resp, err := http.Get("http://" + listener.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not shut down")
	}
	if strings.Contains(logs.String(), "secret-key") {
		t.Fatalf("api key leaked into logs")
	}
}
