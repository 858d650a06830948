package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultKeepAliveInterval = 8 * time.Second

	dropReasonStreamClosed = "stream-closed"
)

// TranscriptListener receives events from one transcription stream.
type TranscriptListener interface {
	OnTranscript(segment domain.TranscriptSegment)
	OnUtteranceEnd(timestamp time.Time)
	OnError(err error)
	OnClose()
}

// IngestionConfig controls the transcription stream for one session.
type IngestionConfig struct {
	Streaming         ports.StreamingConfig
	Limits            BufferLimits
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

// TranscriptIngestion owns the streaming provider connection for one session
// and buffers audio that arrives before the connection is ready.
type TranscriptIngestion struct {
	provider ports.TranscriptionProvider
	listener TranscriptListener
	cfg      IngestionConfig
	logger   *slog.Logger

	mu           sync.Mutex
	stream       ports.StreamingSession
	ready        bool
	stopped      bool
	pending      [][]byte
	pendingBytes int
	closedLogged bool
	cancelDial   context.CancelFunc
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewTranscriptIngestion(
	provider ports.TranscriptionProvider,
	listener TranscriptListener,
	cfg IngestionConfig,
	logger *slog.Logger,
) *TranscriptIngestion {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaultKeepAliveInterval
	}
	if cfg.Limits == (BufferLimits{}) {
		cfg.Limits = DefaultBufferLimits()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscriptIngestion{
		provider: provider,
		listener: listener,
		cfg:      cfg,
		logger:   logger,
	}
}

type dialResult struct {
	stream ports.StreamingSession
	err    error
}

// Start opens the upstream stream, starts keep-alive, and flushes buffered audio.
// Stop aborts a handshake in progress.
func (t *TranscriptIngestion) Start(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancelDial()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return domain.ErrSessionClosed
	}
	t.cancelDial = cancelDial
	t.mu.Unlock()

	results := make(chan dialResult, 1)
	go func() {
		stream, err := t.provider.StartStreaming(dialCtx, t.cfg.Streaming)
		results <- dialResult{stream: stream, err: err}
	}()

	var stream ports.StreamingSession
	select {
	case res := <-results:
		if res.err != nil {
			if t.isStopped() {
				return domain.ErrSessionClosed
			}
			if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
				return domain.ErrConnectionTimeout
			}
			return fmt.Errorf("start transcription stream: %w", res.err)
		}
		stream = res.stream
	case <-dialCtx.Done():
		go func() {
			if res := <-results; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		if t.isStopped() {
			return domain.ErrSessionClosed
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return domain.ErrConnectionTimeout
		}
		return dialCtx.Err()
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = stream.Close()
		return domain.ErrSessionClosed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.stream = stream
	t.cancel = cancel

	// Flush under the same lock that marks the stream ready so that no new
	// chunk can overtake the buffered ones.
	flushed := len(t.pending)
	for _, chunk := range t.pending {
		if err := stream.SendAudio(chunk); err != nil {
			t.logger.Warn("Failed to flush buffered audio", "error", err, "bytes", len(chunk))
		}
	}
	t.pending = nil
	t.pendingBytes = 0
	t.ready = true
	t.mu.Unlock()

	if flushed > 0 {
		t.logger.Debug("Flushed buffered audio", "chunks", flushed)
	}

	t.wg.Add(2)
	go t.keepAlive(runCtx, stream)
	go t.consume(stream)
	return nil
}

// SendAudio forwards a chunk when the stream is ready and buffers it otherwise.
// It never blocks; rejected chunks are dropped and logged.
func (t *TranscriptIngestion) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	copied := append([]byte(nil), chunk...)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if t.ready {
		if !t.stream.Connected() {
			// The upstream is gone and nothing will flush a buffer now.
			if !t.closedLogged {
				t.closedLogged = true
				t.logger.Warn("Dropping audio after transcription stream closed", "reason", dropReasonStreamClosed)
			}
			return
		}
		if err := t.stream.SendAudio(copied); err != nil {
			t.logger.Warn("Dropped audio chunk", "reason", "send-failed", "error", err, "bytes", len(copied))
		}
		return
	}

	decision := CanBufferPendingAudio(t.cfg.Limits, len(copied), len(t.pending), t.pendingBytes)
	if !decision.Admit {
		t.logger.Warn("Dropped audio chunk",
			"error", decision.Err(),
			"bytes", len(copied),
			"pendingChunks", len(t.pending),
			"pendingBytes", t.pendingBytes)
		return
	}
	t.pending = append(t.pending, copied)
	t.pendingBytes += len(copied)
}

// PendingChunks reports how many chunks are waiting for the stream.
func (t *TranscriptIngestion) PendingChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Ready reports whether audio is being forwarded directly.
func (t *TranscriptIngestion) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && t.stream != nil && t.stream.Connected()
}

// Stop cancels keep-alive and closes the upstream stream. It waits for the
// event consumer, so callers must not hold locks the listener needs.
func (t *TranscriptIngestion) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.ready = false
	t.pending = nil
	t.pendingBytes = 0
	stream := t.stream
	cancel := t.cancel
	cancelDial := t.cancelDial
	t.mu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			t.logger.Debug("Transcription stream closed with error", "error", err)
		}
	}
	t.wg.Wait()
}

func (t *TranscriptIngestion) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *TranscriptIngestion) keepAlive(ctx context.Context, stream ports.StreamingSession) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.KeepAlive(); err != nil {
				t.logger.Debug("Keep-alive failed", "error", err)
			}
		}
	}
}

func (t *TranscriptIngestion) consume(stream ports.StreamingSession) {
	defer t.wg.Done()

	for event := range stream.Events() {
		switch event.Kind {
		case domain.StreamEventTranscript:
			t.listener.OnTranscript(event.Segment)
		case domain.StreamEventUtteranceEnd:
			t.listener.OnUtteranceEnd(event.Timestamp)
		case domain.StreamEventError:
			if event.Err != nil {
				t.listener.OnError(event.Err)
			}
		}
	}
	t.listener.OnClose()
}
