// Command livelens-replay streams a recording to a running livelens server
// at real-time pace and prints the events it sends back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"livelens/internal/audio"
	"livelens/internal/domain"
	"livelens/internal/transport"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	serverURL := flag.String("server", "ws://localhost:8080/ws", "livelens websocket URL")
	wavFile := flag.String("wav", "", "PCM WAV file to replay")
	input := flag.String("input", "", "Any ffmpeg input (file or capture device) to transcode and stream")
	inputFormat := flag.String("input-format", "", "ffmpeg input format, e.g. pulse for a live microphone")
	ffmpegCmd := flag.String("ffmpeg", "ffmpeg", "ffmpeg executable")
	meetingID := flag.String("meeting", "", "Meeting ID for persisted history")
	quality := flag.String("quality", "", "Image quality tier (standard or high)")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "Audio per websocket frame")
	tail := flag.Duration("tail", 5*time.Second, "How long to keep listening after the audio ends")
	force := flag.Bool("force", false, "Request an analysis once the audio ends")
	flag.Parse()

	if (*wavFile == "") == (*input == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -wav or -input is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, *wavFile, *input, *inputFormat, *ffmpegCmd)
	if err != nil {
		slog.Error("Failed to open audio", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	if err := replay(ctx, replayOptions{
		serverURL: *serverURL,
		meetingID: *meetingID,
		quality:   *quality,
		chunk:     *chunk,
		tail:      *tail,
		force:     *force,
	}, src); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Replay failed", "error", err)
		os.Exit(1)
	}
}

func openSource(ctx context.Context, wavFile, input, inputFormat, ffmpegCmd string) (audio.Source, error) {
	if wavFile != "" {
		src, err := audio.OpenWAV(wavFile)
		if err != nil {
			return nil, err
		}
		slog.Info("Replaying WAV file",
			"path", wavFile,
			"sampleRate", src.SampleRate(),
			"channels", src.Channels(),
			"duration", src.Duration())
		return src, nil
	}
	return audio.NewFFmpeg(ffmpegCmd).Start(ctx, audio.FFmpegInput{Format: inputFormat, Device: input})
}

type replayOptions struct {
	serverURL string
	meetingID string
	quality   string
	chunk     time.Duration
	tail      time.Duration
	force     bool
}

func replay(ctx context.Context, opts replayOptions, src audio.Source) error {
	if _, err := url.Parse(opts.serverURL); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.serverURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client := &replayClient{conn: conn, recording: make(chan struct{}), idle: make(chan struct{})}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		client.readEvents()
	}()

	if opts.quality != "" {
		if err := client.send(transport.MessageImageQuality, map[string]string{"quality": opts.quality}); err != nil {
			return err
		}
	}
	if err := client.send(transport.MessageSessionStart, map[string]string{"meetingId": opts.meetingID}); err != nil {
		return err
	}

	select {
	case <-client.recording:
	case <-readDone:
		return errors.New("server closed the connection before recording started")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return errors.New("timed out waiting for the session to start")
	}

	sent, pumpErr := audio.Pump(ctx, src, opts.chunk, func(chunk []byte) error {
		return client.write(websocket.BinaryMessage, chunk)
	})
	slog.Info("Audio finished", "bytes", sent)

	if pumpErr == nil && opts.force {
		if err := client.send(transport.MessageForceAnalyze, nil); err != nil {
			return err
		}
	}
	if pumpErr == nil {
		select {
		case <-ctx.Done():
		case <-time.After(opts.tail):
		}
	}

	if err := client.send(transport.MessageSessionStop, nil); err != nil {
		return err
	}
	select {
	case <-client.idle:
	case <-readDone:
	case <-time.After(10 * time.Second):
	}
	_ = client.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return pumpErr
}

type replayClient struct {
	conn *websocket.Conn

	writeMu       sync.Mutex
	recording     chan struct{}
	idle          chan struct{}
	recordingOnce sync.Once
	idleOnce      sync.Once
}

func (c *replayClient) send(messageType string, payload any) error {
	msg := map[string]any{"type": messageType}
	if payload != nil {
		msg["payload"] = payload
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, raw)
}

func (c *replayClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

func (c *replayClient) readEvents() {
	for {
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		printEvent(env.Type, env.Payload)

		if env.Type != transport.EventSessionStatus {
			continue
		}
		var status struct {
			Status domain.SessionStatus `json:"status"`
		}
		if json.Unmarshal(env.Payload, &status) != nil {
			continue
		}
		switch status.Status {
		case domain.SessionStatusRecording:
			c.recordingOnce.Do(func() { close(c.recording) })
		case domain.SessionStatusIdle, domain.SessionStatusError:
			c.idleOnce.Do(func() { close(c.idle) })
		}
	}
}

func printEvent(eventType string, payload json.RawMessage) {
	switch eventType {
	case transport.EventTranscript:
		var seg domain.TranscriptSegment
		if json.Unmarshal(payload, &seg) == nil {
			if seg.IsFinal {
				fmt.Printf("[final]   %s\n", seg.Text)
			}
			return
		}
	case transport.EventAnalysis:
		var result domain.AnalysisResult
		if json.Unmarshal(payload, &result) == nil {
			fmt.Printf("[analysis] topics=%s tags=%s flow=%d heat=%d\n",
				strings.Join(result.Topics, ", "), strings.Join(result.Tags, " "), result.Flow, result.Heat)
			for _, line := range result.Summary {
				fmt.Printf("           - %s\n", line)
			}
			return
		}
	case transport.EventImage:
		var img domain.GeneratedImage
		if json.Unmarshal(payload, &img) == nil {
			fmt.Printf("[image]   %d base64 bytes for %q\n", len(img.ImageData), img.Prompt)
			return
		}
	}
	fmt.Printf("[%s] %s\n", eventType, string(payload))
}
