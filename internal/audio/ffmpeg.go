package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultStartTimeout = 5 * time.Second
	defaultStopGrace    = 1200 * time.Millisecond
)

// FFmpegInput describes what ffmpeg should read: a file path, or a capture
// device when Format is set (for example "pulse" with Device "default").
type FFmpegInput struct {
	Format     string
	Device     string
	SampleRate int
	Channels   int
}

func (in FFmpegInput) withDefaults() FFmpegInput {
	if in.SampleRate <= 0 {
		in.SampleRate = 16000
	}
	if in.Channels <= 0 {
		in.Channels = 1
	}
	return in
}

// args renders the ffmpeg command line. Output is always a 16-bit PCM WAV
// container on stdout so the server can autodetect it.
func (in FFmpegInput) args() ([]string, error) {
	if strings.TrimSpace(in.Device) == "" {
		return nil, errors.New("ffmpeg input is required")
	}
	args := []string{"-nostdin", "-hide_banner", "-loglevel", "warning"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	return append(args,
		"-i", in.Device,
		"-ac", strconv.Itoa(in.Channels),
		"-ar", strconv.Itoa(in.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"-",
	), nil
}

// FFmpeg transcodes any input ffmpeg understands into a WAV stream.
type FFmpeg struct {
	command      string
	startTimeout time.Duration
	stopGrace    time.Duration
}

func NewFFmpeg(command string) *FFmpeg {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpeg{
		command:      command,
		startTimeout: defaultStartTimeout,
		stopGrace:    defaultStopGrace,
	}
}

// Start launches ffmpeg and returns once it has written its first bytes.
func (f *FFmpeg) Start(ctx context.Context, in FFmpegInput) (*FFmpegStream, error) {
	in = in.withDefaults()
	args, err := in.args()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, f.command, args...)
	// Interrupt lets ffmpeg finish the container; WaitDelay escalates to kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = f.stopGrace

	pr, pw := io.Pipe()
	stderr := &bytes.Buffer{}
	cmd.Stdout = pw
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FFmpegStream{
		cmd:    cmd,
		cancel: cancel,
		pipe:   pr,
		out:    bufio.NewReaderSize(pr, 32*1024),
		stderr: stderr,
		exited: make(chan struct{}),
		bps:    in.SampleRate * in.Channels * 2,
	}
	go func() {
		s.waitErr = cmd.Wait()
		_ = pw.Close()
		close(s.exited)
	}()

	if err := s.awaitOutput(f.startTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// FFmpegStream is a running ffmpeg process exposed as a Source.
type FFmpegStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	pipe   *io.PipeReader
	out    *bufio.Reader
	stderr *bytes.Buffer
	bps    int

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// awaitOutput waits for the first byte. A bad input makes ffmpeg exit without
// producing any.
func (s *FFmpegStream) awaitOutput(timeout time.Duration) error {
	peeked := make(chan error, 1)
	go func() {
		_, err := s.out.Peek(1)
		peeked <- err
	}()

	select {
	case err := <-peeked:
		if err == nil {
			return nil
		}
		<-s.exited
		if s.waitErr != nil {
			return fmt.Errorf("ffmpeg exited before streaming started: %w: %s", s.waitErr, strings.TrimSpace(s.stderr.String()))
		}
		return errors.New("ffmpeg exited before streaming started")
	case <-time.After(timeout):
		return fmt.Errorf("ffmpeg produced no audio within %s", timeout)
	}
}

func (s *FFmpegStream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *FFmpegStream) BytesPerSecond() int {
	return s.bps
}

// Close stops ffmpeg and waits for it to exit.
func (s *FFmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.pipe.Close()
		<-s.exited

		s.closeErr = stopError(s.waitErr)
		if s.closeErr != nil && s.stderr.Len() > 0 {
			s.closeErr = fmt.Errorf("%w: %s", s.closeErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.closeErr
}

// stopError drops the errors a requested stop produces: the exit status after
// an interrupt or kill, the cancelled context, and an expired wait delay.
func stopError(err error) error {
	var exitErr *exec.ExitError
	switch {
	case err == nil,
		errors.As(err, &exitErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, exec.ErrWaitDelay),
		errors.Is(err, os.ErrProcessDone):
		return nil
	}
	return err
}
