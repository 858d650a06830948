package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

var (
	ErrUnknownImageQuality = errors.New("unknown image quality")
	ErrEmptyCameraFrame    = errors.New("camera frame has no data")
)

// Config controls live session behavior.
type Config struct {
	Ingestion             IngestionConfig
	Thresholds            Thresholds
	AnalysisCheckInterval time.Duration
	MetaCheckInterval     time.Duration
	Retrier               RetrierConfig
	ImageModels           map[domain.ImageQuality]string
	DefaultQuality        domain.ImageQuality
}

// Services are the shared collaborators every session uses. Only
// Transcription and Analyzer are required.
type Services struct {
	Transcription  ports.TranscriptionProvider
	Analyzer       ports.AnalysisProvider
	ImageClient    ports.ImageClient
	ContextBuilder ports.ContextBuilder
	Store          ports.Store
	Meta           *MetaSummaryScheduler
	Corrector      ports.TextCorrector
}

// StartOptions identify the session being started.
type StartOptions struct {
	SessionID string
	MeetingID string
}

// SessionController owns at most one live session for a client connection.
type SessionController struct {
	services Services
	events   ports.EventSink
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *activeSession
	quality domain.ImageQuality
}

type activeSession struct {
	id           string
	meetingID    string
	guard        *sessionGuard
	ingestion    *TranscriptIngestion
	orchestrator *AnalysisOrchestrator
	logger       *slog.Logger

	cancel     context.CancelFunc
	tickerDone chan struct{}
}

func NewSessionController(services Services, events ports.EventSink, cfg Config, logger *slog.Logger) *SessionController {
	if cfg.AnalysisCheckInterval <= 0 {
		cfg.AnalysisCheckInterval = 30 * time.Second
	}
	if cfg.MetaCheckInterval <= 0 {
		cfg.MetaCheckInterval = time.Minute
	}
	if cfg.DefaultQuality == "" {
		cfg.DefaultQuality = domain.ImageQualityStandard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionController{
		services: services,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		quality:  cfg.DefaultQuality,
	}
}

// Start begins a live session and waits until the transcription stream is
// connected.
func (c *SessionController) Start(ctx context.Context, opts StartOptions) error {
	return <-c.Begin(ctx, opts)
}

// Begin registers a new session, replacing any session already running, and
// connects the transcription stream in the background. Audio sent after Begin
// returns is buffered until the stream is ready. The returned channel receives
// the connection result once.
func (c *SessionController) Begin(ctx context.Context, opts StartOptions) <-chan error {
	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.mu.Unlock()
	if previous != nil {
		c.stopSession(previous)
	}

	id := strings.TrimSpace(opts.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	meetingID := strings.TrimSpace(opts.MeetingID)
	logger := c.logger.With("session_id", id)

	state := NewSessionState(id, meetingID, c.now())
	guard := newSessionGuard(state)
	active := &activeSession{
		id:         id,
		meetingID:  meetingID,
		guard:      guard,
		logger:     logger,
		tickerDone: make(chan struct{}),
	}
	active.orchestrator = newAnalysisOrchestrator(ctx, guard, OrchestratorDeps{
		Analyzer:       c.services.Analyzer,
		Images:         c.imageGenerator(logger),
		ContextBuilder: c.services.ContextBuilder,
		Store:          c.services.Store,
		Events:         c.events,
		Logger:         logger,
	}, c.cfg.Thresholds)
	active.ingestion = NewTranscriptIngestion(
		c.services.Transcription,
		&sessionListener{controller: c, session: active},
		c.cfg.Ingestion,
		logger,
	)

	tickerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active.cancel = cancel

	// Register before dialing so audio sent during the handshake is buffered.
	c.mu.Lock()
	c.current = active
	c.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		result <- c.connect(ctx, tickerCtx, active)
	}()
	return result
}

func (c *SessionController) connect(ctx context.Context, tickerCtx context.Context, active *activeSession) error {
	err := active.ingestion.Start(ctx)
	if err == nil {
		recording := false
		active.guard.With(func(s *SessionState) {
			// A concurrent Stop has already moved the session to processing.
			if s.Status == domain.SessionStatusProcessing {
				return
			}
			s.SetStatus(domain.SessionStatusRecording)
			c.events.SessionStatusChanged(domain.SessionStatusRecording)
			recording = true
		})
		if !recording {
			err = domain.ErrSessionClosed
		}
	}
	if err != nil {
		active.cancel()
		close(active.tickerDone)
		if errors.Is(err, domain.ErrSessionClosed) || !active.guard.Alive() {
			return domain.ErrSessionClosed
		}
		active.logger.Error("Failed to start transcription", "error", err)
		c.mu.Lock()
		if c.current == active {
			c.current = nil
		}
		c.mu.Unlock()
		active.guard.Close(domain.SessionStatusError)
		active.ingestion.Stop()
		c.events.SessionError(domain.ErrorCodeStartup, domain.PublicMessage(err))
		c.events.SessionStatusChanged(domain.SessionStatusError)
		return fmt.Errorf("start session: %w", err)
	}

	go c.runTickers(tickerCtx, active)

	active.logger.Info("Session started", "meetingID", active.meetingID)
	return nil
}

// Stop ends the active session. In-flight provider calls finish in the
// background and their results are discarded.
func (c *SessionController) Stop() error {
	c.mu.Lock()
	active := c.current
	c.current = nil
	c.mu.Unlock()
	if active == nil {
		return domain.ErrNoActiveSession
	}

	active.guard.With(func(s *SessionState) { s.SetStatus(domain.SessionStatusProcessing) })
	c.events.SessionStatusChanged(domain.SessionStatusProcessing)
	c.stopSession(active)
	c.events.SessionStatusChanged(domain.SessionStatusIdle)
	active.logger.Info("Session stopped")
	return nil
}

// Close stops any active session. It is safe to call repeatedly.
func (c *SessionController) Close() {
	if err := c.Stop(); err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		c.logger.Warn("Failed to stop session", "error", err)
	}
}

// SendAudio forwards one encoded audio chunk to the active session.
func (c *SessionController) SendAudio(chunk []byte) error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	active.ingestion.SendAudio(chunk)
	return nil
}

// AddCameraFrame stores a snapshot for the next analysis.
func (c *SessionController) AddCameraFrame(frame domain.CameraFrame) error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	if strings.TrimSpace(frame.Data) == "" {
		return ErrEmptyCameraFrame
	}
	if frame.MimeType == "" {
		frame.MimeType = "image/jpeg"
	}
	if frame.Timestamp.IsZero() {
		frame.Timestamp = c.now()
	}
	active.guard.With(func(s *SessionState) { s.AddCameraFrame(frame) })
	return nil
}

// ForceAnalysis analyzes pending transcript immediately. An empty delta is a
// silent no-op; provider failures are also reported on the event channel.
func (c *SessionController) ForceAnalysis() error {
	active, err := c.getCurrent()
	if err != nil {
		return err
	}
	err = active.orchestrator.ForceAnalysis()
	if errors.Is(err, domain.ErrEmptyTranscript) || errors.Is(err, domain.ErrSessionClosed) {
		return nil
	}
	return err
}

// SetImageQuality switches the image model tier used from the next attempt on.
func (c *SessionController) SetImageQuality(quality domain.ImageQuality) error {
	if _, ok := c.cfg.ImageModels[quality]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownImageQuality, quality)
	}
	c.mu.Lock()
	c.quality = quality
	c.mu.Unlock()
	return nil
}

// Status returns the current session summary.
func (c *SessionController) Status() domain.Status {
	c.mu.Lock()
	active := c.current
	c.mu.Unlock()
	if active == nil {
		return domain.Status{State: domain.SessionStatusIdle, Phase: domain.PhaseIdle}
	}
	state := active.guard.status()
	return domain.Status{
		SessionID: active.id,
		State:     state,
		Phase:     active.orchestrator.Phase(),
		Active:    state == domain.SessionStatusRecording,
	}
}

func (c *SessionController) selectModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ImageModels[c.quality]
}

func (c *SessionController) imageGenerator(logger *slog.Logger) ports.ImageGenerator {
	if c.services.ImageClient == nil {
		return nil
	}
	return NewImageRetrier(c.services.ImageClient, c.selectModel, c.cfg.Retrier, logger)
}

func (c *SessionController) getCurrent() (*activeSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, domain.ErrNoActiveSession
	}
	return c.current, nil
}

func (c *SessionController) stopSession(active *activeSession) {
	active.cancel()
	active.guard.Close(domain.SessionStatusIdle)
	active.ingestion.Stop()
	<-active.tickerDone
}

func (c *SessionController) runTickers(ctx context.Context, active *activeSession) {
	defer close(active.tickerDone)

	analysis := time.NewTicker(c.cfg.AnalysisCheckInterval)
	defer analysis.Stop()

	var metaC <-chan time.Time
	if c.services.Meta != nil && active.meetingID != "" {
		meta := time.NewTicker(c.cfg.MetaCheckInterval)
		defer meta.Stop()
		metaC = meta.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-analysis.C:
			active.orchestrator.MaybeAnalyze()
		case <-metaC:
			go c.services.Meta.Check(context.WithoutCancel(ctx), active.meetingID)
		}
	}
}

// sessionListener applies transcription events to one session.
type sessionListener struct {
	controller *SessionController
	session    *activeSession
}

func (l *sessionListener) OnTranscript(segment domain.TranscriptSegment) {
	c := l.controller
	if segment.Timestamp.IsZero() {
		segment.Timestamp = c.now()
	}
	if segment.IsFinal && c.services.Corrector != nil {
		corrected, err := c.services.Corrector.Apply(segment.Text)
		if err != nil {
			l.session.logger.Warn("Vocabulary correction failed", "error", err)
		} else {
			segment.Text = corrected
		}
	}

	var stored domain.TranscriptSegment
	if !l.session.guard.With(func(s *SessionState) {
		s.AddTranscriptSegment(segment)
		stored = s.Transcript[len(s.Transcript)-1]
	}) {
		return
	}
	c.events.Transcript(stored)

	if !stored.IsFinal {
		return
	}
	if c.services.Store != nil && l.session.meetingID != "" {
		if err := c.services.Store.AppendTranscript(context.Background(), l.session.meetingID, stored); err != nil {
			l.session.logger.Warn("Failed to persist transcript", "error", err)
		}
	}
	l.session.orchestrator.MaybeAnalyze()
}

func (l *sessionListener) OnUtteranceEnd(timestamp time.Time) {
	if !l.session.guard.With(func(s *SessionState) { s.MarkUtteranceEnd() }) {
		return
	}
	l.controller.events.UtteranceEnd(timestamp)
}

func (l *sessionListener) OnError(err error) {
	l.session.logger.Warn("Transcription stream error", "error", err)
	if l.session.guard.Alive() {
		l.controller.events.SessionError(domain.ErrorCodeTranscription, domain.PublicMessage(err))
	}
}

func (l *sessionListener) OnClose() {
	unexpected := l.session.guard.With(func(s *SessionState) {
		s.SetStatus(domain.SessionStatusError)
	})
	if !unexpected {
		return
	}
	l.session.logger.Warn("Transcription stream closed unexpectedly")
	l.controller.events.SessionError(domain.ErrorCodeTranscription, "Transcription stream closed")
	l.controller.events.SessionStatusChanged(domain.SessionStatusError)
}
