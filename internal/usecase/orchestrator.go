package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

// Thresholds control when accumulated transcript is sent for analysis.
type Thresholds struct {
	Interval  time.Duration
	WordCount int
}

// DefaultThresholds analyses roughly once a minute of steady speech.
func DefaultThresholds() Thresholds {
	return Thresholds{Interval: 60 * time.Second, WordCount: 120}
}

// ShouldTriggerAnalysis reports whether the session has enough new finalized
// speech to analyze.
func ShouldTriggerAnalysis(state *SessionState, now time.Time, th Thresholds) bool {
	if state == nil || state.Status != domain.SessionStatusRecording {
		return false
	}
	if state.WordsSinceLastAnalysis <= 0 {
		return false
	}
	if strings.TrimSpace(state.TranscriptSince(state.LastAnalysisAt)) == "" {
		return false
	}
	if now.Sub(state.LastAnalysisAt) >= th.Interval {
		return true
	}
	return state.WordsSinceLastAnalysis >= th.WordCount
}

// OrchestratorDeps are the collaborators of one session's analysis pipeline.
// Store and ContextBuilder are optional; Images may be nil to skip generation.
type OrchestratorDeps struct {
	Analyzer       ports.AnalysisProvider
	Images         ports.ImageGenerator
	ContextBuilder ports.ContextBuilder
	Store          ports.Store
	Events         ports.EventSink
	Logger         *slog.Logger
}

// AnalysisOrchestrator runs analysis and image generation for one live session
// and publishes pipeline phases.
type AnalysisOrchestrator struct {
	deps       OrchestratorDeps
	session    *sessionGuard
	thresholds Thresholds
	baseCtx    context.Context
	now        func() time.Time

	inFlight atomic.Bool
	runs     sync.WaitGroup

	phaseMu sync.Mutex
	phase   domain.Phase
}

func newAnalysisOrchestrator(ctx context.Context, session *sessionGuard, deps OrchestratorDeps, th Thresholds) *AnalysisOrchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if th.Interval <= 0 || th.WordCount <= 0 {
		defaults := DefaultThresholds()
		if th.Interval <= 0 {
			th.Interval = defaults.Interval
		}
		if th.WordCount <= 0 {
			th.WordCount = defaults.WordCount
		}
	}
	return &AnalysisOrchestrator{
		deps:       deps,
		session:    session,
		thresholds: th,
		baseCtx:    context.WithoutCancel(ctx),
		now:        time.Now,
		phase:      domain.PhaseIdle,
	}
}

// Phase returns the last published pipeline phase.
func (o *AnalysisOrchestrator) Phase() domain.Phase {
	o.phaseMu.Lock()
	defer o.phaseMu.Unlock()
	return o.phase
}

// MaybeAnalyze starts a run in the background when the trigger predicate holds
// and no throttled run is in flight. It reports whether a run was started.
func (o *AnalysisOrchestrator) MaybeAnalyze() bool {
	due := false
	o.session.With(func(state *SessionState) {
		due = ShouldTriggerAnalysis(state, o.now(), o.thresholds)
	})
	if !due {
		return false
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return false
	}
	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		defer o.inFlight.Store(false)
		o.run()
	}()
	return true
}

// ForceAnalysis runs the pipeline now, ignoring thresholds and the in-flight
// guard. It blocks until the run finishes.
func (o *AnalysisOrchestrator) ForceAnalysis() error {
	o.runs.Add(1)
	defer o.runs.Done()
	return o.run()
}

// Wait blocks until background runs finish. Used by tests and shutdown.
func (o *AnalysisOrchestrator) Wait() {
	o.runs.Wait()
}

type runSnapshot struct {
	meetingID  string
	transcript string
	frames     []domain.CameraFrame
	latest     *domain.AnalysisResult
	image      *domain.GeneratedImage
}

func (o *AnalysisOrchestrator) snapshot() (runSnapshot, bool) {
	var snap runSnapshot
	alive := o.session.With(func(state *SessionState) {
		snap.meetingID = state.MeetingID
		snap.transcript = state.TranscriptSince(state.LastAnalysisAt)
		snap.frames = state.CameraFrames()
		if latest, ok := state.LatestAnalysis(); ok {
			snap.latest = &latest
		}
		if img, ok := state.LatestImage(); ok {
			snap.image = &img
		}
	})
	return snap, alive
}

func (o *AnalysisOrchestrator) run() error {
	snap, alive := o.snapshot()
	if !alive {
		return domain.ErrSessionClosed
	}
	if strings.TrimSpace(snap.transcript) == "" {
		return domain.ErrEmptyTranscript
	}

	ctx := o.baseCtx
	logger := o.deps.Logger

	o.setPhase(domain.PhaseAnalyzing, 0)
	input := o.buildInput(ctx, snap)

	result, err := o.deps.Analyzer.AnalyzeTranscript(ctx, input)
	if err != nil {
		logger.Error("Analysis failed", "error", err)
		o.fail(domain.ErrorCodeAnalysis, err)
		return err
	}

	completedAt := o.now()
	if result.Timestamp.IsZero() {
		result.Timestamp = completedAt
	}
	// Publish under the session lock so a concurrent Stop either precedes the
	// result entirely or waits for it.
	if !o.session.With(func(state *SessionState) {
		state.MarkAnalysisComplete(result, completedAt)
		o.deps.Events.Analysis(result)
	}) {
		logger.Debug("Dropped analysis for closed session")
		return domain.ErrSessionClosed
	}
	o.persist(func(store ports.Store) error {
		return store.AppendAnalysis(ctx, snap.meetingID, result)
	}, snap.meetingID, "analysis")

	if o.deps.Images == nil || strings.TrimSpace(result.ImagePrompt) == "" {
		o.setPhase(domain.PhaseIdle, 0)
		return nil
	}
	return o.generateImage(ctx, snap.meetingID, result.ImagePrompt)
}

func (o *AnalysisOrchestrator) generateImage(ctx context.Context, meetingID string, prompt string) error {
	o.setPhase(domain.PhaseGenerating, 0)
	image, err := o.deps.Images.GenerateImage(ctx, prompt, ports.ImageOptions{
		OnRetrying: func(attempt int) {
			o.setPhase(domain.PhaseRetrying, attempt)
		},
		OnAttempt: func(attempt int) {
			if attempt > 1 {
				o.setPhase(domain.PhaseGenerating, 0)
			}
		},
	})
	if err != nil {
		o.deps.Logger.Error("Image generation failed", "error", err)
		o.fail(domain.ErrorCodeImage, err)
		return err
	}

	if !o.session.With(func(state *SessionState) {
		state.AddImage(image)
		o.deps.Events.Image(image)
	}) {
		o.deps.Logger.Debug("Dropped image for closed session")
		return domain.ErrSessionClosed
	}
	o.persist(func(store ports.Store) error {
		return store.AppendImage(ctx, meetingID, image)
	}, meetingID, "image")
	o.setPhase(domain.PhaseIdle, 0)
	return nil
}

func (o *AnalysisOrchestrator) buildInput(ctx context.Context, snap runSnapshot) domain.AnalysisInput {
	input := domain.AnalysisInput{
		Transcript:   snap.transcript,
		CameraFrames: snap.frames,
	}

	if o.deps.ContextBuilder != nil && snap.meetingID != "" {
		history, err := o.deps.ContextBuilder.Build(ctx, snap.meetingID)
		if err == nil {
			input.Context = &history
			return input
		}
		o.deps.Logger.Warn("Context assembly failed; using session history",
			"meetingID", snap.meetingID,
			"error", err)
	}

	if snap.latest != nil {
		input.PreviousTopics = snap.latest.Topics
	}
	input.PreviousImage = snap.image
	return input
}

func (o *AnalysisOrchestrator) persist(write func(ports.Store) error, meetingID string, kind string) {
	if o.deps.Store == nil || meetingID == "" {
		return
	}
	if err := write(o.deps.Store); err != nil {
		o.deps.Logger.Warn("Failed to persist "+kind, "meetingID", meetingID, "error", err)
	}
}

func (o *AnalysisOrchestrator) fail(code domain.ErrorCode, err error) {
	if !o.session.Alive() {
		return
	}
	if !errors.Is(err, context.Canceled) {
		o.deps.Events.SessionError(code, domain.PublicMessage(err))
	}
	o.setPhase(domain.PhaseIdle, 0)
}

func (o *AnalysisOrchestrator) setPhase(phase domain.Phase, retryAttempt int) {
	if !o.session.Alive() {
		return
	}
	o.phaseMu.Lock()
	o.phase = phase
	o.phaseMu.Unlock()
	o.deps.Events.GenerationStatus(phase, retryAttempt)
}
