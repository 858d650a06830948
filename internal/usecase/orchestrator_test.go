package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"livelens/internal/domain"
)

func recordingState(start time.Time) *SessionState {
	state := NewSessionState("s1", "", start)
	state.SetStatus(domain.SessionStatusRecording)
	return state
}

func TestShouldTriggerAnalysis(t *testing.T) {
	t.Parallel()

	start := time.Unix(1000, 0)
	th := Thresholds{Interval: time.Minute, WordCount: 5}
	final := func(text string, at time.Duration) domain.TranscriptSegment {
		return domain.TranscriptSegment{Text: text, IsFinal: true, Timestamp: start.Add(at)}
	}

	cases := []struct {
		name  string
		build func() *SessionState
		now   time.Time
		want  bool
	}{
		{
			name:  "no words",
			build: func() *SessionState { return recordingState(start) },
			now:   start.Add(time.Hour),
		},
		{
			name: "not recording",
			build: func() *SessionState {
				s := NewSessionState("s1", "", start)
				s.AddTranscriptSegment(final("one two three four five six", time.Second))
				return s
			},
			now: start.Add(time.Hour),
		},
		{
			name: "interval elapsed",
			build: func() *SessionState {
				s := recordingState(start)
				s.AddTranscriptSegment(final("hello", time.Second))
				return s
			},
			now:  start.Add(time.Minute),
			want: true,
		},
		{
			name: "word threshold",
			build: func() *SessionState {
				s := recordingState(start)
				s.AddTranscriptSegment(final("one two three four five", time.Second))
				return s
			},
			now:  start.Add(2 * time.Second),
			want: true,
		},
		{
			name: "neither threshold",
			build: func() *SessionState {
				s := recordingState(start)
				s.AddTranscriptSegment(final("hello there", time.Second))
				return s
			},
			now: start.Add(10 * time.Second),
		},
		{
			name: "interim only",
			build: func() *SessionState {
				s := recordingState(start)
				s.AddTranscriptSegment(domain.TranscriptSegment{Text: "one two three four five", Timestamp: start.Add(time.Second)})
				return s
			},
			now: start.Add(time.Hour),
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ShouldTriggerAnalysis(tc.build(), tc.now, th); got != tc.want {
				t.Fatalf("ShouldTriggerAnalysis = %v, want %v", got, tc.want)
			}
		})
	}
}

func newTestOrchestrator(deps OrchestratorDeps) (*AnalysisOrchestrator, *sessionGuard) {
	state := recordingState(time.Now().Add(-time.Second))
	state.AddTranscriptSegment(domain.TranscriptSegment{Text: "we should ship friday", IsFinal: true, Timestamp: time.Now()})
	guard := newSessionGuard(state)
	return newAnalysisOrchestrator(context.Background(), guard, deps, Thresholds{Interval: time.Hour, WordCount: 1}), guard
}

func phaseNames(events []phaseEvent) []domain.Phase {
	out := make([]domain.Phase, 0, len(events))
	for _, e := range events {
		out = append(out, e.phase)
	}
	return out
}

func assertPhases(t *testing.T, got []phaseEvent, want ...domain.Phase) {
	t.Helper()
	names := phaseNames(got)
	if len(names) != len(want) {
		t.Fatalf("unexpected phases: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected phases: %v", names)
		}
	}
}

func TestAnalysisOrchestratorSuccessPhases(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	retrier := NewImageRetrier(&fakeImageClient{data: "aW1n"}, nil, RetrierConfig{}, nil)
	orchestrator, guard := newTestOrchestrator(OrchestratorDeps{
		Analyzer: &fakeAnalyzer{result: domain.AnalysisResult{Topics: []string{"launch"}, ImagePrompt: "a ship"}},
		Images:   retrier,
		Events:   events,
	})

	if err := orchestrator.ForceAnalysis(); err != nil {
		t.Fatalf("force analysis failed: %v", err)
	}
	assertPhases(t, events.snapshotPhases(), domain.PhaseAnalyzing, domain.PhaseGenerating, domain.PhaseIdle)

	if len(events.snapshotAnalyses()) != 1 || len(events.snapshotImages()) != 1 {
		t.Fatalf("expected one analysis and one image")
	}
	guard.With(func(s *SessionState) {
		if len(s.Analyses) != 1 || len(s.Images) != 1 || s.WordsSinceLastAnalysis != 0 {
			t.Fatalf("unexpected state: analyses=%d images=%d words=%d", len(s.Analyses), len(s.Images), s.WordsSinceLastAnalysis)
		}
	})
	if orchestrator.Phase() != domain.PhaseIdle {
		t.Fatalf("expected idle phase")
	}
}

func TestAnalysisOrchestratorRetryPhases(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	retrier := NewImageRetrier(&fakeImageClient{
		errs: []error{&domain.ProviderError{StatusCode: 429}},
		data: "aW1n",
	}, nil, RetrierConfig{}, nil)
	retrier.sleep = func(context.Context, time.Duration) error { return nil }
	orchestrator, _ := newTestOrchestrator(OrchestratorDeps{
		Analyzer: &fakeAnalyzer{result: domain.AnalysisResult{ImagePrompt: "a ship"}},
		Images:   retrier,
		Events:   events,
	})

	if err := orchestrator.ForceAnalysis(); err != nil {
		t.Fatalf("force analysis failed: %v", err)
	}
	phases := events.snapshotPhases()
	assertPhases(t, phases,
		domain.PhaseAnalyzing, domain.PhaseGenerating, domain.PhaseRetrying, domain.PhaseGenerating, domain.PhaseIdle)
	if phases[2].attempt != 1 {
		t.Fatalf("expected retry attempt 1, got %d", phases[2].attempt)
	}
}

func TestAnalysisOrchestratorAnalysisFailure(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	orchestrator, guard := newTestOrchestrator(OrchestratorDeps{
		Analyzer: &fakeAnalyzer{err: &domain.ProviderError{Provider: "analysis", StatusCode: 500, Message: "secret detail"}},
		Events:   events,
	})

	if err := orchestrator.ForceAnalysis(); err == nil {
		t.Fatalf("expected analysis error")
	}
	assertPhases(t, events.snapshotPhases(), domain.PhaseAnalyzing, domain.PhaseIdle)

	errs := events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeAnalysis {
		t.Fatalf("expected analysis error event, got %+v", errs)
	}
	guard.With(func(s *SessionState) {
		if len(s.Analyses) != 0 || s.WordsSinceLastAnalysis == 0 {
			t.Fatalf("state must be untouched on analysis failure")
		}
	})
}

func TestAnalysisOrchestratorImageFailureKeepsAnalysis(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	retrier := NewImageRetrier(&fakeImageClient{errs: []error{errors.New("model offline")}}, nil, RetrierConfig{}, nil)
	orchestrator, guard := newTestOrchestrator(OrchestratorDeps{
		Analyzer: &fakeAnalyzer{result: domain.AnalysisResult{ImagePrompt: "a ship"}},
		Images:   retrier,
		Events:   events,
	})

	if err := orchestrator.ForceAnalysis(); err == nil {
		t.Fatalf("expected image error")
	}
	assertPhases(t, events.snapshotPhases(), domain.PhaseAnalyzing, domain.PhaseGenerating, domain.PhaseIdle)

	errs := events.snapshotErrors()
	if len(errs) != 1 || errs[0].code != domain.ErrorCodeImage {
		t.Fatalf("expected image error event, got %+v", errs)
	}
	if len(events.snapshotAnalyses()) != 1 {
		t.Fatalf("analysis must still be published")
	}
	guard.With(func(s *SessionState) {
		if len(s.Analyses) != 1 || len(s.Images) != 0 {
			t.Fatalf("unexpected state after image failure")
		}
	})
}

func TestAnalysisOrchestratorInFlightGuard(t *testing.T) {
	t.Parallel()

	analyzer := &fakeAnalyzer{gate: make(chan struct{})}
	orchestrator, _ := newTestOrchestrator(OrchestratorDeps{Analyzer: analyzer, Events: &fakeEventSink{}})

	if !orchestrator.MaybeAnalyze() {
		t.Fatalf("expected first trigger to start a run")
	}
	waitFor(t, func() bool { return len(analyzer.snapshotInputs()) == 1 })
	if orchestrator.MaybeAnalyze() {
		t.Fatalf("second trigger must be a no-op while a run is in flight")
	}
	close(analyzer.gate)
	orchestrator.Wait()
	if len(analyzer.snapshotInputs()) != 1 {
		t.Fatalf("expected exactly one analyzer call")
	}
}

func TestAnalysisOrchestratorDropsLateResults(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	analyzer := &fakeAnalyzer{gate: make(chan struct{}), result: domain.AnalysisResult{ImagePrompt: "p"}}
	orchestrator, guard := newTestOrchestrator(OrchestratorDeps{Analyzer: analyzer, Events: events})

	done := make(chan error, 1)
	go func() { done <- orchestrator.ForceAnalysis() }()
	waitFor(t, func() bool { return len(analyzer.snapshotInputs()) == 1 })

	guard.Close(domain.SessionStatusIdle)
	close(analyzer.gate)
	if err := <-done; !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if len(events.snapshotAnalyses()) != 0 {
		t.Fatalf("late analysis must not be published")
	}
	assertPhases(t, events.snapshotPhases(), domain.PhaseAnalyzing)
}

func TestAnalysisOrchestratorStopWaitsForPublish(t *testing.T) {
	t.Parallel()

	events := &blockingAnalysisSink{
		fakeEventSink: &fakeEventSink{},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	analyzer := &fakeAnalyzer{result: domain.AnalysisResult{Topics: []string{"ship"}}}
	orchestrator, guard := newTestOrchestrator(OrchestratorDeps{Analyzer: analyzer, Events: events})

	done := make(chan error, 1)
	go func() { done <- orchestrator.ForceAnalysis() }()
	<-events.entered

	closed := make(chan struct{})
	go func() {
		guard.Close(domain.SessionStatusIdle)
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatalf("close must wait for the in-progress publish")
	case <-time.After(50 * time.Millisecond):
	}

	close(events.release)
	<-closed
	if err := <-done; err != nil {
		t.Fatalf("force analysis failed: %v", err)
	}
	if len(events.snapshotAnalyses()) != 1 {
		t.Fatalf("expected the result published before close")
	}
}

// blockingAnalysisSink holds the first Analysis publish until release closes.
type blockingAnalysisSink struct {
	*fakeEventSink
	entered chan struct{}
	release chan struct{}
}

func (s *blockingAnalysisSink) Analysis(result domain.AnalysisResult) {
	close(s.entered)
	<-s.release
	s.fakeEventSink.Analysis(result)
}

func TestAnalysisOrchestratorContextAssembly(t *testing.T) {
	t.Parallel()

	t.Run("fallback uses latest session history", func(t *testing.T) {
		t.Parallel()
		analyzer := &fakeAnalyzer{}
		orchestrator, guard := newTestOrchestrator(OrchestratorDeps{Analyzer: analyzer, Events: &fakeEventSink{}})
		guard.With(func(s *SessionState) {
			s.Analyses = append(s.Analyses, domain.AnalysisResult{Topics: []string{"roadmap"}})
			s.AddImage(domain.GeneratedImage{Prompt: "earlier"})
			s.AddCameraFrame(domain.CameraFrame{Data: "f1"})
		})

		if err := orchestrator.ForceAnalysis(); err != nil {
			t.Fatalf("force analysis failed: %v", err)
		}
		input := analyzer.snapshotInputs()[0]
		if input.Context != nil {
			t.Fatalf("expected no tiered context without a meeting")
		}
		if len(input.PreviousTopics) != 1 || input.PreviousTopics[0] != "roadmap" {
			t.Fatalf("unexpected previous topics: %v", input.PreviousTopics)
		}
		if input.PreviousImage == nil || input.PreviousImage.Prompt != "earlier" {
			t.Fatalf("expected previous image")
		}
		if len(input.CameraFrames) != 1 || input.Transcript != "we should ship friday" {
			t.Fatalf("unexpected input: %+v", input)
		}
	})

	t.Run("meeting uses context builder", func(t *testing.T) {
		t.Parallel()
		analyzer := &fakeAnalyzer{}
		builder := &fakeContextBuilder{ctx: domain.AnalysisContext{CumulativeThemes: []string{"hiring"}}}
		orchestrator, guard := newTestOrchestrator(OrchestratorDeps{Analyzer: analyzer, ContextBuilder: builder, Events: &fakeEventSink{}})
		guard.With(func(s *SessionState) { s.MeetingID = "m1" })

		if err := orchestrator.ForceAnalysis(); err != nil {
			t.Fatalf("force analysis failed: %v", err)
		}
		input := analyzer.snapshotInputs()[0]
		if input.Context == nil || input.Context.CumulativeThemes[0] != "hiring" {
			t.Fatalf("expected tiered context, got %+v", input.Context)
		}
	})
}

func TestAnalysisOrchestratorEmptyDelta(t *testing.T) {
	t.Parallel()

	events := &fakeEventSink{}
	guard := newSessionGuard(recordingState(time.Now()))
	orchestrator := newAnalysisOrchestrator(context.Background(), guard, OrchestratorDeps{Analyzer: &fakeAnalyzer{}, Events: events}, Thresholds{})

	if err := orchestrator.ForceAnalysis(); !errors.Is(err, domain.ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
	if len(events.snapshotPhases()) != 0 {
		t.Fatalf("empty delta must not publish phases")
	}
}

type fakeContextBuilder struct {
	ctx domain.AnalysisContext
	err error
}

func (f *fakeContextBuilder) Build(context.Context, string) (domain.AnalysisContext, error) {
	return f.ctx, f.err
}
