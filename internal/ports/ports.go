package ports

import (
	"context"
	"time"

	"livelens/internal/domain"
)

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active provider websocket session.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	KeepAlive() error
	Events() <-chan domain.StreamEvent
	Connected() bool
	Close() error
}

// TranscriptionProvider starts streaming transcription sessions.
type TranscriptionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// AnalysisProvider turns transcript text and context into structured insight.
type AnalysisProvider interface {
	AnalyzeTranscript(ctx context.Context, input domain.AnalysisInput) (domain.AnalysisResult, error)
}

// ImageClient is a raw image model call returning a base64 payload.
type ImageClient interface {
	GenerateImage(ctx context.Context, model string, prompt string) (string, error)
}

// ImageOptions carries per-call hooks for image generation. OnRetrying fires
// before each backoff sleep; OnAttempt fires before every provider call.
type ImageOptions struct {
	OnRetrying func(attempt int)
	OnAttempt  func(attempt int)
}

// ImageGenerator produces an illustrative image for an analysis prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string, opts ImageOptions) (domain.GeneratedImage, error)
}

// MetaSummarizer consolidates a window of analyses.
type MetaSummarizer interface {
	Summarize(ctx context.Context, input domain.MetaSummaryInput) (domain.MetaSummaryOutput, error)
}

// ContextBuilder assembles Tier 1-3 history for a meeting.
type ContextBuilder interface {
	Build(ctx context.Context, meetingID string) (domain.AnalysisContext, error)
}

// Store persists meeting history. Implementations own the storage engine.
type Store interface {
	AppendTranscript(ctx context.Context, meetingID string, segment domain.TranscriptSegment) error
	LoadTranscript(ctx context.Context, meetingID string) ([]domain.TranscriptSegment, error)
	AppendAnalysis(ctx context.Context, meetingID string, result domain.AnalysisResult) error
	LoadAnalyses(ctx context.Context, meetingID string) ([]domain.AnalysisResult, error)
	AppendImage(ctx context.Context, meetingID string, image domain.GeneratedImage) error
	LoadImages(ctx context.Context, meetingID string) ([]domain.GeneratedImage, error)
	AppendMetaSummary(ctx context.Context, summary domain.MetaSummary) error
	LoadMetaSummaries(ctx context.Context, meetingID string) ([]domain.MetaSummary, error)
	LatestMetaSummary(ctx context.Context, meetingID string) (*domain.MetaSummary, error)
}

// TextCorrector rewrites finalized transcript text.
type TextCorrector interface {
	Apply(text string) (string, error)
}

// EventSink emits session events to the connected client.
type EventSink interface {
	SessionStatusChanged(status domain.SessionStatus)
	Transcript(segment domain.TranscriptSegment)
	UtteranceEnd(timestamp time.Time)
	Analysis(result domain.AnalysisResult)
	GenerationStatus(phase domain.Phase, retryAttempt int)
	Image(image domain.GeneratedImage)
	SessionError(code domain.ErrorCode, message string)
}
