package domain

import "time"

// SessionStatus models the live session lifecycle.
type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusRecording  SessionStatus = "recording"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusError      SessionStatus = "error"
)

// Phase is the generation pipeline stage published to clients.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseGenerating Phase = "generating"
	PhaseRetrying   Phase = "retrying"
)

// ErrorCode identifies the failing subsystem on the session error channel.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodeAnalysis      ErrorCode = "analysis"
	ErrorCodeImage         ErrorCode = "image"
	ErrorCodeProtocol      ErrorCode = "protocol"
)

// ImageQuality selects the image model tier for a live session.
type ImageQuality string

const (
	ImageQualityStandard ImageQuality = "standard"
	ImageQualityHigh     ImageQuality = "high"
)

// TranscriptSegment is one interim or final piece of provider output.
type TranscriptSegment struct {
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsFinal        bool      `json:"isFinal"`
	Speaker        *int      `json:"speaker,omitempty"`
	StartTime      *float64  `json:"startTime,omitempty"`
	IsUtteranceEnd bool      `json:"isUtteranceEnd,omitempty"`
}

// AnalysisResult is the structured insight produced from transcript text.
type AnalysisResult struct {
	Summary     []string  `json:"summary"`
	Topics      []string  `json:"topics"`
	Tags        []string  `json:"tags"`
	Flow        int       `json:"flow"`
	Heat        int       `json:"heat"`
	ImagePrompt string    `json:"imagePrompt"`
	Timestamp   time.Time `json:"timestamp"`
}

// GeneratedImage carries the caller's original prompt, never the styled one.
type GeneratedImage struct {
	ImageData string    `json:"imageData"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CameraFrame is a visual snapshot attached to analyses.
type CameraFrame struct {
	Data      string    `json:"data"`
	MimeType  string    `json:"mimeType"`
	Timestamp time.Time `json:"timestamp"`
}

// MetaSummary rolls up a contiguous window of persisted analyses.
type MetaSummary struct {
	ID                    int64     `json:"id,omitempty"`
	MeetingID             string    `json:"meetingId"`
	StartTime             time.Time `json:"startTime"`
	EndTime               time.Time `json:"endTime"`
	Summary               []string  `json:"summary"`
	Themes                []string  `json:"themes"`
	RepresentativeImageID *int64    `json:"representativeImageId,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
}

// AnalysisContext is the three-tier history handed to the analysis provider.
type AnalysisContext struct {
	RecentAnalyses   []AnalysisResult `json:"recentAnalyses,omitempty"`
	RecentImages     []GeneratedImage `json:"recentImages,omitempty"`
	MetaSummaries    []MetaSummary    `json:"metaSummaries,omitempty"`
	CumulativeThemes []string         `json:"cumulativeThemes,omitempty"`
}

// AnalysisInput is everything the analysis provider sees for one run.
type AnalysisInput struct {
	Transcript     string
	CameraFrames   []CameraFrame
	Context        *AnalysisContext
	PreviousTopics []string
	PreviousImage  *GeneratedImage
}

// MetaSummaryInput is the roll-up request for one window.
type MetaSummaryInput struct {
	Analyses  []AnalysisResult
	StartTime time.Time
	EndTime   time.Time
}

// MetaSummaryOutput is what a summarizer returns for one window.
type MetaSummaryOutput struct {
	Summary []string `json:"summary"`
	Themes  []string `json:"themes"`
}

// StreamEventKind identifies transcription stream events.
type StreamEventKind string

const (
	StreamEventTranscript   StreamEventKind = "transcript"
	StreamEventUtteranceEnd StreamEventKind = "utterance_end"
	StreamEventError        StreamEventKind = "error"
)

// StreamEvent represents one event from a streaming transcription provider.
// Providers close the event channel when the upstream connection ends.
type StreamEvent struct {
	Kind      StreamEventKind
	Segment   TranscriptSegment
	Timestamp time.Time
	Err       error
}

// Status summarizes the current session for the transport.
type Status struct {
	SessionID string        `json:"sessionId,omitempty"`
	State     SessionStatus `json:"state"`
	Phase     Phase         `json:"phase"`
	Active    bool          `json:"active"`
	Message   string        `json:"message,omitempty"`
}
