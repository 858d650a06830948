package usecase

import (
	"strings"
	"time"

	"github.com/samber/lo"

	"livelens/internal/domain"
)

// SessionState is the in-memory record of one live session. It is not safe for
// concurrent use; the owning controller serializes access.
type SessionState struct {
	ID        string
	MeetingID string
	Status    domain.SessionStatus
	StartedAt time.Time

	Transcript []domain.TranscriptSegment
	Analyses   []domain.AnalysisResult
	Images     []domain.GeneratedImage

	LastAnalysisAt         time.Time
	WordsSinceLastAnalysis int

	frames               frameRing
	lastFinalIndex       int
	pendingUtteranceEnds int
}

// NewSessionState returns an idle state for a session.
func NewSessionState(id string, meetingID string, startedAt time.Time) *SessionState {
	return &SessionState{
		ID:             id,
		MeetingID:      meetingID,
		Status:         domain.SessionStatusIdle,
		StartedAt:      startedAt,
		LastAnalysisAt: startedAt,
		lastFinalIndex: -1,
	}
}

// SetStatus moves the session through its lifecycle.
func (s *SessionState) SetStatus(status domain.SessionStatus) {
	s.Status = status
}

// AddTranscriptSegment appends a segment in arrival order. Final segments count
// toward the analysis word threshold and consume a queued utterance-end mark.
func (s *SessionState) AddTranscriptSegment(segment domain.TranscriptSegment) {
	if !segment.IsFinal {
		segment.IsUtteranceEnd = false
		s.Transcript = append(s.Transcript, segment)
		return
	}

	if s.pendingUtteranceEnds > 0 {
		segment.IsUtteranceEnd = true
		s.pendingUtteranceEnds--
	}
	s.Transcript = append(s.Transcript, segment)
	s.lastFinalIndex = len(s.Transcript) - 1
	s.WordsSinceLastAnalysis += wordCount(segment.Text)
}

// MarkUtteranceEnd flags the most recent final segment. With no final segment
// yet the mark is queued for the next one.
func (s *SessionState) MarkUtteranceEnd() {
	if s.lastFinalIndex < 0 {
		s.pendingUtteranceEnds++
		return
	}
	s.Transcript[s.lastFinalIndex].IsUtteranceEnd = true
}

// PendingUtteranceEnds reports queued utterance-end marks.
func (s *SessionState) PendingUtteranceEnds() int {
	return s.pendingUtteranceEnds
}

// FullTranscript joins all final segments with single spaces.
func (s *SessionState) FullTranscript() string {
	return joinFinal(s.Transcript)
}

// TranscriptSince joins final segments received after t.
func (s *SessionState) TranscriptSince(t time.Time) string {
	return joinFinal(lo.Filter(s.Transcript, func(seg domain.TranscriptSegment, _ int) bool {
		return seg.Timestamp.After(t)
	}))
}

// AddCameraFrame stores a snapshot, evicting the oldest past capacity.
func (s *SessionState) AddCameraFrame(frame domain.CameraFrame) {
	s.frames.Add(frame)
}

// CameraFrames returns stored snapshots oldest first.
func (s *SessionState) CameraFrames() []domain.CameraFrame {
	return s.frames.Snapshot()
}

// MarkAnalysisComplete records a finished analysis and resets the word counter.
func (s *SessionState) MarkAnalysisComplete(result domain.AnalysisResult, at time.Time) {
	s.Analyses = append(s.Analyses, result)
	s.LastAnalysisAt = at
	s.WordsSinceLastAnalysis = 0
}

func (s *SessionState) AddImage(image domain.GeneratedImage) {
	s.Images = append(s.Images, image)
}

func (s *SessionState) LatestAnalysis() (domain.AnalysisResult, bool) {
	if len(s.Analyses) == 0 {
		return domain.AnalysisResult{}, false
	}
	return s.Analyses[len(s.Analyses)-1], true
}

func (s *SessionState) LatestImage() (domain.GeneratedImage, bool) {
	if len(s.Images) == 0 {
		return domain.GeneratedImage{}, false
	}
	return s.Images[len(s.Images)-1], true
}

func joinFinal(segments []domain.TranscriptSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if !seg.IsFinal {
			continue
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
