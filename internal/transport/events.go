package transport

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"livelens/internal/domain"
)

// ProtocolVersion is stamped on every outbound envelope.
const ProtocolVersion = 1

// Outbound event types.
const (
	EventTranscript       = "transcript"
	EventUtteranceEnd     = "utterance:end"
	EventAnalysis         = "analysis"
	EventGenerationStatus = "generation:status"
	EventImage            = "image"
	EventSessionStatus    = "session:status"
	EventError            = "error"
)

// Envelope wraps every server-to-client message.
type Envelope struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

type utteranceEndPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type generationStatusPayload struct {
	Phase        domain.Phase `json:"phase"`
	RetryAttempt int          `json:"retryAttempt,omitempty"`
}

type sessionStatusPayload struct {
	Status domain.SessionStatus `json:"status"`
}

type errorPayload struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// connSink implements ports.EventSink by queueing envelopes for one
// connection's writer. Events are dropped once the connection is gone.
type connSink struct {
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	sessionID string
	closeOnce sync.Once
}

func newConnSink(buffer int, logger *slog.Logger) *connSink {
	return &connSink{
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
}

func (s *connSink) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *connSink) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *connSink) emit(eventType string, payload any) {
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()

	message, err := json.Marshal(Envelope{
		Type:      eventType,
		Version:   ProtocolVersion,
		Timestamp: s.now(),
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		s.logger.Error("Failed to encode event", "type", eventType, "error", err)
		return
	}

	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- message:
	case <-s.done:
	default:
		s.logger.Warn("Dropped event for slow client", "type", eventType)
	}
}

func (s *connSink) SessionStatusChanged(status domain.SessionStatus) {
	s.emit(EventSessionStatus, sessionStatusPayload{Status: status})
}

func (s *connSink) Transcript(segment domain.TranscriptSegment) {
	s.emit(EventTranscript, segment)
}

func (s *connSink) UtteranceEnd(timestamp time.Time) {
	s.emit(EventUtteranceEnd, utteranceEndPayload{Timestamp: timestamp})
}

func (s *connSink) Analysis(result domain.AnalysisResult) {
	s.emit(EventAnalysis, result)
}

func (s *connSink) GenerationStatus(phase domain.Phase, retryAttempt int) {
	s.emit(EventGenerationStatus, generationStatusPayload{Phase: phase, RetryAttempt: retryAttempt})
}

func (s *connSink) Image(image domain.GeneratedImage) {
	s.emit(EventImage, image)
}

func (s *connSink) SessionError(code domain.ErrorCode, message string) {
	s.emit(EventError, errorPayload{Code: code, Message: message})
}
