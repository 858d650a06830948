package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"livelens/internal/domain"
	"livelens/internal/ports"
)

const (
	defaultBaseURL = "https://api.deepgram.com/v1"
	defaultModel   = "nova-2"
	outboundBuffer = 256
	writeTimeout   = 5 * time.Second
)

var (
	ErrSessionClosed = errors.New("deepgram session closed")
	ErrBufferFull    = errors.New("deepgram outbound buffer full")
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey         string
	APIBaseURL     string
	Model          string
	Language       string
	SmartFormat    bool
	Diarize        bool
	VADEvents      bool
	UtteranceEndMs int
}

// Provider implements ports.TranscriptionProvider for Deepgram.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewProvider(cfg Config) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Provider{cfg: cfg, dialer: websocket.DefaultDialer}
}

// StartStreaming dials the listen endpoint. ctx bounds only the handshake;
// the session lives until Close or until Deepgram drops the connection.
func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is not configured")
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", ctxErr)
		}
		providerErr := &domain.ProviderError{Provider: "transcription", Message: "websocket handshake failed", Err: err}
		if resp != nil {
			providerErr.StatusCode = resp.StatusCode
		}
		return nil, providerErr
	}

	session := newStreamingSession(conn)
	session.start()
	return session, nil
}

type outboundFrame struct {
	messageType int
	payload     []byte
}

type streamingSession struct {
	conn *websocket.Conn

	events   chan domain.StreamEvent
	outbound chan outboundFrame
	closing  chan struct{}
	readDone chan struct{}
	done     chan struct{}

	connected atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
	now       func() time.Time
}

func newStreamingSession(conn *websocket.Conn) *streamingSession {
	return &streamingSession{
		conn:     conn,
		events:   make(chan domain.StreamEvent, 64),
		outbound: make(chan outboundFrame, outboundBuffer),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

func (s *streamingSession) start() {
	s.connected.Store(true)
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = s.conn.Close()
	}()
}

// SendAudio queues one binary frame without blocking.
func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return s.enqueue(outboundFrame{messageType: websocket.BinaryMessage, payload: chunk})
}

// KeepAlive asks Deepgram to hold the connection open through silence.
func (s *streamingSession) KeepAlive() error {
	return s.enqueue(outboundFrame{messageType: websocket.TextMessage, payload: []byte(`{"type":"KeepAlive"}`)})
}

func (s *streamingSession) enqueue(frame outboundFrame) error {
	if !s.connected.Load() {
		return ErrSessionClosed
	}
	select {
	case <-s.closing:
		return ErrSessionClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	default:
		return ErrBufferFull
	}
}

func (s *streamingSession) Events() <-chan domain.StreamEvent {
	return s.events
}

func (s *streamingSession) Connected() bool {
	return s.connected.Load()
}

// Close asks Deepgram to flush, then tears down the socket and waits for the
// read and write loops. The event channel is closed afterwards.
func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done
	return nil
}

func (s *streamingSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				s.connected.Store(false)
				s.emit(domain.StreamEvent{Kind: domain.StreamEventError, Err: &domain.ProviderError{
					Provider: "transcription",
					Message:  "failed to send audio",
					Err:      err,
				}})
				_ = s.conn.Close()
				return
			}
		case <-s.readDone:
			return
		case <-s.closing:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = s.conn.Close()
			return
		}
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)
	defer s.connected.Store(false)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosing() && !isNormalClose(err) {
				s.emit(domain.StreamEvent{Kind: domain.StreamEventError, Err: &domain.ProviderError{
					Provider: "transcription",
					Message:  "connection lost",
					Err:      err,
				}})
			}
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}
		if event, ok := s.toEvent(response); ok {
			s.emit(event)
		}
	}
}

func (s *streamingSession) toEvent(response deepgramResponse) (domain.StreamEvent, bool) {
	switch {
	case strings.EqualFold(response.Type, "UtteranceEnd"):
		return domain.StreamEvent{Kind: domain.StreamEventUtteranceEnd, Timestamp: s.now()}, true
	case strings.EqualFold(response.Type, "Error"):
		message := strings.TrimSpace(response.Description)
		if message == "" {
			message = strings.TrimSpace(response.Message)
		}
		if message == "" {
			message = "deepgram returned an unknown error"
		}
		return domain.StreamEvent{Kind: domain.StreamEventError, Err: &domain.ProviderError{
			Provider: "transcription",
			Message:  message,
		}}, true
	}

	transcript := extractTranscript(response)
	if transcript == "" {
		return domain.StreamEvent{}, false
	}
	segment := domain.TranscriptSegment{
		Text:      transcript,
		Timestamp: s.now(),
		IsFinal:   response.IsFinal || response.SpeechFinal,
		Speaker:   extractSpeaker(response),
	}
	if response.Start != nil {
		start := *response.Start
		segment.StartTime = &start
	}
	return domain.StreamEvent{Kind: domain.StreamEventTranscript, Segment: segment}, true
}

func (s *streamingSession) emit(event domain.StreamEvent) {
	select {
	case s.events <- event:
	case <-s.closing:
	}
}

func (s *streamingSession) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

type deepgramWord struct {
	Word    string `json:"word"`
	Speaker *int   `json:"speaker,omitempty"`
}

type deepgramAlternative struct {
	Transcript string         `json:"transcript"`
	Words      []deepgramWord `json:"words"`
}

type deepgramResponse struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Description string   `json:"description"`
	IsFinal     bool     `json:"is_final"`
	SpeechFinal bool     `json:"speech_final"`
	Start       *float64 `json:"start"`

	Channel struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []deepgramAlternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func firstAlternative(response deepgramResponse) (deepgramAlternative, bool) {
	if len(response.Channel.Alternatives) > 0 && strings.TrimSpace(response.Channel.Alternatives[0].Transcript) != "" {
		return response.Channel.Alternatives[0], true
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		return response.Results.Channels[0].Alternatives[0], true
	}
	return deepgramAlternative{}, false
}

func extractTranscript(response deepgramResponse) string {
	alt, ok := firstAlternative(response)
	if !ok {
		return ""
	}
	return strings.TrimSpace(alt.Transcript)
}

func extractSpeaker(response deepgramResponse) *int {
	alt, ok := firstAlternative(response)
	if !ok {
		return nil
	}
	for _, w := range alt.Words {
		if w.Speaker != nil {
			speaker := *w.Speaker
			return &speaker
		}
	}
	return nil
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	query.Set("model", providerCfg.Model)
	// Containerized audio (webm, ogg, wav) is self-describing; raw encodings
	// need the sample format spelled out.
	if streamCfg.Encoding != "" {
		if streamCfg.SampleRate <= 0 {
			streamCfg.SampleRate = 16000
		}
		if streamCfg.Channels <= 0 {
			streamCfg.Channels = 1
		}
		query.Set("encoding", streamCfg.Encoding)
		query.Set("sample_rate", strconv.Itoa(streamCfg.SampleRate))
		query.Set("channels", strconv.Itoa(streamCfg.Channels))
	}
	query.Set("interim_results", strconv.FormatBool(streamCfg.InterimResults))
	query.Set("smart_format", strconv.FormatBool(providerCfg.SmartFormat))
	query.Set("punctuate", "true")
	if providerCfg.Diarize {
		query.Set("diarize", "true")
	}
	if providerCfg.VADEvents {
		query.Set("vad_events", "true")
	}
	if providerCfg.UtteranceEndMs > 0 {
		// Deepgram requires interim results for utterance-end detection.
		query.Set("interim_results", "true")
		query.Set("utterance_end_ms", strconv.Itoa(providerCfg.UtteranceEndMs))
	}
	if providerCfg.Language != "" {
		query.Set("language", providerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
