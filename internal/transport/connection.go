package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"livelens/internal/domain"
	"livelens/internal/usecase"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Inbound client message types.
const (
	MessageSessionStart = "session:start"
	MessageSessionStop  = "session:stop"
	MessageCameraFrame  = "camera:frame"
	MessageForceAnalyze = "analysis:force"
	MessageImageQuality = "image:quality"
)

// ClientMessage is a text frame sent by the client. Audio travels as binary
// frames.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	MeetingID string `json:"meetingId"`
}

type cameraPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type qualityPayload struct {
	Quality domain.ImageQuality `json:"quality"`
}

type connection struct {
	server     *Server
	conn       *websocket.Conn
	sink       *connSink
	controller SessionController
	logger     *slog.Logger

	closeOnce sync.Once
	tasks     sync.WaitGroup
}

func newConnection(s *Server, conn *websocket.Conn) *connection {
	logger := s.logger.With("conn_id", uuid.NewString())
	sink := newConnSink(s.opts.SendBuffer, logger)
	return &connection{
		server:     s,
		conn:       conn,
		sink:       sink,
		controller: s.opts.Controllers(sink, logger),
		logger:     logger,
	}
}

// serve runs the read loop on the calling goroutine and the writer in the
// background. It returns once the client is gone and the session is stopped.
func (c *connection) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)

	c.controller.Close()
	c.tasks.Wait()
	c.sink.close()
	<-writerDone
}

func (c *connection) shutdown() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case message := <-c.sink.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.sink.done:
			c.drain()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes events queued before the connection was closed.
func (c *connection) drain() {
	for {
		select {
		case message := <-c.sink.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.server.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			c.handleAudio(payload)
		case websocket.TextMessage:
			c.handleMessage(ctx, payload)
		}
	}
}

func (c *connection) handleAudio(chunk []byte) {
	if err := c.controller.SendAudio(chunk); err != nil {
		if errors.Is(err, domain.ErrNoActiveSession) {
			c.logger.Debug("Dropped audio without an active session", "bytes", len(chunk))
			return
		}
		c.logger.Warn("Failed to forward audio", "error", err)
	}
}

func (c *connection) handleMessage(ctx context.Context, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.protocolError("Malformed message")
		return
	}

	switch msg.Type {
	case MessageSessionStart:
		var payload startPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			c.protocolError("Malformed session:start payload")
			return
		}
		sessionID := uuid.NewString()
		c.sink.setSessionID(sessionID)
		// Begin registers the session before returning, so binary frames read
		// after this point are buffered while the upstream handshake runs.
		connected := c.controller.Begin(ctx, usecase.StartOptions{
			SessionID: sessionID,
			MeetingID: payload.MeetingID,
		})
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			if err := <-connected; err != nil && !errors.Is(err, domain.ErrSessionClosed) {
				c.logger.Warn("Session start failed", "error", err, "session_id", sessionID)
			}
		}()

	case MessageSessionStop:
		if err := c.controller.Stop(); err != nil {
			c.replyError(err)
		}

	case MessageCameraFrame:
		var payload cameraPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			c.protocolError("Malformed camera:frame payload")
			return
		}
		if err := c.controller.AddCameraFrame(domain.CameraFrame{
			Data:     payload.Data,
			MimeType: payload.MimeType,
		}); err != nil {
			c.replyError(err)
		}

	case MessageForceAnalyze:
		c.tasks.Add(1)
		go func() {
			defer c.tasks.Done()
			if err := c.controller.ForceAnalysis(); err != nil {
				if errors.Is(err, domain.ErrNoActiveSession) {
					c.replyError(err)
					return
				}
				c.logger.Warn("Forced analysis failed", "error", err)
			}
		}()

	case MessageImageQuality:
		var payload qualityPayload
		if err := decodePayload(msg.Payload, &payload); err != nil {
			c.protocolError("Malformed image:quality payload")
			return
		}
		if err := c.controller.SetImageQuality(payload.Quality); err != nil {
			c.replyError(err)
		}

	default:
		c.protocolError(fmt.Sprintf("Unknown message type %q", msg.Type))
	}
}

func (c *connection) replyError(err error) {
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		c.protocolError("No active session")
	case errors.Is(err, usecase.ErrUnknownImageQuality):
		c.protocolError("Unknown image quality")
	case errors.Is(err, usecase.ErrEmptyCameraFrame):
		c.protocolError("Camera frame has no data")
	default:
		c.protocolError(domain.PublicMessage(err))
	}
}

func (c *connection) protocolError(message string) {
	c.sink.SessionError(domain.ErrorCodeProtocol, message)
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return json.Unmarshal(raw, out)
}
