package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"livelens/internal/domain"
	"livelens/internal/ports"
	"livelens/internal/usecase"
)

// SessionController is the per-connection session surface the transport
// drives. *usecase.SessionController satisfies it.
type SessionController interface {
	Begin(ctx context.Context, opts usecase.StartOptions) <-chan error
	Stop() error
	Close()
	SendAudio(chunk []byte) error
	AddCameraFrame(frame domain.CameraFrame) error
	ForceAnalysis() error
	SetImageQuality(quality domain.ImageQuality) error
	Status() domain.Status
}

// ControllerFactory builds a controller bound to one connection's events.
type ControllerFactory func(events ports.EventSink, logger *slog.Logger) SessionController

// MetaSummaryLister reads persisted meta-summaries for the history endpoint.
type MetaSummaryLister interface {
	LoadMetaSummaries(ctx context.Context, meetingID string) ([]domain.MetaSummary, error)
}

// Options configure the HTTP surface.
type Options struct {
	Controllers    ControllerFactory
	MetaSummaries  MetaSummaryLister
	AllowedOrigins []string
	SendBuffer     int
	ReadLimit      int64
	Logger         *slog.Logger
}

// Server exposes the live session websocket and read-only history routes.
type Server struct {
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*connection]struct{}
}

func NewServer(opts Options) (*Server, error) {
	if opts.Controllers == nil {
		return nil, errors.New("transport requires a controller factory")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 8 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		conns:  map[*connection]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     s.checkOrigin,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebSocket)
	router.HandleFunc("/api/meetings/{meetingID}/meta-summaries", s.handleMetaSummaries).Methods(http.MethodGet)
	s.router = router
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CloseConnections drops every live websocket. Hijacked connections are not
// covered by http.Server.Shutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetaSummaries(w http.ResponseWriter, r *http.Request) {
	if s.opts.MetaSummaries == nil {
		http.Error(w, "History is not configured", http.StatusServiceUnavailable)
		return
	}
	meetingID := strings.TrimSpace(mux.Vars(r)["meetingID"])
	if meetingID == "" {
		http.Error(w, "Missing meeting ID", http.StatusBadRequest)
		return
	}

	metas, err := s.opts.MetaSummaries.LoadMetaSummaries(r.Context(), meetingID)
	if err != nil {
		s.logger.Error("Failed to load meta-summaries", "error", err, "meetingID", meetingID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if metas == nil {
		metas = []domain.MetaSummary{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := newConnection(s, conn)
	s.track(c, true)
	defer s.track(c, false)

	s.logger.Info("Client connected", "remote", r.RemoteAddr)
	c.serve(r.Context())
	s.logger.Info("Client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) track(c *connection, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
		return
	}
	delete(s.conns, c)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
