// Package webui serves the request timeline over HTTP and streams updates to
// browsers over a websocket.
package webui

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

//go:embed static/index.html
var indexHTML []byte

// Session is the part of tracker.Session the web UI drives.
type Session interface {
	ID() string
	Snapshot() []timeline.Record
	Submit(ctx context.Context) (timeline.Record, error)
}

type Server struct {
	session  Session
	pool     *ConnectionPool
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	addr     string
	now      func() time.Time
}

type Option func(*Server)

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func NewServer(session Session, addr string, opts ...Option) *Server {
	s := &Server{
		session:  session,
		pool:     NewConnectionPool(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:      http.NewServeMux(),
		addr:     addr,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/api/timeline", s.handleTimeline)
	s.mux.HandleFunc("/api/requests", s.handleRequests)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

var _ tracker.Presenter = (*Server)(nil)

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Pool() *ConnectionPool { return s.pool }

// Snapshot broadcasts the ordered timeline to connected clients.
func (s *Server) Snapshot(records []timeline.Record) {
	if s.pool.Count() == 0 {
		return
	}
	s.broadcast(FrameSnapshot, snapshotData(records, s.now()))
}

func (s *Server) Tick(now time.Time, running []timeline.Progress) {
	if s.pool.Count() == 0 {
		return
	}
	s.broadcast(FrameTick, tickData(now, running))
}

func (s *Server) Alert(a tracker.Alert) {
	s.broadcast(FrameAlert, alertData(a))
}

func (s *Server) broadcast(kind string, data any) {
	b, err := encodeFrame(kind, data)
	if err != nil {
		log.Error().Err(err).Str("component", "webui").Str("frame", kind).Msg("encode frame")
		return
	}
	s.pool.Broadcast(b)
}

func (s *Server) handleIndex(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleTimeline(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, snapshotData(s.session.Snapshot(), s.now()))
}

func (s *Server) handleRequests(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.session.Submit(req.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, rec.View(s.now()))
	case errors.Is(err, tracker.ErrNoSubmitter):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "submissions are not configured"})
	case errors.Is(err, timeline.ErrDuplicateSubmission):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Warn().Err(err).Str("component", "webui").Msg("submit failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	clientID := uuid.NewString()
	wsLog := log.With().Str("component", "webui").Str("client_id", clientID).Logger()
	s.pool.Add(conn, clientID)
	wsLog.Info().Str("remote", req.RemoteAddr).Msg("ws connected")

	now := s.now()
	if b, err := encodeFrame(FrameHello, HelloData{ClientID: clientID, SessionID: s.session.ID(), ServerTimeMs: now.UnixMilli()}); err == nil {
		s.pool.SendToOne(conn, b)
	}
	if b, err := encodeFrame(FrameSnapshot, snapshotData(s.session.Snapshot(), now)); err == nil {
		s.pool.SendToOne(conn, b)
	}

	go func() {
		defer s.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType != websocket.TextMessage || !isPing(data) {
				continue
			}
			if b, err := encodeFrame(FramePong, map[string]int64{"server_time_ms": s.now().UnixMilli()}); err == nil {
				s.pool.SendToOne(conn, b)
			}
		}
	}()
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(data, &v) == nil && strings.EqualFold(v.Type, "ws.ping")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webui").Msg("write response")
	}
}

// Run serves until ctx is cancelled, then shuts down and closes all websocket
// clients.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		s.pool.CloseAll()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "webui").Msg("server shutdown error")
			return err
		}
		log.Info().Str("component", "webui").Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("component", "webui").Str("addr", s.addr).Msg("starting timeline server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return eg.Wait()
}
