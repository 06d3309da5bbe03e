// Package httpapi wires the chi router: session lifecycle endpoints, the
// websocket upgrade that hands a connection to internal/transport, and
// the standard health/metrics surface, following the teacher's
// internal/httpapi/server.go layout.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaylane/turnorchestrator/internal/config"
	"github.com/relaylane/turnorchestrator/internal/group"
	"github.com/relaylane/turnorchestrator/internal/handler"
	"github.com/relaylane/turnorchestrator/internal/observability"
	"github.com/relaylane/turnorchestrator/internal/protocol"
	"github.com/relaylane/turnorchestrator/internal/session"
	"github.com/relaylane/turnorchestrator/internal/transport"
)

// Server exposes the orchestrator's HTTP and websocket surface.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	groups   *group.Registry
	handler  *handler.Handler
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[string]*transport.Conn
}

// NewServer builds a Server with no Handler wired yet. Callers must call
// SetHandler before Router is exercised: the Handler's Sender depends on
// this Server's Send method, so the two are constructed in two steps to
// break the cycle (see internal/app's Build).
func NewServer(cfg config.Config, sessions *session.Manager, groups *group.Registry, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		groups:   groups,
		metrics:  metrics,
		upgrader: transport.NewUpgrader(cfg.AllowAnyOrigin),
		conns:    make(map[string]*transport.Conn),
	}
}

// SetHandler wires the Conversation Handler this server dispatches
// inbound messages to.
func (s *Server) SetHandler(h *handler.Handler) {
	s.handler = h
}

// Router builds the chi mux for this server.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/debug/turn-stages", s.handleTurnStages)

	r.Post("/sessions", s.handleCreateSession)
	r.Delete("/sessions/{clientID}", s.handleEndSession)
	r.Get("/ws/{clientID}", s.handleWebsocket)

	r.Post("/groups", s.handleCreateGroup)
	r.Post("/groups/{groupID}/members", s.handleJoinGroup)
	r.Delete("/groups/{groupID}/members/{clientID}", s.handleLeaveGroup)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleTurnStages exposes the rolling stage-latency window (p50/p95/p99
// per spec §9's target budgets) as human-readable JSON, alongside the
// Prometheus histograms /metrics already serves.
func (s *Server) handleTurnStages(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = s.cfg.DefaultVoiceID
	}

	sess := s.sessions.Create(req.ClientID, voiceID)
	respondJSON(w, http.StatusCreated, session.FromSession(sess, s.cfg.SessionInactivityTimeout.Milliseconds()))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	s.closeConn(clientID)
	s.handler.OnDisconnect(clientID)
	if _, err := s.sessions.End(clientID); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if _, err := s.sessions.Get(clientID); err != nil {
		respondError(w, http.StatusNotFound, "unknown session; POST /sessions first")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := transport.NewConn(clientID, ws, s.metrics, s.onMessage, s.onDisconnect)
	s.connsMu.Lock()
	if old, ok := s.conns[clientID]; ok {
		old.Close()
	}
	s.conns[clientID] = conn
	s.connsMu.Unlock()

	_ = s.sessions.Touch(clientID)
}

// RunProactiveSweep dispatches a synthetic ai-speak-signal trigger to
// every connected client that has been idle (no turn in flight, no
// activity) for at least idleFor, matching the trigger classify already
// handles for a client-sent ai-speak-signal (spec §4.6).
func (s *Server) RunProactiveSweep(ctx context.Context, idleFor time.Duration) {
	for _, clientID := range s.sessions.IdleActiveSessions(idleFor) {
		s.connsMu.Lock()
		_, connected := s.conns[clientID]
		s.connsMu.Unlock()
		if !connected {
			continue
		}
		s.handler.OnMessage(ctx, clientID, protocol.AISpeakSignal{})
	}
}

func (s *Server) onMessage(clientID string, msg any) {
	_ = s.sessions.Touch(clientID)
	s.handler.OnMessage(context.Background(), clientID, msg)
}

func (s *Server) onDisconnect(clientID string) {
	s.connsMu.Lock()
	delete(s.conns, clientID)
	s.connsMu.Unlock()
	s.handler.OnDisconnect(clientID)
}

func (s *Server) closeConn(clientID string) {
	s.connsMu.Lock()
	conn, ok := s.conns[clientID]
	delete(s.conns, clientID)
	s.connsMu.Unlock()
	if ok {
		conn.Close()
	}
}

// Send implements handler.Sender by routing through this client's live
// connection, if any. A client with no open connection (e.g. it
// disconnected mid-turn) silently drops the message, matching spec §4.5's
// per-recipient isolation: one client's transport failure never blocks
// delivery to others.
func (s *Server) Send(clientID string, msg any) error {
	s.connsMu.Lock()
	conn, ok := s.conns[clientID]
	s.connsMu.Unlock()
	if !ok {
		return nil
	}
	return conn.Send(msg)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
