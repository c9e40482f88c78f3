// Package httpapi implements the orchestrator's HTTP surface: login and
// token refresh, session lifecycle (list/create implicitly via login,
// destroy, heartbeat), ICE server configuration, and the routing glue
// tying the browser- and agent-facing signaling WebSockets into one
// *http.ServeMux. Grounded on internal/server/server.go's handler set,
// generalized from WHEP offer/answer handling to JWT-authenticated
// session management, and on server/src/main.rs's route table for the
// path/method/auth matrix itself.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"beam/internal/auth"
	"beam/internal/protocol"
	"beam/internal/session"
	"beam/internal/signaling"
)

// IceConfigProvider returns the ICE server list handed to /api/ice-config.
type IceConfigProvider func() []protocol.IceServerInfo

// Server bundles the dependencies the HTTP handlers need.
type Server struct {
	Manager    *session.Manager
	Signaling  *signaling.Registry
	JWTSecret  []byte
	IceServers IceConfigProvider
	Authn      *auth.LocalAuthenticator
	Log        zerolog.Logger

	loginLimiters loginLimiterSet
}

// NewMux builds the full orchestrator route table.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.withOwnership(s.handleDestroySession)))
	mux.HandleFunc("POST /api/sessions/{id}/heartbeat", s.withAuth(s.withOwnership(s.handleHeartbeat)))
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.withAuth(s.withOwnership(s.handleBrowserWS)))
	mux.HandleFunc("GET /api/ice-config", s.withAuth(s.handleIceConfig))
	mux.HandleFunc("GET /ws/agent/{id}", s.handleAgentWS)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loginLimiterSet rate-limits POST /api/auth/login to 5 requests per 60s
// per username, per SPEC_FULL.md §6.
type loginLimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (s *loginLimiterSet) allow(username string) bool {
	s.mu.Lock()
	if s.limiters == nil {
		s.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := s.limiters[username]
	if !ok {
		l = rate.NewLimiter(rate.Every(60*time.Second/5), 5)
		s.limiters[username] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if !s.loginLimiters.allow(req.Username) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	if err := s.Authn.Authenticate(req.Username, req.Password); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if existing, ok := s.Manager.FindByUsername(req.Username); ok {
		s.respondWithToken(w, req.Username, existing.Info.ID, existing.IdleTimeoutS)
		return
	}

	width, height := uint32(1920), uint32(1080)
	if req.ViewportWidth != nil {
		width = *req.ViewportWidth
	}
	if req.ViewportHeight != nil {
		height = *req.ViewportHeight
	}
	idleTimeout := uint64(3600)
	if req.IdleTimeout != nil {
		idleTimeout = *req.IdleTimeout
	}

	sess, err := s.Manager.CreateSession(req.Username, width, height, idleTimeout, serverURLFromRequest(r))
	if err != nil {
		switch err {
		case protocol.ErrSessionFull:
			http.Error(w, "session table full", http.StatusServiceUnavailable)
		default:
			http.Error(w, "failed to create session", http.StatusInternalServerError)
		}
		return
	}
	s.Signaling.Register(sess.Info.ID)

	s.respondWithToken(w, req.Username, sess.Info.ID, sess.IdleTimeoutS)
}

func (s *Server) respondWithToken(w http.ResponseWriter, username string, sessionID uuid.UUID, idleTimeout uint64) {
	token, err := auth.GenerateJWT(username, s.JWTSecret)
	if err != nil {
		http.Error(w, "failed to issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AuthResponse{
		Token:       token,
		SessionID:   sessionID,
		IdleTimeout: &idleTimeout,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	username, err := auth.ValidateJWTForRefresh(token, s.JWTSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sess, ok := s.Manager.FindByUsername(username)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.respondWithToken(w, username, sess.Info.ID, sess.IdleTimeoutS)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	username := username(r)
	writeJSON(w, http.StatusOK, s.Manager.ListSessions(username))
}

func (s *Server) handleDestroySession(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if err := s.Manager.DestroySession(id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.Signaling.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if !s.Manager.Heartbeat(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if err := s.Signaling.ServeBrowser(w, r, id); err != nil {
		s.Log.Warn().Err(err).Stringer("session", id).Msg("browser signaling socket error")
	}
}

func (s *Server) handleIceConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]protocol.IceServerInfo{"ice_servers": s.IceServers()})
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	if err := s.Signaling.ServeAgent(w, r, id, token, s.Manager.VerifyAgentToken); err != nil {
		s.Log.Warn().Err(err).Stringer("session", id).Msg("agent signaling socket error")
	}
}

// withAuth requires a valid JWT bearer token, storing the subject username
// in the request context for downstream handlers.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, err := auth.ValidateJWT(bearerToken(r), s.JWTSecret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(withUsername(r.Context(), username)))
	}
}

// withOwnership additionally requires that {id} names a session owned by
// the authenticated user.
func (s *Server) withOwnership(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionIDParam(r)
		sess, ok := s.Manager.GetSession(id)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if sess.Info.Username != username(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func sessionIDParam(r *http.Request) uuid.UUID {
	id, _ := uuid.Parse(r.PathValue("id"))
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return h
}

func serverURLFromRequest(r *http.Request) string {
	scheme := "wss"
	if r.TLS == nil {
		scheme = "ws"
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

