package transport

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"

	"github.com/SloMR/pastepoint/internal/session"
)

const (
	// unknownHostPlaceholder keys public sessions whose request carried no
	// Host header.
	unknownHostPlaceholder = "unknown_host"

	// minUserAgentLength flags automation-looking clients in the logs.
	minUserAgentLength = 5
)

// httpError carries a status code with the exact body the client sees.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string { return e.body }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(corsMiddleware(s.cfg.CORSAllowedOrigin))
	r.Use(s.rateLimit)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusSeeOther)
	})
	r.Get("/health", s.handleHealth)
	r.Get("/create-session", s.handleCreateSession)
	r.Get("/ws", s.handlePublicWS)
	r.Get("/ws/{code}", s.handlePrivateWS)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("PastePoint Server is running!"))
}

// handleCreateSession mints a private session code for later /ws/{code}
// connections. The code is not counted as used until someone connects.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	code, err := s.store.CreatePrivateCode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create private session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code})
}

// handlePublicWS joins the caller to the shared session of its network
// origin, keyed by "<host>:<ip>" so one client IP behind two hostnames gets
// two separate sessions.
func (s *Server) handlePublicWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip, herr := s.clientIP(r)
	if herr != nil {
		http.Error(w, herr.body, herr.status)
		return
	}
	s.logSuspiciousAgent(r, ip)

	host := r.Host
	if host == "" {
		host = unknownHostPlaceholder
	}
	sessionID, err := s.store.Resolve(host+":"+ip, false, false)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to resolve public session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.serveWS(w, r, sessionID)
}

// handlePrivateWS joins the caller to the private session behind a code
// minted by /create-session.
func (s *Server) handlePrivateWS(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		http.Error(w, "Session code cannot be empty", http.StatusBadRequest)
		return
	}
	s.logSuspiciousAgent(r, r.RemoteAddr)

	sessionID, err := s.store.Resolve(code, true, true)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrExpired) {
			http.Error(w, "Unknown session code", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("code", code).Msg("Failed to resolve private session")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.serveWS(w, r, sessionID)
}

// serveWS upgrades the request and spawns the connection pumps. Resolve
// already counted the caller into the session, so a failed upgrade has to
// release that reference.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", sessionID).Msg("WebSocket upgrade failed")
		s.store.Release(sessionID)
		return
	}

	c := newConnection(conn, sessionID, s.cfg.AutoJoin, s.hub, s.store, s.metrics, s.logger)
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
	}
	s.conns.Store(c, struct{}{})
	s.logger.Info().
		Str("session", sessionID).
		Str("name", c.name).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket connected")

	go c.writePump()
	go func() {
		c.readPump()
		s.conns.Delete(c)
	}()
}

// clientIP determines the peer address. Production trusts only the reverse
// proxy headers; development falls back to the socket peer.
func (s *Server) clientIP(r *http.Request) (string, *httpError) {
	if !s.cfg.IsDev() {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
				return ip, nil
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip, nil
		}
		return "", &httpError{http.StatusForbidden, "Access denied: Missing required headers"}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if strings.TrimSpace(host) == "" {
		return "", &httpError{http.StatusBadRequest, "Client IP could not be determined"}
	}
	return host, nil
}

// logSuspiciousAgent flags automation-looking user agents. Log only; bots
// get service like everyone else.
func (s *Server) logSuspiciousAgent(r *http.Request, peer string) {
	ua := r.UserAgent()
	if len(ua) < minUserAgentLength || strings.Contains(strings.ToLower(ua), "bot") {
		s.logger.Warn().
			Str("peer", peer).
			Str("user_agent", ua).
			Msg("Suspicious client connected")
	}
}
