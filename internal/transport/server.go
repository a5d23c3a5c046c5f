// Package transport is the HTTP gateway of the server: routing, CORS,
// connection rate limiting, the WebSocket upgrade and the read/write pumps
// of every accepted connection.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/SloMR/pastepoint/internal/chat"
	"github.com/SloMR/pastepoint/internal/config"
	"github.com/SloMR/pastepoint/internal/limits"
	"github.com/SloMR/pastepoint/internal/monitoring"
	"github.com/SloMR/pastepoint/internal/session"
)

const readHeaderTimeout = 10 * time.Second

// Server ties the HTTP listener to the session store and the coordinator
// and tracks every live connection for shutdown.
type Server struct {
	cfg     *config.Config
	store   *session.Store
	hub     *chat.Server
	limiter *limits.ConnectionRateLimiter
	metrics *monitoring.Metrics
	logger  zerolog.Logger

	srv          *http.Server
	conns        sync.Map // *Connection -> struct{}
	shuttingDown atomic.Bool
}

// NewServer wires the gateway. The rate limiter is owned by the server and
// stopped during Shutdown.
func NewServer(cfg *config.Config, store *session.Store, hub *chat.Server, metrics *monitoring.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		metrics: metrics,
		logger:  logger.With().Str("component", "transport").Logger(),
	}
	s.limiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
		IPRate:  cfg.RateLimitPerSecond,
		IPBurst: cfg.RateLimitBurstSize,
		Metrics: metrics,
		Logger:  logger,
	})
	s.srv = &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       keepAliveInterval,
	}
	return s
}

// Start serves until the listener fails or Shutdown runs. TLS is used when
// both certificate and key are configured.
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.cfg.ServerAddress).
		Bool("tls", s.cfg.TLSEnabled()).
		Msg("PastePoint server listening")

	var err error
	if s.cfg.TLSEnabled() {
		err = s.srv.ListenAndServeTLS(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
	} else {
		err = s.srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting upgrades, asks every live connection to close
// and waits for the HTTP server within ctx. Hijacked WebSocket connections
// are outside http.Server's bookkeeping, hence the explicit conns sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.conns.Range(func(key, _ any) bool {
		key.(*Connection).Close()
		return true
	})
	err := s.srv.Shutdown(ctx)
	s.limiter.Stop()
	return err
}

// requestLogger logs one line per request. Health and metrics polls log at
// debug so they do not drown the signal.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		evt := s.logger.Info()
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			evt = s.logger.Debug()
		}
		evt.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// recoverer turns handler panics into 500s instead of killing the process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error().
					Interface("panic_value", rec).
					Str("stack_trace", string(debug.Stack())).
					Str("path", r.URL.Path).
					Msg("HTTP handler panicked")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients connecting faster than the configured budget.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(peerIP(r)) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// peerIP is the best-effort limiter key: proxy headers first, then the
// socket address.
func peerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := strings.TrimSpace(strings.Split(fwd, ",")[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
