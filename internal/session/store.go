// Package session maps connection keys to live sessions. Public sessions are
// keyed by "<host>:<ip>" and disappear with their last client; private
// sessions are keyed by a random code and linger for a grace period so a
// client may reconnect before the code expires.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SloMR/pastepoint/internal/monitoring"
)

// DefaultExpiration is the grace period an empty private session survives
// before its code is retired.
const DefaultExpiration = 60 * time.Second

var (
	// ErrNotFound is returned by Resolve in strict mode when no session
	// exists for the key.
	ErrNotFound = errors.New("session not found")
	// ErrExpired is returned when a private code's grace period has elapsed.
	// Expired codes are never revived.
	ErrExpired = errors.New("session code expired")
)

// Cleaner is notified when a session loses its last client so the owner of
// the rooms tree can drop the session's subtree. Implementations must not
// block.
type Cleaner interface {
	CleanupSession(sessionID string)
}

type sessionData struct {
	id      string
	private bool
}

// Store is the concurrent key-to-session registry. It tracks how many live
// connections reference each session and schedules the expiration of empty
// private sessions.
type Store struct {
	cleaner    Cleaner
	expiration time.Duration
	metrics    *monitoring.Metrics
	logger     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]sessionData
	counts   map[string]int
	expired  map[string]struct{}
	timers   map[string]*time.Timer
	gens     map[string]uint64
}

// NewStore returns an empty store. expiration is the private-session grace
// period; cleaner receives teardown notifications. Both cleaner and metrics
// may be nil.
func NewStore(cleaner Cleaner, expiration time.Duration, metrics *monitoring.Metrics, logger zerolog.Logger) *Store {
	return &Store{
		cleaner:    cleaner,
		expiration: expiration,
		metrics:    metrics,
		logger:     logger.With().Str("component", "session_store").Logger(),
		sessions:   make(map[string]sessionData),
		counts:     make(map[string]int),
		expired:    make(map[string]struct{}),
		timers:     make(map[string]*time.Timer),
		gens:       make(map[string]uint64),
	}
}

func visibility(private bool) string {
	if private {
		return "private"
	}
	return "public"
}

// Resolve returns the session id for key, incrementing its refcount. A
// pending expiration for a private key is cancelled. When no session exists,
// strict mode returns ErrNotFound; otherwise a fresh session is created with
// refcount 1.
func (s *Store) Resolve(key string, strict, private bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if private {
		if _, gone := s.expired[key]; gone {
			return "", ErrExpired
		}
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
			s.logger.Debug().Str("key", key).Msg("expiration cancelled on reconnect")
		}
	}

	if data, ok := s.sessions[key]; ok {
		s.counts[data.id]++
		return data.id, nil
	}
	if strict {
		return "", ErrNotFound
	}

	id := uuid.NewString()
	s.sessions[key] = sessionData{id: id, private: private}
	s.counts[id] = 1
	if s.metrics != nil {
		s.metrics.SessionsActive.WithLabelValues(visibility(private)).Inc()
	}
	s.logger.Info().Str("key", key).Str("session", id).Bool("private", private).Msg("session created")
	return id, nil
}

// CreatePrivateCode allocates a fresh private session and returns its code.
// The refcount starts at zero; the first Resolve on the code increments it.
func (s *Store) CreatePrivateCode() (string, error) {
	code, err := GenerateCode(CodeLength)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.sessions[code] = sessionData{id: id, private: true}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.WithLabelValues(visibility(true)).Inc()
	}
	s.logger.Info().Str("session", id).Msg("private session created")
	return code, nil
}

// Release decrements the refcount of a session. When it reaches zero the
// cleaner is notified, public keys are removed immediately, and private keys
// are scheduled to expire after the grace period.
func (s *Store) Release(sessionID string) {
	s.mu.Lock()
	n, ok := s.counts[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	n--
	if n > 0 {
		s.counts[sessionID] = n
		s.mu.Unlock()
		return
	}
	delete(s.counts, sessionID)

	for key, data := range s.sessions {
		if data.id != sessionID {
			continue
		}
		if data.private {
			s.scheduleExpirationLocked(key)
		} else {
			delete(s.sessions, key)
			if s.metrics != nil {
				s.metrics.SessionsActive.WithLabelValues(visibility(false)).Dec()
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("session", sessionID).Msg("last client left session")
	if s.cleaner != nil {
		s.cleaner.CleanupSession(sessionID)
	}
}

// scheduleExpirationLocked arms the grace timer for a private code. The
// caller holds s.mu. Each arming bumps the code's generation and the callback
// captures it by value, so the fired timer carries no shared state read
// outside the lock.
func (s *Store) scheduleExpirationLocked(code string) {
	if old, ok := s.timers[code]; ok {
		old.Stop()
	}
	s.gens[code]++
	gen := s.gens[code]
	s.timers[code] = time.AfterFunc(s.expiration, func() { s.expire(code, gen) })
	s.logger.Debug().Str("key", code).Dur("after", s.expiration).Msg("expiration scheduled")
}

// expire retires a private code once its grace timer fires. The generation
// check catches the reconnect-then-release race: a stale timer whose
// cancellation lost must not retire the code on behalf of a newer one, and a
// timer cancelled by Resolve leaves no timers entry behind.
func (s *Store) expire(code string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[code]; !ok {
		return
	}
	if s.gens[code] != gen {
		return
	}
	delete(s.timers, code)
	delete(s.gens, code)
	delete(s.sessions, code)
	s.expired[code] = struct{}{}
	if s.metrics != nil {
		s.metrics.SessionsActive.WithLabelValues(visibility(true)).Dec()
		s.metrics.ExpiredCodes.Inc()
	}
	s.logger.Info().Str("key", code).Msg("private session expired")
}
