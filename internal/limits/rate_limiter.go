// Package limits rate-limits connection attempts. Two levels: a per-IP token
// bucket so one client cannot flood the server, and a global bucket so many
// clients cannot either.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/SloMR/pastepoint/internal/monitoring"
)

// globalFactor scales the per-IP limits up to the system-wide bucket.
const globalFactor = 20

// ConnectionRateLimiter applies the two-level token bucket check. Stale
// per-IP buckets are swept by a background loop; call Stop on shutdown.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	metrics *monitoring.Metrics
	logger  zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds the limiter knobs. Zero values fall back
// to 50 conn/sec with burst 100 per IP and a five minute idle TTL.
type ConnectionRateLimiterConfig struct {
	IPRate  float64
	IPBurst int
	IPTTL   time.Duration

	Metrics *monitoring.Metrics
	Logger  zerolog.Logger
}

// NewConnectionRateLimiter builds the limiter and starts its cleanup loop.
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPRate == 0 {
		config.IPRate = 50
	}
	if config.IPBurst == 0 {
		config.IPBurst = 100
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.IPRate*globalFactor), config.IPBurst*globalFactor),
		metrics:       config.Metrics,
		logger:        config.Logger.With().Str("component", "rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	limiter.cleanupTicker = time.NewTicker(time.Minute)
	go limiter.cleanupLoop()

	limiter.logger.Info().
		Float64("ip_rate", config.IPRate).
		Int("ip_burst", config.IPBurst).
		Dur("ip_ttl", config.IPTTL).
		Msg("Connection rate limiter initialized")

	return limiter
}

// Allow reports whether a connection attempt from ip may proceed. Callers
// should answer a false with 429 Too Many Requests.
func (crl *ConnectionRateLimiter) Allow(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit exceeded")
		crl.reject("global")
		return false
	}

	if !crl.getIPLimiter(ip).Allow() {
		crl.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit exceeded")
		crl.reject("per_ip")
		return false
	}

	return true
}

func (crl *ConnectionRateLimiter) reject(scope string) {
	if crl.metrics != nil {
		crl.metrics.RateLimitedConnections.WithLabelValues(scope).Inc()
	}
}

func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.RLock()
	entry, exists := crl.ipLimiters[ip]
	crl.ipMu.RUnlock()

	if exists {
		crl.ipMu.Lock()
		entry.lastAccess = time.Now()
		crl.ipMu.Unlock()
		return entry.limiter
	}

	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, exists = crl.ipLimiters[ip]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)
	crl.ipLimiters[ip] = &ipLimiterEntry{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

func (crl *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup()
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops per-IP buckets that have been idle past the TTL.
func (crl *ConnectionRateLimiter) cleanup() {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
}

// TrackedIPs returns the number of per-IP buckets currently held.
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.RLock()
	defer crl.ipMu.RUnlock()
	return len(crl.ipLimiters)
}

// Stop halts the cleanup loop.
func (crl *ConnectionRateLimiter) Stop() {
	close(crl.stopCleanup)
}
