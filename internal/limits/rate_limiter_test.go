package limits

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	crl := NewConnectionRateLimiter(cfg)
	t.Cleanup(crl.Stop)
	return crl
}

func TestAllowWithinBudget(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{IPRate: 100, IPBurst: 100})

	for i := 0; i < 10; i++ {
		assert.True(t, crl.Allow("203.0.113.7"))
	}
}

func TestPerIPLimitIsolatesClients(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{IPRate: 1, IPBurst: 2})

	require.True(t, crl.Allow("203.0.113.7"))
	require.True(t, crl.Allow("203.0.113.7"))
	assert.False(t, crl.Allow("203.0.113.7"), "burst exhausted")
	assert.True(t, crl.Allow("203.0.113.8"), "other clients keep their own budget")
}

func TestGlobalLimitCapsDistinctClients(t *testing.T) {
	// The global bucket is twenty times the per-IP one, so burst 1 leaves
	// twenty tokens for everyone combined.
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{IPRate: 1, IPBurst: 1})

	granted := 0
	for i := 0; i < 21; i++ {
		if crl.Allow(fmt.Sprintf("198.51.100.%d", i)) {
			granted++
		}
	}
	assert.LessOrEqual(t, granted, 20, "distinct IPs must not exceed the global budget")
}

func TestCleanupEvictsIdleBuckets(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{IPRate: 1, IPBurst: 1, IPTTL: time.Millisecond})

	crl.Allow("203.0.113.7")
	require.Equal(t, 1, crl.TrackedIPs())

	time.Sleep(5 * time.Millisecond)
	crl.cleanup()
	assert.Zero(t, crl.TrackedIPs())
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	crl := newTestLimiter(t, ConnectionRateLimiterConfig{})

	assert.Equal(t, float64(50), crl.ipRate)
	assert.Equal(t, 100, crl.ipBurst)
	assert.Equal(t, 5*time.Minute, crl.ipTTL)
}
