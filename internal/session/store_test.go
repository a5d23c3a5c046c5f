package session

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SloMR/pastepoint/internal/monitoring"
)

type fakeCleaner struct {
	mu      sync.Mutex
	cleaned []string
}

func (f *fakeCleaner) CleanupSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, id)
}

func (f *fakeCleaner) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func newTestStore(t *testing.T, expiration time.Duration) (*Store, *fakeCleaner) {
	t.Helper()
	cleaner := &fakeCleaner{}
	return NewStore(cleaner, expiration, monitoring.NewMetrics(), zerolog.Nop()), cleaner
}

func TestResolveCreatesAndReusesPublicSession(t *testing.T) {
	store, _ := newTestStore(t, DefaultExpiration)

	first, err := store.Resolve("example.com:10.0.0.1", false, false)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.Resolve("example.com:10.0.0.1", false, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := store.Resolve("example.com:10.0.0.2", false, false)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestResolveStrictUnknownKey(t *testing.T) {
	store, _ := newTestStore(t, DefaultExpiration)

	_, err := store.Resolve("NOSUCHCODE", true, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseRemovesPublicSessionAtZero(t *testing.T) {
	store, cleaner := newTestStore(t, DefaultExpiration)

	id, err := store.Resolve("example.com:10.0.0.1", false, false)
	require.NoError(t, err)
	_, err = store.Resolve("example.com:10.0.0.1", false, false)
	require.NoError(t, err)

	store.Release(id)
	assert.Empty(t, cleaner.sessions(), "session still referenced")

	store.Release(id)
	assert.Equal(t, []string{id}, cleaner.sessions())

	fresh, err := store.Resolve("example.com:10.0.0.1", false, false)
	require.NoError(t, err)
	assert.NotEqual(t, id, fresh, "public key must map to a new session after removal")
}

func TestReleaseUnknownSessionIsNoop(t *testing.T) {
	store, cleaner := newTestStore(t, DefaultExpiration)
	store.Release("never-seen")
	assert.Empty(t, cleaner.sessions())
}

func TestCreatePrivateCodeStartsUnreferenced(t *testing.T) {
	store, _ := newTestStore(t, DefaultExpiration)

	code, err := store.CreatePrivateCode()
	require.NoError(t, err)
	assert.Len(t, code, CodeLength)

	id, err := store.Resolve(code, true, true)
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestPrivateSessionExpiresAfterGracePeriod(t *testing.T) {
	// Polling with Resolve would cancel the grace timer, so expiry is
	// observed through the counter instead.
	metrics := monitoring.NewMetrics()
	cleaner := &fakeCleaner{}
	store := NewStore(cleaner, 20*time.Millisecond, metrics, zerolog.Nop())

	code, err := store.CreatePrivateCode()
	require.NoError(t, err)
	id, err := store.Resolve(code, true, true)
	require.NoError(t, err)

	store.Release(id)
	assert.Equal(t, []string{id}, cleaner.sessions())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ExpiredCodes) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err = store.Resolve(code, true, true)
	assert.ErrorIs(t, err, ErrExpired)

	// Expired codes stay dead even for non-strict resolves.
	_, err = store.Resolve(code, false, true)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestGraceTimerFiresDuringRelease(t *testing.T) {
	// An immediate grace period makes each timer fire while Release is still
	// arming it, the tightest schedule-versus-fire interleaving. Every fired
	// timer must still retire its own code.
	metrics := monitoring.NewMetrics()
	store := NewStore(nil, time.Nanosecond, metrics, zerolog.Nop())

	const cycles = 25
	var last string
	for i := 0; i < cycles; i++ {
		code, err := store.CreatePrivateCode()
		require.NoError(t, err)
		id, err := store.Resolve(code, true, true)
		require.NoError(t, err)
		store.Release(id)
		last = code
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ExpiredCodes) == cycles
	}, 2*time.Second, 5*time.Millisecond, "every armed timer must retire its code")

	_, err := store.Resolve(last, true, true)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestPrivateSessionSurvivesReconnectWithinGrace(t *testing.T) {
	store, _ := newTestStore(t, 50*time.Millisecond)

	code, err := store.CreatePrivateCode()
	require.NoError(t, err)
	id, err := store.Resolve(code, true, true)
	require.NoError(t, err)

	store.Release(id)

	again, err := store.Resolve(code, true, true)
	require.NoError(t, err)
	assert.Equal(t, id, again, "reconnect within grace keeps the session")

	// The cancelled timer must not fire later and kill the session.
	time.Sleep(120 * time.Millisecond)
	_, err = store.Resolve(code, true, true)
	assert.NoError(t, err)
}

func TestPrivateSessionRetainedWhileExpiring(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	code, err := store.CreatePrivateCode()
	require.NoError(t, err)
	id, err := store.Resolve(code, true, true)
	require.NoError(t, err)

	store.Release(id)

	again, err := store.Resolve(code, true, true)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestConcurrentResolveRelease(t *testing.T) {
	store, cleaner := newTestStore(t, DefaultExpiration)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := store.Resolve("example.com:10.0.0.9", false, false)
			if err != nil {
				t.Error(err)
				return
			}
			store.Release(id)
		}()
	}
	wg.Wait()

	assert.NotEmpty(t, cleaner.sessions())
}
