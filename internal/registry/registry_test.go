package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierdev/courier/internal/common/logger"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, logger.Default())
	t.Cleanup(r.Shutdown)
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.True(t, r.Register("rid_1", "thread_A", nil))

	threadID, ok := r.GetThread("rid_1")
	require.True(t, ok)
	assert.Equal(t, "thread_A", threadID)

	assert.ElementsMatch(t, []string{"rid_1"}, r.GetRuns("thread_A"))

	m := r.Metrics()
	assert.Equal(t, 1, m.ActiveMappings)
	assert.Equal(t, int64(1), m.TotalRegistrations)
	assert.Equal(t, int64(1), m.SuccessfulLookups)
	assert.Equal(t, 1.0, m.LookupSuccessRate)

	st, ok := r.Status().(Status)
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Equal(t, m.ActiveMappings, st.Metrics.ActiveMappings)
}

func TestRegisterRejectsInvalidArguments(t *testing.T) {
	r := newTestRegistry(t, Config{})

	assert.False(t, r.Register("", "thread_A", nil))
	assert.False(t, r.Register("rid_1", "", nil))
	assert.False(t, r.Register("rid_1", "bad_run_thread", nil))
	assert.Equal(t, 0, r.Metrics().ActiveMappings)
}

func TestReregisterMovesThread(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.Register("rid_1", "thread_B", nil))

	threadID, ok := r.GetThread("rid_1")
	require.True(t, ok)
	assert.Equal(t, "thread_B", threadID)

	// thread_A's reverse set drained, so the thread entry is gone.
	assert.Empty(t, r.GetRuns("thread_A"))
	assert.ElementsMatch(t, []string{"rid_1"}, r.GetRuns("thread_B"))
}

func TestUnregisterRun(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.Register("rid_2", "thread_A", nil))

	assert.True(t, r.UnregisterRun("rid_1"))
	assert.False(t, r.UnregisterRun("rid_1"), "second unregister is a miss")

	assert.ElementsMatch(t, []string{"rid_2"}, r.GetRuns("thread_A"))

	_, ok := r.GetThread("rid_1")
	assert.False(t, ok)
}

func TestTTLSweep(t *testing.T) {
	r := newTestRegistry(t, Config{MappingTTL: time.Second})

	require.True(t, r.Register("rid_1", "thread_A", nil))
	require.True(t, r.Register("rid_2", "thread_B", nil))
	require.True(t, r.Register("rid_3", "thread_C", nil))

	time.Sleep(1200 * time.Millisecond)

	// Registered inside the wait window: must survive the sweep.
	require.True(t, r.Register("rid_4", "thread_D", nil))

	time.Sleep(900 * time.Millisecond)

	removed := r.CleanupOldMappings()
	assert.Equal(t, 3, removed)

	for _, runID := range []string{"rid_1", "rid_2", "rid_3"} {
		_, ok := r.GetThread(runID)
		assert.False(t, ok, "expired mapping %s must not resolve", runID)
	}

	threadID, ok := r.GetThread("rid_4")
	require.True(t, ok)
	assert.Equal(t, "thread_D", threadID)
	assert.Equal(t, int64(3), r.Metrics().ExpiredMappingsCleaned)
}

func TestExpiredMappingNeverResolves(t *testing.T) {
	r := newTestRegistry(t, Config{MappingTTL: 50 * time.Millisecond})

	require.True(t, r.Register("rid_1", "thread_A", nil))
	time.Sleep(80 * time.Millisecond)

	_, ok := r.GetThread("rid_1")
	assert.False(t, ok, "expired mapping must miss even before the sweep runs")
	assert.Empty(t, r.GetRuns("thread_A"))
}

func TestLookupRefreshesTTL(t *testing.T) {
	r := newTestRegistry(t, Config{MappingTTL: 200 * time.Millisecond})

	require.True(t, r.Register("rid_1", "thread_A", nil))

	// Keep touching the mapping; the TTL is measured from last access.
	for range 4 {
		time.Sleep(100 * time.Millisecond)
		_, ok := r.GetThread("rid_1")
		require.True(t, ok)
	}
}

func TestCleanupToleratesCorruptedMapping(t *testing.T) {
	r := newTestRegistry(t, Config{})

	require.True(t, r.Register("rid_1", "thread_A", nil))
	r.mu.Lock()
	r.forward["rid_1"].LastAccessedAt = time.Time{}
	r.mu.Unlock()

	assert.NotPanics(t, func() {
		assert.Equal(t, 1, r.CleanupOldMappings())
	})
}

func TestShutdownIsGraceful(t *testing.T) {
	r := New(Config{}, logger.Default())
	r.Start()
	require.True(t, r.Register("rid_1", "thread_A", nil))

	r.Shutdown()

	assert.False(t, r.Register("rid_2", "thread_B", nil))
	_, ok := r.GetThread("rid_1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.CleanupOldMappings())
	assert.NotEmpty(t, r.Metrics().Error)
	assert.False(t, r.Healthy())

	// Double shutdown must be a no-op.
	assert.NotPanics(t, r.Shutdown)
}

func TestConcurrentRegistrations(t *testing.T) {
	r := newTestRegistry(t, Config{})

	const n = 1000
	start := time.Now()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, r.Register(fmt.Sprintf("rid_%d", i), fmt.Sprintf("thread_%d", i%50), nil))
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, n, r.Metrics().ActiveMappings)

	for i := range n {
		threadID, ok := r.GetThread(fmt.Sprintf("rid_%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("thread_%d", i%50), threadID)
	}
	assert.Equal(t, 1.0, r.Metrics().LookupSuccessRate)
}

func TestConcurrentMixedOperationsKeepIndicesConsistent(t *testing.T) {
	r := newTestRegistry(t, Config{})

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runID := fmt.Sprintf("rid_%d", i)
			threadID := fmt.Sprintf("thread_%d", i%10)
			r.Register(runID, threadID, nil)
			r.GetThread(runID)
			if i%3 == 0 {
				r.UnregisterRun(runID)
			}
		}()
	}
	wg.Wait()

	// Forward and reverse indices must agree exactly.
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, m := range r.forward {
		set, ok := r.reverse[m.ThreadID]
		require.True(t, ok, "thread %s missing from reverse index", m.ThreadID)
		_, ok = set[runID]
		require.True(t, ok, "run %s missing from its thread's reverse set", runID)
	}
	for threadID, set := range r.reverse {
		require.NotEmpty(t, set, "empty reverse set for %s must have been deleted", threadID)
		for runID := range set {
			m, ok := r.forward[runID]
			require.True(t, ok)
			require.Equal(t, threadID, m.ThreadID)
		}
	}
}

func TestLookupLatency(t *testing.T) {
	r := newTestRegistry(t, Config{})

	for i := range 1000 {
		require.True(t, r.Register(fmt.Sprintf("rid_%d", i), fmt.Sprintf("thread_%d", i), nil))
	}

	start := time.Now()
	const lookups = 1000
	for i := range lookups {
		r.GetThread(fmt.Sprintf("rid_%d", i))
	}
	avg := time.Since(start) / lookups
	assert.Less(t, avg, 10*time.Millisecond)
}

func TestDebugSnapshot(t *testing.T) {
	r := newTestRegistry(t, Config{MappingTTL: 50 * time.Millisecond})

	require.True(t, r.Register("rid_live", "thread_A", map[string]any{"source": "test"}))
	require.True(t, r.Register("rid_old", "thread_B", nil))
	r.mu.Lock()
	r.forward["rid_old"].LastAccessedAt = time.Now().Add(-time.Minute)
	r.mu.Unlock()

	snap := r.DebugSnapshot()
	require.Len(t, snap, 2)
	states := map[string]MappingState{}
	for _, m := range snap {
		states[m.RunID] = m.State
	}
	assert.Equal(t, MappingActive, states["rid_live"])
	assert.Equal(t, MappingExpired, states["rid_old"])
}
