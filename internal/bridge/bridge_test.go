package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/internal/gateway/websocket"
	"github.com/courierdev/courier/internal/registry"
	"github.com/courierdev/courier/pkg/events"
	"github.com/courierdev/courier/pkg/runid"
)

// recordingSink captures delivered envelopes for assertions.
type recordingSink struct {
	mu   sync.Mutex
	sent []events.Envelope
}

func (s *recordingSink) SendJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if env, ok := v.(events.Envelope); ok {
		s.sent = append(s.sent, env)
	}
	return nil
}

func (s *recordingSink) Close(code int, reason string) error { return nil }
func (s *recordingSink) State() websocket.SinkState          { return websocket.SinkConnected }

func (s *recordingSink) delivered() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

type fixture struct {
	registry *registry.Registry
	manager  *websocket.Manager
	bridge   *Bridge
	sink     *recordingSink
}

func newFixture(t *testing.T, resolver ThreadResolver) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	reg := registry.New(registry.Config{}, log)
	t.Cleanup(reg.Shutdown)

	mgr := websocket.NewManager(websocket.ManagerConfig{RetryBaseDelay: time.Millisecond}, log)

	b := New(Config{HealthInterval: time.Hour}, reg, mgr, resolver, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})

	sink := &recordingSink{}
	conn := websocket.NewConnection("ws_test", "user-1", sink)
	conn.MarkReady()
	mgr.AddConnection(context.Background(), conn)

	return &fixture{registry: reg, manager: mgr, bridge: b, sink: sink}
}

func TestLifecycleStates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, f.bridge.State())
	assert.False(t, f.bridge.NotifyProgress(ctx, "user-1", "run", 10, ""),
		"notifications before initialization must fail, not panic")

	require.NoError(t, f.bridge.Initialize(ctx))
	assert.Equal(t, StateActive, f.bridge.State())
	assert.True(t, f.bridge.Healthy())

	// Idempotent once active.
	require.NoError(t, f.bridge.Initialize(ctx))

	f.bridge.Shutdown(ctx)
	assert.Equal(t, StateShutdown, f.bridge.State())
	assert.False(t, f.bridge.NotifyProgress(ctx, "user-1", "run", 50, ""))
	assert.Error(t, f.bridge.Initialize(ctx))
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, ok := f.bridge.Status().(Status)
	require.True(t, ok)
	assert.Equal(t, "uninitialized", st.State)
	assert.False(t, st.Healthy)
	assert.Zero(t, st.UptimeSeconds, "no uptime before initialization")

	require.NoError(t, f.bridge.Initialize(ctx))
	time.Sleep(5 * time.Millisecond)

	st = f.bridge.Status().(Status)
	assert.Equal(t, "active", st.State)
	assert.True(t, st.Healthy)
	assert.True(t, st.ConnectionManagerHealthy)
	assert.True(t, st.RegistryHealthy)
	assert.Greater(t, st.UptimeSeconds, 0.0)

	f.bridge.Shutdown(ctx)
	st = f.bridge.Status().(Status)
	assert.Equal(t, "shutdown", st.State)
	assert.False(t, st.Healthy)
	assert.Zero(t, st.UptimeSeconds)
}

func TestInitializeFailsWithoutRegistry(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	mgr := websocket.NewManager(websocket.ManagerConfig{}, log)

	b := New(Config{}, nil, mgr, nil, log)
	assert.Error(t, b.Initialize(context.Background()))
	assert.Equal(t, StateUninitialized, b.State())
}

func TestResolveThreadIDPriority(t *testing.T) {
	ctx := context.Background()

	t.Run("registry wins", func(t *testing.T) {
		resolver := func(ctx context.Context, runID string) (string, bool) {
			return "from-orchestrator", true
		}
		f := newFixture(t, resolver)
		require.NoError(t, f.bridge.Initialize(ctx))

		rid, err := runid.Generate("thread-a")
		require.NoError(t, err)
		require.True(t, f.registry.Register(rid, "thread-registry", nil))

		threadID, source, ok := f.bridge.ResolveThreadID(ctx, rid)
		require.True(t, ok)
		assert.Equal(t, "thread-registry", threadID)
		assert.Equal(t, SourceRegistry, source)
	})

	t.Run("orchestrator before extraction", func(t *testing.T) {
		resolver := func(ctx context.Context, runID string) (string, bool) {
			return "from-orchestrator", true
		}
		f := newFixture(t, resolver)
		require.NoError(t, f.bridge.Initialize(ctx))

		rid, err := runid.Generate("thread-a")
		require.NoError(t, err)

		threadID, source, ok := f.bridge.ResolveThreadID(ctx, rid)
		require.True(t, ok)
		assert.Equal(t, "from-orchestrator", threadID)
		assert.Equal(t, SourceOrchestrator, source)
	})

	t.Run("extraction as last resort", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.bridge.Initialize(ctx))

		rid, err := runid.Generate("thread-a")
		require.NoError(t, err)

		threadID, source, ok := f.bridge.ResolveThreadID(ctx, rid)
		require.True(t, ok)
		assert.Equal(t, "thread-a", threadID)
		assert.Equal(t, SourceRunID, source)
	})

	t.Run("nothing resolves", func(t *testing.T) {
		f := newFixture(t, nil)
		require.NoError(t, f.bridge.Initialize(ctx))

		_, _, ok := f.bridge.ResolveThreadID(ctx, "legacy-opaque-id")
		assert.False(t, ok)
	})
}

func TestNotifyAttachesRoutingFields(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Initialize(ctx))

	rid, err := runid.Generate("thread-a")
	require.NoError(t, err)
	require.True(t, f.registry.Register(rid, "thread-a", nil))

	require.True(t, f.bridge.NotifyAgentStarted(ctx, "user-1", rid, map[string]any{"agent_name": "coder"}))

	got := f.sink.delivered()
	require.Len(t, got, 1)
	env := got[0]
	assert.Equal(t, string(events.TypeAgentStarted), env["type"])
	assert.Equal(t, rid, env["run_id"])
	assert.Equal(t, "thread-a", env["thread_id"])
	assert.Equal(t, "user-1", env["user_id"])
	assert.Equal(t, "coder", env["agent_name"])
	assert.Equal(t, true, env["critical"])
	assert.NotContains(t, env, "data")
	assert.NotContains(t, env, "payload")
}

func TestNotifyNeverPanics(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	reg := registry.New(registry.Config{}, log)
	t.Cleanup(reg.Shutdown)

	b := New(Config{HealthInterval: time.Hour}, reg, websocket.NewManager(websocket.ManagerConfig{}, log), nil, log)
	require.NoError(t, b.Initialize(context.Background()))

	assert.NotPanics(t, func() {
		// A nil data map would blow up on the routing-field writes
		// without the recover guard.
		ok := b.notify(context.Background(), "user-1", "run", events.TypeProgressUpdate, nil)
		assert.False(t, ok)
	})
}

func TestNotifyQueuesForOfflineUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Initialize(ctx))

	rid, err := runid.Generate("thread-a")
	require.NoError(t, err)

	ok := f.bridge.NotifyAgentCompleted(ctx, "offline-user", rid, "completed", "all done")
	assert.True(t, ok, "queued for recovery counts as accepted")
	assert.Equal(t, 1, f.manager.Stats().QueuedDeliveries)
}

func TestHealthMonitorDegradesAndStays(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	reg := registry.New(registry.Config{}, log)
	mgr := websocket.NewManager(websocket.ManagerConfig{}, log)

	b := New(Config{
		HealthInterval:   10 * time.Millisecond,
		FailureThreshold: 2,
		RecoveryAttempts: 2,
		RecoveryBaseWait: time.Millisecond,
		RecoveryMaxWait:  5 * time.Millisecond,
	}, reg, mgr, nil, log)
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Shutdown(ctx)
	})

	// Kill the dependency; the monitor needs two consecutive failures.
	reg.Shutdown()
	require.Eventually(t, func() bool {
		return b.State() == StateDegraded
	}, 2*time.Second, 5*time.Millisecond)

	// Recovery cannot succeed against a dead registry.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDegraded, b.State())
	assert.False(t, b.Healthy())
	assert.True(t, b.HealthCheck() == false)
}

func TestRunEventFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Initialize(ctx))

	rid, err := runid.Generate("thread-chat-42")
	require.NoError(t, err)
	require.True(t, f.registry.Register(rid, "thread-chat-42", nil))

	const user = "user-1"
	require.True(t, f.bridge.NotifyAgentStarted(ctx, user, rid, map[string]any{"agent_name": "coder"}))
	require.True(t, f.bridge.NotifyAgentThinking(ctx, user, rid, "coder", "planning the change"))
	require.True(t, f.bridge.NotifyToolExecuting(ctx, user, rid, "file_search", "ex-1", map[string]any{"query": "main"}))
	require.True(t, f.bridge.NotifyToolCompleted(ctx, user, rid, "file_search", []string{"main.go"}, 0.42))
	require.True(t, f.bridge.NotifyAgentCompleted(ctx, user, rid, "completed", "done"))

	got := f.sink.delivered()
	require.Len(t, got, 5)

	wantOrder := []events.Type{
		events.TypeAgentStarted,
		events.TypeAgentThinking,
		events.TypeToolExecuting,
		events.TypeToolCompleted,
		events.TypeAgentCompleted,
	}
	var prev time.Time
	for i, env := range got {
		assert.Equal(t, string(wantOrder[i]), env["type"], "event %d out of order", i)
		assert.Equal(t, rid, env["run_id"])
		assert.Equal(t, "thread-chat-42", env["thread_id"])
		assert.Equal(t, user, env["user_id"], "event %d must carry the user at the root", i)
		assert.Equal(t, true, env["critical"])
		require.NoError(t, env.Validate())

		ts, err := time.Parse(time.RFC3339Nano, env["timestamp"].(string))
		require.NoError(t, err)
		assert.False(t, ts.Before(prev), "timestamps must be monotonic")
		prev = ts
	}
}

func TestNotifyErrorAndProgress(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Initialize(ctx))

	rid, err := runid.Generate("thread-a")
	require.NoError(t, err)

	require.True(t, f.bridge.NotifyProgress(ctx, "user-1", rid, 75.0, "almost there"))
	require.True(t, f.bridge.NotifyError(ctx, "user-1", rid, "tool_timeout", "file_search timed out"))

	got := f.sink.delivered()
	require.Len(t, got, 2)
	assert.Equal(t, 75.0, got[0]["progress"])
	assert.Equal(t, false, got[0]["critical"])
	assert.Equal(t, "user-1", got[0]["user_id"])
	assert.Equal(t, "tool_timeout", got[1]["error_code"])
	assert.Equal(t, "file_search timed out", got[1]["message"])
	assert.Equal(t, "user-1", got[1]["user_id"])
}

func TestConcurrentNotifications(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.bridge.Initialize(ctx))

	rid, err := runid.Generate("thread-a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.True(t, f.bridge.NotifyProgress(ctx, "user-1", rid, float64(n), fmt.Sprintf("step %d", n)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.sink.delivered(), 20)
}
