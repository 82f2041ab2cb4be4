package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := newTestManager(t)
	h := NewHandler(m, nil, HandlerConfig{WriteWait: time.Second, PongWait: 5 * time.Second}, m.logger)
	gw := NewGateway(m, h)

	r := gin.New()
	gw.SetupRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return m, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestUpgradeAndConnectionStatus(t *testing.T) {
	m, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?user_id=user-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "connection_status", status["type"])
	assert.Equal(t, "connected", status["status"])

	connID, ok := status["connection_id"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(connID, "ws_"), "connection id %q", connID)
	assert.NotContains(t, status, "payload", "fields must live at the envelope root")
	assert.NotContains(t, status, "data")

	// The manager sees the connection under the resolved user.
	require.Eventually(t, func() bool {
		return m.IsConnectionActive("user-1")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{connID}, m.GetUserConnections("user-1"))
}

func TestUpgradeRejectsAnonymous(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserResolvedFromHeader(t *testing.T) {
	m, srv := newTestServer(t)

	header := http.Header{"X-User-ID": []string{"header-user"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return m.IsConnectionActive("header-user")
	}, time.Second, 10*time.Millisecond)
}

func TestClientDisconnectRemovesConnection(t *testing.T) {
	m, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?user_id=user-1"), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.ConnectionCount() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return m.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnectionActive("user-1"))
}

func TestHealthEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	h := NewHandler(m, nil, HandlerConfig{}, m.logger)
	gw := NewGateway(m, h)
	gw.RegisterHealthReporter("always_down", healthFunc(func() bool { return false }))

	r := gin.New()
	gw.SetupRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

type healthFunc func() bool

func (f healthFunc) Healthy() bool { return f() }

// statusStub reports Healthy plus a structured snapshot.
type statusStub struct {
	healthy  bool
	snapshot any
}

func (s statusStub) Healthy() bool { return s.healthy }
func (s statusStub) Status() any   { return s.snapshot }

func TestHealthEndpointEmbedsSubsystemSnapshots(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	h := NewHandler(m, nil, HandlerConfig{}, m.logger)
	gw := NewGateway(m, h)
	gw.RegisterHealthReporter("bridge", statusStub{
		healthy: true,
		snapshot: map[string]any{
			"state":          "active",
			"uptime_seconds": 12.5,
		},
	})
	gw.RegisterHealthReporter("registry", statusStub{
		healthy: true,
		snapshot: map[string]any{
			"healthy": true,
			"metrics": map[string]any{"active_mappings": 3},
		},
	})
	gw.RegisterHealthReporter("plain", healthFunc(func() bool { return true }))

	r := gin.New()
	gw.SetupRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string                    `json:"status"`
		Subsystems map[string]map[string]any `json:"subsystems"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "active", body.Subsystems["bridge"]["state"])
	assert.Equal(t, 12.5, body.Subsystems["bridge"]["uptime_seconds"])
	assert.Equal(t, map[string]any{"active_mappings": float64(3)}, body.Subsystems["registry"]["metrics"])
	assert.Equal(t, map[string]any{"healthy": true}, body.Subsystems["plain"],
		"reporters without a snapshot still show plain liveness")
}
