package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthReporter is implemented by subsystems that can vouch for their own
// liveness on the health endpoint.
type HealthReporter interface {
	Healthy() bool
}

// StatusReporter is optionally implemented by subsystems that can serve a
// structured snapshot on the health endpoint instead of a bare bool.
type StatusReporter interface {
	Status() any
}

// Gateway ties the upgrade handler and the health endpoint into a router.
type Gateway struct {
	manager   *Manager
	handler   *Handler
	reporters map[string]HealthReporter
}

// NewGateway wires the manager and handler for route registration.
func NewGateway(manager *Manager, handler *Handler) *Gateway {
	return &Gateway{
		manager:   manager,
		handler:   handler,
		reporters: make(map[string]HealthReporter),
	}
}

// RegisterHealthReporter adds a named subsystem to the health endpoint.
func (g *Gateway) RegisterHealthReporter(name string, r HealthReporter) {
	g.reporters[name] = r
}

// SetupRoutes registers the WebSocket and health endpoints.
func (g *Gateway) SetupRoutes(r gin.IRouter) {
	r.GET("/ws", g.handler.HandleUpgrade)
	r.GET("/healthz", g.handleHealth)
}

// SetupDebugRoutes exposes routing internals. Only register these when the
// debug flag is set in configuration.
func (g *Gateway) SetupDebugRoutes(r gin.IRouter, registrySnapshot func() any) {
	r.GET("/debug/registry", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mappings": registrySnapshot(),
			"delivery": g.manager.Stats(),
		})
	})
}

func (g *Gateway) handleHealth(c *gin.Context) {
	subsystems := make(map[string]any, len(g.reporters))
	healthy := true
	for name, rep := range g.reporters {
		ok := rep.Healthy()
		healthy = healthy && ok
		if sr, has := rep.(StatusReporter); has {
			subsystems[name] = sr.Status()
		} else {
			subsystems[name] = gin.H{"healthy": ok}
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":      state,
		"connections": g.manager.ConnectionCount(),
		"subsystems":  subsystems,
	})
}
