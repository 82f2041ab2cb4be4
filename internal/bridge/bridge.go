// Package bridge connects the agent runtime to user-facing WebSocket
// delivery. It resolves run ids to threads, shapes run events into
// envelopes, and never lets a delivery problem propagate back into agent
// execution: every notify method returns a bool and cannot panic.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/internal/gateway/websocket"
	"github.com/courierdev/courier/internal/registry"
	"github.com/courierdev/courier/internal/tracing"
	"github.com/courierdev/courier/pkg/runid"
)

// State is the bridge lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateActive
	StateDegraded
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ThreadResolver is the orchestrator callback consulted when the registry
// has no mapping for a run.
type ThreadResolver func(ctx context.Context, runID string) (string, bool)

// Resolution sources, exposed for metrics and tests.
const (
	SourceRegistry     = "registry"
	SourceOrchestrator = "orchestrator"
	SourceRunID        = "run_id"
)

// Config holds the bridge tunables.
type Config struct {
	// InitTimeout bounds dependency verification during Initialize.
	InitTimeout time.Duration
	// HealthInterval is the background health check period.
	HealthInterval time.Duration
	// FailureThreshold is how many consecutive health failures flip the
	// bridge to Degraded.
	FailureThreshold int
	// RecoveryAttempts bounds recovery tries once Degraded.
	RecoveryAttempts int
	// RecoveryBaseWait and RecoveryMaxWait shape the recovery backoff.
	RecoveryBaseWait time.Duration
	RecoveryMaxWait  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InitTimeout:      10 * time.Second,
		HealthInterval:   30 * time.Second,
		FailureThreshold: 2,
		RecoveryAttempts: 3,
		RecoveryBaseWait: time.Second,
		RecoveryMaxWait:  10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = d.RecoveryAttempts
	}
	if c.RecoveryBaseWait <= 0 {
		c.RecoveryBaseWait = d.RecoveryBaseWait
	}
	if c.RecoveryMaxWait <= 0 {
		c.RecoveryMaxWait = d.RecoveryMaxWait
	}
	return c
}

// Bridge translates agent run events into WebSocket envelopes.
type Bridge struct {
	cfg      Config
	registry *registry.Registry
	manager  *websocket.Manager
	resolver ThreadResolver
	logger   *logger.Logger
	tracer   trace.Tracer

	mu            sync.Mutex
	state         State
	failures      int
	initializedAt time.Time

	stopOnce    sync.Once
	stopCh      chan struct{}
	monitorDone chan struct{}
}

// New creates a bridge in the Uninitialized state. The resolver may be nil
// when no orchestrator callback is available.
func New(cfg Config, reg *registry.Registry, mgr *websocket.Manager, resolver ThreadResolver, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:         cfg.withDefaults(),
		registry:    reg,
		manager:     mgr,
		resolver:    resolver,
		logger:      log.WithFields(zap.String("component", "agent_bridge")),
		tracer:      tracing.Tracer("courier.bridge"),
		stopCh:      make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize verifies the bridge's dependencies and starts the health
// monitor. Idempotent once Active; fails from Shutdown.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateActive, StateDegraded:
		b.mu.Unlock()
		return nil
	case StateShutdown:
		b.mu.Unlock()
		return fmt.Errorf("bridge is shut down")
	case StateInitializing:
		b.mu.Unlock()
		return fmt.Errorf("bridge initialization already in progress")
	}
	b.state = StateInitializing
	b.mu.Unlock()

	vctx, cancel := context.WithTimeout(ctx, b.cfg.InitTimeout)
	defer cancel()

	if err := b.verifyDependencies(vctx); err != nil {
		b.mu.Lock()
		b.state = StateUninitialized
		b.mu.Unlock()
		return fmt.Errorf("bridge initialization failed: %w", err)
	}

	b.mu.Lock()
	b.state = StateActive
	b.failures = 0
	b.initializedAt = time.Now()
	b.mu.Unlock()

	go b.monitor()

	b.logger.Info("bridge initialized",
		zap.Duration("health_interval", b.cfg.HealthInterval))
	return nil
}

func (b *Bridge) verifyDependencies(ctx context.Context) error {
	if b.registry == nil {
		return fmt.Errorf("registry not wired")
	}
	if b.manager == nil {
		return fmt.Errorf("connection manager not wired")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.registry.Healthy() {
		return fmt.Errorf("registry unhealthy")
	}
	return nil
}

// ResolveThreadID maps a run id to its thread. Sources are consulted in
// priority order: live registry mapping, orchestrator callback, then
// structural extraction from the run id itself.
func (b *Bridge) ResolveThreadID(ctx context.Context, runID string) (string, string, bool) {
	ctx, span := b.tracer.Start(ctx, "bridge.resolve_thread")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	if threadID, ok := b.registry.GetThread(runID); ok {
		span.SetAttributes(attribute.String("resolve.source", SourceRegistry))
		return threadID, SourceRegistry, true
	}
	if b.resolver != nil {
		if threadID, ok := b.resolver(ctx, runID); ok && threadID != "" {
			span.SetAttributes(attribute.String("resolve.source", SourceOrchestrator))
			return threadID, SourceOrchestrator, true
		}
	}
	if threadID, ok := runid.ExtractThreadID(runID); ok {
		span.SetAttributes(attribute.String("resolve.source", SourceRunID))
		return threadID, SourceRunID, true
	}

	span.SetAttributes(attribute.String("resolve.source", "none"))
	return "", "", false
}

// HealthCheck probes the bridge's dependencies. Used by the monitor and
// exposed on the health endpoint.
func (b *Bridge) HealthCheck() bool {
	st := b.State()
	if st != StateActive && st != StateDegraded {
		return false
	}
	return b.registry != nil && b.registry.Healthy() && b.manager != nil
}

// Healthy implements the gateway's HealthReporter.
func (b *Bridge) Healthy() bool {
	return b.State() == StateActive
}

// Status is the structured snapshot served on the health endpoint.
type Status struct {
	State                    string  `json:"state"`
	ConnectionManagerHealthy bool    `json:"connection_manager_healthy"`
	RegistryHealthy          bool    `json:"registry_healthy"`
	UptimeSeconds            float64 `json:"uptime_seconds"`
	Healthy                  bool    `json:"healthy"`
}

// Status reports the lifecycle state with per-dependency health and
// uptime since the bridge last initialized.
func (b *Bridge) Status() any {
	b.mu.Lock()
	state := b.state
	initializedAt := b.initializedAt
	b.mu.Unlock()

	var uptime float64
	if !initializedAt.IsZero() && state != StateShutdown {
		uptime = time.Since(initializedAt).Seconds()
	}
	return Status{
		State:                    state.String(),
		ConnectionManagerHealthy: b.manager != nil,
		RegistryHealthy:          b.registry != nil && b.registry.Healthy(),
		UptimeSeconds:            uptime,
		Healthy:                  state == StateActive,
	}
}

// Shutdown stops the monitor and refuses further notifications.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	prev := b.state
	b.state = StateShutdown
	b.mu.Unlock()

	b.stopOnce.Do(func() { close(b.stopCh) })

	if prev == StateActive || prev == StateDegraded {
		select {
		case <-b.monitorDone:
		case <-ctx.Done():
			b.logger.Warn("bridge monitor did not stop before deadline")
		}
	}
	b.logger.Info("bridge shut down", zap.String("previous_state", prev.String()))
}

// monitor runs the periodic health check. FailureThreshold consecutive
// failures flip the bridge to Degraded; it then attempts bounded recovery
// with exponential backoff and returns to Active on success.
func (b *Bridge) monitor() {
	defer close(b.monitorDone)

	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
		}

		if b.HealthCheck() {
			b.mu.Lock()
			if b.state == StateDegraded {
				b.state = StateActive
				b.logger.Info("bridge recovered to active")
			}
			b.failures = 0
			b.mu.Unlock()
			continue
		}

		b.mu.Lock()
		if b.state == StateShutdown {
			b.mu.Unlock()
			return
		}
		b.failures++
		failures := b.failures
		degraded := false
		if failures >= b.cfg.FailureThreshold && b.state == StateActive {
			b.state = StateDegraded
			degraded = true
		}
		b.mu.Unlock()

		b.logger.Warn("bridge health check failed",
			zap.Int("consecutive_failures", failures))
		if degraded {
			b.logger.Error("bridge degraded, attempting recovery")
			b.attemptRecovery()
		}
	}
}

// attemptRecovery retries dependency verification with exponential backoff
// capped at RecoveryMaxWait. Gives up after RecoveryAttempts and leaves the
// bridge Degraded.
func (b *Bridge) attemptRecovery() {
	wait := b.cfg.RecoveryBaseWait
	for attempt := 1; attempt <= b.cfg.RecoveryAttempts; attempt++ {
		select {
		case <-b.stopCh:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.InitTimeout)
		err := b.verifyDependencies(ctx)
		cancel()
		if err == nil {
			b.mu.Lock()
			if b.state == StateDegraded {
				b.state = StateActive
			}
			b.failures = 0
			b.mu.Unlock()
			b.logger.Info("bridge recovery succeeded", zap.Int("attempt", attempt))
			return
		}

		b.logger.Warn("bridge recovery attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		wait *= 2
		if wait > b.cfg.RecoveryMaxWait {
			wait = b.cfg.RecoveryMaxWait
		}
	}
	b.logger.Error("bridge recovery exhausted, staying degraded")
}
