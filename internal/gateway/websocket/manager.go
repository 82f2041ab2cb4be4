// Package websocket owns the set of live user-facing connections and the
// delivery path from the routing core to each client: pre-send lifecycle
// checks, safe serialization, bounded retry, per-user recovery queues, and
// strict send-after-close discipline.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
	"github.com/courierdev/courier/pkg/events"
)

// Envelope keys added to messages replayed from the recovery queue.
const (
	keyRecovered       = "recovered"
	keyOriginalFailure = "original_failure"
)

// Failure reasons recorded on queued envelopes.
const (
	reasonNoConnection   = "no_active_connection"
	reasonRetryExhausted = "retry_exhausted"
	reasonRecoveryResend = "recovery_resend_failed"
)

// ManagerConfig holds the connection manager's tunables.
type ManagerConfig struct {
	// MaxFailedQueue caps the per-user recovery queue; oldest entries are
	// dropped on overflow.
	MaxFailedQueue int
	// SendRetries bounds transient-error retries per send call chain.
	SendRetries int
	// RetryBaseDelay is the unit of the exponential backoff (delay·2ⁿ).
	RetryBaseDelay time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxFailedQueue: 10,
		SendRetries:    3,
		RetryBaseDelay: 100 * time.Millisecond,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.MaxFailedQueue == 0 {
		c.MaxFailedQueue = d.MaxFailedQueue
	}
	if c.SendRetries <= 0 {
		c.SendRetries = d.SendRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Manager is the per-process registry of active client connections keyed by
// user. Connections are owned exclusively by the manager once added.
type Manager struct {
	cfg    ManagerConfig
	logger *logger.Logger

	connMu sync.RWMutex
	conns  map[string]*Connection

	userMu    sync.RWMutex
	userConns map[string]map[string]struct{}

	failedMu sync.Mutex
	failed   map[string]*failedQueue

	statsMu           sync.Mutex
	errorStats        map[string]map[string]int64 // userID -> kind -> count
	criticalEmitted   int64
	recoveredSent     int64
	droppedRecoveries int64
}

// NewManager creates a connection manager.
func NewManager(cfg ManagerConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		logger:     log.WithFields(zap.String("component", "connection_manager")),
		conns:      make(map[string]*Connection),
		userConns:  make(map[string]map[string]struct{}),
		failed:     make(map[string]*failedQueue),
		errorStats: make(map[string]map[string]int64),
	}
}

// AddConnection registers a connection in both indices. Adding the same id
// twice is idempotent on identity and only refreshes the activity timestamp.
// When this is the first live connection for a user with queued failed
// deliveries, the queue is drained to it in FIFO order before returning, so
// recovered messages precede any new event.
func (m *Manager) AddConnection(ctx context.Context, conn *Connection) {
	m.connMu.Lock()
	if existing, ok := m.conns[conn.ID]; ok {
		m.connMu.Unlock()
		existing.Touch()
		return
	}
	m.conns[conn.ID] = conn
	m.connMu.Unlock()

	m.userMu.Lock()
	set, ok := m.userConns[conn.UserID]
	if !ok {
		set = make(map[string]struct{})
		m.userConns[conn.UserID] = set
	}
	first := len(set) == 0
	set[conn.ID] = struct{}{}
	m.userMu.Unlock()

	m.logger.Debug("connection added",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID),
		zap.Bool("first_for_user", first))

	if first {
		m.drainFailedDeliveries(ctx, conn)
	}
}

// RemoveConnection takes a connection out of both indices and closes its
// transport. Safe to call for an unknown id and tolerant of a transport
// that is already closed.
func (m *Manager) RemoveConnection(ctx context.Context, connectionID string) {
	m.connMu.Lock()
	conn, ok := m.conns[connectionID]
	if ok {
		delete(m.conns, connectionID)
	}
	m.connMu.Unlock()
	if !ok {
		return
	}

	m.userMu.Lock()
	if set, ok := m.userConns[conn.UserID]; ok {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(m.userConns, conn.UserID)
		}
	}
	m.userMu.Unlock()

	conn.finishClose(0, "connection removed")

	m.logger.Debug("connection removed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", conn.UserID))
}

// SendMessage delivers one envelope to a single connection. Returns false
// without attempting a send when the connection is missing or closing.
// Transient transport errors are retried with exponential backoff; after the
// retries are exhausted the envelope is promoted to the user's recovery
// queue. Closed-class errors mark the connection closing and fail fast.
func (m *Manager) SendMessage(ctx context.Context, connectionID string, env events.Envelope) bool {
	m.connMu.RLock()
	conn, ok := m.conns[connectionID]
	m.connMu.RUnlock()
	if !ok {
		return false
	}
	delivered, _ := m.sendOn(ctx, conn, env)
	return delivered
}

// sendOn runs one classified send attempt chain against a connection and
// reports whether the envelope was delivered, and whether it ended up in
// the user's recovery queue.
func (m *Manager) sendOn(ctx context.Context, conn *Connection, env events.Envelope) (delivered, queued bool) {
	if conn.IsClosing() {
		return false, false
	}

	err := m.sendWithRetry(ctx, conn, env)
	if err == nil {
		return true, false
	}

	var encErr *EncodingError
	switch {
	case errors.As(err, &encErr):
		// The sink rejects this payload's structure; the connection is
		// not trustworthy for further structured sends.
		m.recordError(conn.UserID, "payload_encoding")
		conn.beginClose()
		m.logger.Error("unencodable payload abandoned",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
	case IsClosedError(err):
		m.recordError(conn.UserID, "connection_closed")
	case IsTransientError(err):
		m.recordError(conn.UserID, "websocket_update")
		m.enqueueFailed(conn.UserID, env, reasonRetryExhausted)
		queued = true
	default:
		m.recordError(conn.UserID, "send_failed")
		m.logger.Warn("send abandoned on unexpected error",
			zap.String("connection_id", conn.ID),
			zap.Error(err))
	}
	return false, queued
}

// sendWithRetry performs the bounded retry loop. Transient errors back off
// doubling from the base delay; anything else returns immediately.
func (m *Manager) sendWithRetry(ctx context.Context, conn *Connection, env events.Envelope) error {
	err := conn.send(ctx, env)
	if err == nil || !IsTransientError(err) {
		return err
	}

	for attempt := 1; attempt <= m.cfg.SendRetries; attempt++ {
		delay := m.cfg.RetryBaseDelay * (1 << (attempt - 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		err = conn.send(ctx, env)
		if err == nil || !IsTransientError(err) {
			return err
		}
		m.logger.Debug("transient send failure",
			zap.String("connection_id", conn.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return err
}

// SendToUser fans one envelope out to every live connection of a user.
// Returns true iff at least one connection accepted it. With zero sendable
// connections the envelope is queued for recovery and false is returned.
func (m *Manager) SendToUser(ctx context.Context, userID string, env events.Envelope) bool {
	delivered, _ := m.deliverToUser(ctx, userID, env)
	return delivered
}

// deliverToUser is the fan-out core shared by SendToUser and
// EmitCriticalEvent. Connections already in Closing or Closed state are not
// sendable and do not count as targets; a user whose every connection is
// draining takes the same recovery path as a user with none.
func (m *Manager) deliverToUser(ctx context.Context, userID string, env events.Envelope) (delivered, queued bool) {
	connIDs := m.GetUserConnections(userID)

	var live []*Connection
	m.connMu.RLock()
	for _, id := range connIDs {
		if conn, ok := m.conns[id]; ok && !conn.IsClosing() {
			live = append(live, conn)
		}
	}
	m.connMu.RUnlock()

	if len(live) == 0 {
		m.enqueueFailed(userID, env, reasonNoConnection)
		return false, true
	}

	for _, conn := range live {
		d, q := m.sendOn(ctx, conn, env)
		delivered = delivered || d
		queued = queued || q
	}
	return delivered, queued
}

// Broadcast sends an envelope to every connection currently safe to send
// on. Connections in Closing or Closed state are skipped; failures on
// individual connections are swallowed.
func (m *Manager) Broadcast(ctx context.Context, env events.Envelope) {
	m.connMu.RLock()
	snapshot := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		snapshot = append(snapshot, conn)
	}
	m.connMu.RUnlock()

	for _, conn := range snapshot {
		if conn.IsClosing() {
			continue
		}
		if err := conn.send(ctx, env); err != nil {
			m.logger.Debug("broadcast send skipped",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
}

// EmitCriticalEvent builds the envelope for eventType with the business
// fields at the root and delivers it to the user. Returns true iff at least
// one connection received the message or it was queued for recovery.
func (m *Manager) EmitCriticalEvent(ctx context.Context, userID string, eventType events.Type, data map[string]any) bool {
	env := events.New(eventType, data)
	if err := env.Validate(); err != nil {
		m.logger.Warn("emitting envelope with missing required fields",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}

	m.statsMu.Lock()
	m.criticalEmitted++
	m.statsMu.Unlock()

	// Queued counts as accepted because this envelope will replay on
	// reconnect.
	delivered, queued := m.deliverToUser(ctx, userID, env)
	return delivered || queued
}

// IsConnectionActive reports whether the user has at least one connection
// that sends may target.
func (m *Manager) IsConnectionActive(userID string) bool {
	for _, id := range m.GetUserConnections(userID) {
		m.connMu.RLock()
		conn, ok := m.conns[id]
		m.connMu.RUnlock()
		if ok && !conn.IsClosing() {
			return true
		}
	}
	return false
}

// GetUserConnections returns the connection ids registered for a user.
func (m *Manager) GetUserConnections(userID string) []string {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	set := m.userConns[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// GetConnection returns the connection with the given id.
func (m *Manager) GetConnection(connectionID string) (*Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connectionID]
	return conn, ok
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

// Shutdown closes every connection and clears the indices.
func (m *Manager) Shutdown(ctx context.Context) {
	m.connMu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.connMu.Unlock()

	m.userMu.Lock()
	m.userConns = make(map[string]map[string]struct{})
	m.userMu.Unlock()

	for _, conn := range conns {
		conn.finishClose(0, "server shutting down")
	}
	m.logger.Info("connection manager shut down", zap.Int("closed_connections", len(conns)))
}

// enqueueFailed records an undelivered envelope in the user's bounded
// recovery queue.
func (m *Manager) enqueueFailed(userID string, env events.Envelope, reason string) {
	m.failedMu.Lock()
	q, ok := m.failed[userID]
	if !ok {
		q = newFailedQueue(m.cfg.MaxFailedQueue)
		m.failed[userID] = q
	}
	dropped := q.push(env, reason)
	depth := q.len()
	m.failedMu.Unlock()

	if dropped {
		m.statsMu.Lock()
		m.droppedRecoveries++
		m.statsMu.Unlock()
	}
	m.logger.Debug("envelope queued for recovery",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Int("queue_depth", depth),
		zap.Bool("dropped_oldest", dropped))
}

// drainFailedDeliveries replays queued envelopes to a fresh connection in
// FIFO order, tagging each with recovered=true and the original failure
// reason. An envelope that fails again is re-enqueued only if the queue has
// free capacity; otherwise it is dropped and counted.
func (m *Manager) drainFailedDeliveries(ctx context.Context, conn *Connection) {
	m.failedMu.Lock()
	q, ok := m.failed[conn.UserID]
	if !ok || q.len() == 0 {
		m.failedMu.Unlock()
		return
	}
	pending := q.drain()
	m.failedMu.Unlock()

	recovered := 0
	for _, item := range pending {
		env := item.Envelope
		env[keyRecovered] = true
		env[keyOriginalFailure] = item.Reason

		if err := m.sendWithRetry(ctx, conn, env); err != nil {
			m.failedMu.Lock()
			if q.hasRoom() {
				q.push(env, reasonRecoveryResend)
				m.failedMu.Unlock()
			} else {
				m.failedMu.Unlock()
				m.statsMu.Lock()
				m.droppedRecoveries++
				m.statsMu.Unlock()
				m.logger.Warn("recovery envelope dropped",
					zap.String("user_id", conn.UserID),
					zap.String("connection_id", conn.ID))
			}
			continue
		}
		recovered++
	}

	m.statsMu.Lock()
	m.recoveredSent += int64(recovered)
	m.statsMu.Unlock()

	// A queue that drained clean releases its map entry so users that
	// reconnected long ago do not accumulate in the index.
	m.failedMu.Lock()
	if cur, ok := m.failed[conn.UserID]; ok && cur == q && q.len() == 0 {
		delete(m.failed, conn.UserID)
	}
	m.failedMu.Unlock()

	m.logger.Info("recovery queue drained",
		zap.String("user_id", conn.UserID),
		zap.String("connection_id", conn.ID),
		zap.Int("recovered", recovered),
		zap.Int("queued", len(pending)))
}

// recordError bumps the per-user counter for an error kind.
func (m *Manager) recordError(userID, kind string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	byKind, ok := m.errorStats[userID]
	if !ok {
		byKind = make(map[string]int64)
		m.errorStats[userID] = byKind
	}
	byKind[kind]++
}

// Stats is a snapshot of the manager's delivery counters.
type Stats struct {
	Connections       int                         `json:"connections"`
	Users             int                         `json:"users"`
	QueuedDeliveries  int                         `json:"queued_deliveries"`
	CriticalEmitted   int64                       `json:"critical_emitted"`
	RecoveredSent     int64                       `json:"recovered_sent"`
	DroppedRecoveries int64                       `json:"dropped_recoveries"`
	ErrorsByUser      map[string]map[string]int64 `json:"errors_by_user"`
}

// Stats returns current delivery counters.
func (m *Manager) Stats() Stats {
	m.userMu.RLock()
	users := len(m.userConns)
	m.userMu.RUnlock()

	m.failedMu.Lock()
	queued := 0
	for _, q := range m.failed {
		queued += q.len()
	}
	m.failedMu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	errs := make(map[string]map[string]int64, len(m.errorStats))
	for user, byKind := range m.errorStats {
		inner := make(map[string]int64, len(byKind))
		for k, v := range byKind {
			inner[k] = v
		}
		errs[user] = inner
	}

	return Stats{
		Connections:       m.ConnectionCount(),
		Users:             users,
		QueuedDeliveries:  queued,
		CriticalEmitted:   m.criticalEmitted,
		RecoveredSent:     m.recoveredSent,
		DroppedRecoveries: m.droppedRecoveries,
		ErrorsByUser:      errs,
	}
}
