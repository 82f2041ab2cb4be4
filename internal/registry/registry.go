// Package registry maintains the in-process bidirectional mapping between
// conversation threads and agent runs. It is the primary routing source for
// the bridge: run lookups hit the registry before any fallback is consulted.
//
// The registry is TTL-bounded: mappings expire a configurable duration after
// their last access and a background sweep reclaims them. All contents are
// in-memory and lost on restart; cross-restart authority belongs to the
// orchestrator when one is deployed.
package registry

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierdev/courier/internal/common/logger"
)

// reservedMarker must not appear in thread identifiers; it is the boundary
// token of the canonical run id format.
const reservedMarker = "_run_"

// shutdownJoinTimeout bounds how long Shutdown waits for the cleanup loop.
const shutdownJoinTimeout = 3 * time.Second

// MappingState tracks a mapping through its lifetime.
type MappingState string

const (
	MappingActive         MappingState = "active"
	MappingExpired        MappingState = "expired"
	MappingCleanupPending MappingState = "cleanup_pending"
)

// Mapping is one run-to-thread routing entry.
type Mapping struct {
	RunID          string         `json:"run_id"`
	ThreadID       string         `json:"thread_id"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int64          `json:"access_count"`
	State          MappingState   `json:"state"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Config holds the registry's tunables. Zero values fall back to defaults.
type Config struct {
	MappingTTL      time.Duration
	CleanupInterval time.Duration
	MaxMappings     int
	DebugLogging    bool
}

// DefaultConfig returns the production defaults: 24h TTL, 30m sweep,
// 10k soft capacity.
func DefaultConfig() Config {
	return Config{
		MappingTTL:      24 * time.Hour,
		CleanupInterval: 30 * time.Minute,
		MaxMappings:     10000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MappingTTL <= 0 {
		c.MappingTTL = d.MappingTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.MaxMappings <= 0 {
		c.MaxMappings = d.MaxMappings
	}
	return c
}

// Registry is the thread-safe thread<->run store. A single mutex guards both
// indices so readers never observe them torn.
type Registry struct {
	mu      sync.Mutex
	forward map[string]*Mapping            // runID -> mapping
	reverse map[string]map[string]struct{} // threadID -> set of runIDs

	cfg    Config
	logger *logger.Logger

	startedAt   time.Time
	lastCleanup time.Time

	totalRegistrations int64
	successfulLookups  int64
	failedLookups      int64
	expiredCleaned     int64

	shutdown  bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
	loopBegan bool
}

// New creates a registry. Call Start to launch the background sweep.
func New(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		forward:   make(map[string]*Mapping),
		reverse:   make(map[string]map[string]struct{}),
		cfg:       cfg.withDefaults(),
		logger:    log.WithFields(zap.String("component", "run_registry")),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
}

// Register inserts or replaces the mapping for runID. Re-registering an
// existing runID detaches it from its previous thread and resets CreatedAt.
// Returns false without mutating for empty ids or a thread containing the
// reserved "_run_" marker, and after shutdown.
func (r *Registry) Register(runID, threadID string, metadata map[string]any) bool {
	if runID == "" || threadID == "" || strings.Contains(threadID, reservedMarker) {
		r.logger.Warn("rejected invalid mapping registration",
			zap.String("run_id", runID),
			zap.String("thread_id", threadID))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return false
	}

	now := time.Now()
	if existing, ok := r.forward[runID]; ok && existing.ThreadID != threadID {
		r.detachLocked(runID, existing.ThreadID)
	}

	r.forward[runID] = &Mapping{
		RunID:          runID,
		ThreadID:       threadID,
		CreatedAt:      now,
		LastAccessedAt: now,
		State:          MappingActive,
		Metadata:       metadata,
	}
	set, ok := r.reverse[threadID]
	if !ok {
		set = make(map[string]struct{})
		r.reverse[threadID] = set
	}
	set[runID] = struct{}{}
	r.totalRegistrations++

	if r.cfg.DebugLogging {
		r.logger.Debug("registered mapping",
			zap.String("run_id", runID),
			zap.String("thread_id", threadID),
			zap.Int("active_mappings", len(r.forward)))
	}
	return true
}

// GetThread resolves runID to its thread. Expired mappings never satisfy a
// lookup. A hit refreshes LastAccessedAt and bumps the access count.
func (r *Registry) GetThread(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return "", false
	}

	m, ok := r.forward[runID]
	if !ok || r.expiredLocked(m, time.Now()) {
		r.failedLookups++
		if r.cfg.DebugLogging {
			r.logger.Debug("mapping lookup miss", zap.String("run_id", runID), zap.Bool("expired", ok))
		}
		return "", false
	}

	m.LastAccessedAt = time.Now()
	m.AccessCount++
	r.successfulLookups++
	return m.ThreadID, true
}

// GetRuns returns the non-expired run ids registered for threadID, without
// refreshing their access timestamps.
func (r *Registry) GetRuns(threadID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil
	}

	now := time.Now()
	var runs []string
	for runID := range r.reverse[threadID] {
		if m, ok := r.forward[runID]; ok && !r.expiredLocked(m, now) {
			runs = append(runs, runID)
		}
	}
	return runs
}

// UnregisterRun removes runID from both indices. Returns false on miss.
func (r *Registry) UnregisterRun(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return false
	}

	m, ok := r.forward[runID]
	if !ok {
		return false
	}
	delete(r.forward, runID)
	r.detachLocked(runID, m.ThreadID)
	return true
}

// CleanupOldMappings sweeps expired entries and returns the number removed.
// Mappings with corrupted timestamps are treated as expired.
func (r *Registry) CleanupOldMappings() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return 0
	}

	now := time.Now()
	removed := 0
	for runID, m := range r.forward {
		if m == nil || r.expiredLocked(m, now) {
			delete(r.forward, runID)
			if m != nil {
				r.detachLocked(runID, m.ThreadID)
			}
			removed++
		}
	}
	r.expiredCleaned += int64(removed)
	r.lastCleanup = now
	return removed
}

// expiredLocked reports whether m is past its TTL. A zero LastAccessedAt
// means the entry is corrupted and counts as expired.
func (r *Registry) expiredLocked(m *Mapping, now time.Time) bool {
	if m.LastAccessedAt.IsZero() {
		return true
	}
	return now.Sub(m.LastAccessedAt) > r.cfg.MappingTTL
}

// detachLocked removes runID from its thread's reverse set and deletes the
// thread entry when the set drains.
func (r *Registry) detachLocked(runID, threadID string) {
	if set, ok := r.reverse[threadID]; ok {
		delete(set, runID)
		if len(set) == 0 {
			delete(r.reverse, threadID)
		}
	}
}

// Start launches the background cleanup loop. It polls the stop signal at
// one-second granularity so shutdown stays responsive regardless of the
// sweep interval.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.shutdown || r.loopBegan {
		r.mu.Unlock()
		return
	}
	r.loopBegan = true
	r.mu.Unlock()

	go r.cleanupLoop()
}

func (r *Registry) cleanupLoop() {
	defer close(r.loopDone)

	r.logger.Info("registry cleanup loop started",
		zap.Duration("interval", r.cfg.CleanupInterval),
		zap.Duration("ttl", r.cfg.MappingTTL))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	next := time.Now().Add(r.cfg.CleanupInterval)
	for {
		select {
		case <-r.stopCh:
			r.logger.Info("registry cleanup loop stopped")
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			r.runSweep()
			next = time.Now().Add(r.cfg.CleanupInterval)
		}
	}
}

// runSweep performs one sweep cycle. A panic inside the sweep must not kill
// the loop; it is logged and followed by a short back-off.
func (r *Registry) runSweep() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("registry sweep panicked", zap.Any("panic", rec))
			time.Sleep(time.Second)
		}
	}()

	removed := r.CleanupOldMappings()
	if removed > 0 || r.cfg.DebugLogging {
		r.mu.Lock()
		active := len(r.forward)
		r.mu.Unlock()
		r.logger.Info("registry sweep completed",
			zap.Int("removed", removed),
			zap.Int("active_mappings", active))
	}
}

// Shutdown marks the registry shut down, stops the cleanup loop with a
// bounded join, and clears both indices. Subsequent operations fail
// gracefully; nothing panics.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return
	}
	r.shutdown = true
	began := r.loopBegan
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stopCh) })

	if began {
		select {
		case <-r.loopDone:
		case <-time.After(shutdownJoinTimeout):
			r.logger.Warn("registry cleanup loop did not stop within join timeout")
		}
	}

	r.mu.Lock()
	r.forward = make(map[string]*Mapping)
	r.reverse = make(map[string]map[string]struct{})
	r.mu.Unlock()

	r.logger.Info("registry shut down")
}
