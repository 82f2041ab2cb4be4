package registry

import "time"

// Metrics is a point-in-time snapshot of registry health counters.
type Metrics struct {
	ActiveMappings        int       `json:"active_mappings"`
	TotalRegistrations    int64     `json:"total_registrations"`
	SuccessfulLookups     int64     `json:"successful_lookups"`
	FailedLookups         int64     `json:"failed_lookups"`
	LookupSuccessRate     float64   `json:"lookup_success_rate"`
	ExpiredMappingsCleaned int64    `json:"expired_mappings_cleaned"`
	UptimeSeconds         float64   `json:"uptime_seconds"`
	MemoryUsagePercent    float64   `json:"memory_usage_percent"`
	LastCleanupAt         time.Time `json:"last_cleanup_at"`
	Error                 string    `json:"error,omitempty"`
}

// Metrics returns the current counters. After shutdown it returns an error
// snapshot instead of failing.
func (r *Registry) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return Metrics{Error: "registry is shut down"}
	}

	total := r.successfulLookups + r.failedLookups
	rate := 1.0
	if total > 0 {
		rate = float64(r.successfulLookups) / float64(total)
	}

	return Metrics{
		ActiveMappings:         len(r.forward),
		TotalRegistrations:     r.totalRegistrations,
		SuccessfulLookups:      r.successfulLookups,
		FailedLookups:          r.failedLookups,
		LookupSuccessRate:      rate,
		ExpiredMappingsCleaned: r.expiredCleaned,
		UptimeSeconds:          time.Since(r.startedAt).Seconds(),
		MemoryUsagePercent:     float64(len(r.forward)) / float64(r.cfg.MaxMappings) * 100,
		LastCleanupAt:          r.lastCleanup,
	}
}

// Healthy reports whether the registry accepts operations.
func (r *Registry) Healthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.shutdown
}

// Status bundles liveness with the counter snapshot for the health
// endpoint.
type Status struct {
	Healthy bool    `json:"healthy"`
	Metrics Metrics `json:"metrics"`
}

// Status returns the health endpoint snapshot.
func (r *Registry) Status() any {
	return Status{Healthy: r.Healthy(), Metrics: r.Metrics()}
}

// DebugSnapshot returns a copy of every mapping for diagnostics. Expired
// entries are included with their state marked so operators can see what the
// next sweep will reclaim.
func (r *Registry) DebugSnapshot() []Mapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil
	}

	now := time.Now()
	out := make([]Mapping, 0, len(r.forward))
	for _, m := range r.forward {
		snap := *m
		if r.expiredLocked(m, now) {
			snap.State = MappingExpired
		}
		out = append(out, snap)
	}
	return out
}
