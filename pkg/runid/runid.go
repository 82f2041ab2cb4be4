// Package runid defines the canonical run identifier format shared by the
// routing core and agent runtimes.
//
// A run identifier has the shape:
//
//	thread_<threadID>_run_<unixMillis>_<hex8>
//
// The thread identifier is embedded so that routing stays possible even when
// every stateful lookup source is cold: extracting the thread from the run id
// is a pure function. Thread identifiers may contain underscores (including a
// leading "thread_" of their own); the first "_run_" boundary is authoritative,
// which is why "_run_" is reserved and rejected at generation time.
package runid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	prefix = "thread_"
	marker = "_run_"
)

// ErrInvalidThreadID is returned by Generate for an empty thread identifier
// or one containing the reserved "_run_" substring.
var ErrInvalidThreadID = errors.New("runid: invalid thread id")

var (
	clockMu    sync.Mutex
	lastMillis int64
)

// monotonicMillis returns the current unix-millisecond timestamp, bumped
// forward if the wall clock did not advance since the previous call.
func monotonicMillis() int64 {
	clockMu.Lock()
	defer clockMu.Unlock()

	now := time.Now().UnixMilli()
	if now <= lastMillis {
		now = lastMillis + 1
	}
	lastMillis = now
	return now
}

// Generate builds a canonical run identifier for the given thread.
// Two calls within the same millisecond still produce distinct identifiers;
// the random suffix carries the entropy.
func Generate(threadID string) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidThreadID)
	}
	if strings.Contains(threadID, marker) {
		return "", fmt.Errorf("%w: %q contains reserved %q", ErrInvalidThreadID, threadID, marker)
	}

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("runid: entropy source failed: %w", err)
	}

	return fmt.Sprintf("%s%s%s%d_%s", prefix, threadID, marker, monotonicMillis(), hex.EncodeToString(buf[:])), nil
}

// ExtractThreadID recovers the thread identifier embedded in a run id.
// It accepts only strings starting with "thread_" and splits at the first
// "_run_" boundary after the prefix. Any other shape returns ok=false.
func ExtractThreadID(runID string) (string, bool) {
	if !strings.HasPrefix(runID, prefix) {
		return "", false
	}
	rest := runID[len(prefix):]
	idx := strings.Index(rest, marker)
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

// Validate reports whether runID carries an extractable thread identifier.
func Validate(runID string) bool {
	_, ok := ExtractThreadID(runID)
	return ok
}

// BelongsTo reports whether runID is valid and routes to the given thread.
func BelongsTo(runID, threadID string) bool {
	extracted, ok := ExtractThreadID(runID)
	return ok && extracted == threadID
}

// IsLegacy reports whether runID predates the canonical format. Legacy
// identifiers cannot be routed without an external mapping.
func IsLegacy(runID string) bool {
	return !Validate(runID)
}
