package runid

import (
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRoundTrip(t *testing.T) {
	rid, err := Generate("user_42_session_9")
	require.NoError(t, err)

	threadID, ok := ExtractThreadID(rid)
	require.True(t, ok)
	assert.Equal(t, "user_42_session_9", threadID)
	assert.False(t, IsLegacy(rid))
	assert.True(t, BelongsTo(rid, "user_42_session_9"))
	assert.False(t, BelongsTo(rid, "someone_else"))
}

func TestGenerateRejectsInvalidThreadIDs(t *testing.T) {
	for _, threadID := range []string{"", "abc_run_def", "_run_"} {
		_, err := Generate(threadID)
		assert.ErrorIs(t, err, ErrInvalidThreadID, "thread id %q", threadID)
	}
}

func TestGenerateDistinctWithinMillisecond(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		rid, err := Generate("t")
		require.NoError(t, err)
		require.False(t, seen[rid], "duplicate run id %s", rid)
		seen[rid] = true
	}
}

func TestGenerateConcurrent(t *testing.T) {
	const n = 100
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rid, err := Generate("concurrent_thread")
			if err == nil {
				results[i] = rid
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, rid := range results {
		require.NotEmpty(t, rid)
		require.False(t, seen[rid])
		seen[rid] = true
	}
}

func TestExtractThreadIDLegacyShapes(t *testing.T) {
	tests := []struct {
		name  string
		runID string
	}{
		{"bare run prefix", "run_abc123"},
		{"unrelated id", "admin_tool_test_2025"},
		{"empty", ""},
		{"prefix only", "thread_"},
		{"marker immediately after prefix", "thread__run_123_aabbccdd"},
		{"no marker", "thread_user_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ExtractThreadID(tt.runID)
			assert.False(t, ok)
			assert.True(t, IsLegacy(tt.runID))
			assert.False(t, Validate(tt.runID))
		})
	}
}

func TestExtractThreadIDFirstMarkerWins(t *testing.T) {
	// A run id whose embedded thread itself starts with "thread_".
	threadID, ok := ExtractThreadID("thread_thread_PATTERN_run_1700000000000_aabbccdd")
	require.True(t, ok)
	assert.Equal(t, "thread_PATTERN", threadID)
}

func TestExtractThreadIDPreservesUnicode(t *testing.T) {
	rid, err := Generate("سير_マルチ_byte")
	require.NoError(t, err)
	threadID, ok := ExtractThreadID(rid)
	require.True(t, ok)
	assert.Equal(t, "سير_マルチ_byte", threadID)
}

// threadIDGen produces thread identifiers that are valid Generate inputs:
// non-empty, arbitrary unicode, no reserved "_run_" substring.
func threadIDGen() gopter.Gen {
	return gen.AnyString().SuchThat(func(s string) bool {
		return s != "" && !strings.Contains(s, "_run_")
	})
}

func TestRunIDProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("extract inverts generate", prop.ForAll(
		func(threadID string) bool {
			rid, err := Generate(threadID)
			if err != nil {
				return false
			}
			extracted, ok := ExtractThreadID(rid)
			return ok && extracted == threadID
		},
		threadIDGen(),
	))

	properties.Property("validate agrees with extract", prop.ForAll(
		func(runID string) bool {
			_, ok := ExtractThreadID(runID)
			return Validate(runID) == ok && IsLegacy(runID) == !ok
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
