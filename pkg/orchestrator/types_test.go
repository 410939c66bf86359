package orchestrator

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority(t *testing.T) {
	t.Run("rank order", func(t *testing.T) {
		assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
		assert.Less(t, PriorityHigh.Rank(), PriorityMedium.Rank())
		assert.Less(t, PriorityMedium.Rank(), PriorityLow.Rank())
		assert.Equal(t, PriorityMedium.Rank(), PriorityUnset.Rank())
	})

	t.Run("parse", func(t *testing.T) {
		for input, want := range map[string]Priority{
			"critical": PriorityCritical,
			"HIGH":     PriorityHigh,
			" medium ": PriorityMedium,
			"low":      PriorityLow,
			"":         PriorityUnset,
		} {
			got, err := ParsePriority(input)
			require.NoError(t, err, input)
			assert.Equal(t, want, got, input)
		}

		_, err := ParsePriority("urgent")
		assert.Error(t, err)
	})

	t.Run("json round trip through text", func(t *testing.T) {
		type wrapper struct {
			Priority Priority `json:"priority"`
		}

		data, err := json.Marshal(wrapper{Priority: PriorityHigh})
		require.NoError(t, err)
		assert.JSONEq(t, `{"priority":"high"}`, string(data))

		var w wrapper
		require.NoError(t, json.Unmarshal([]byte(`{"priority":"critical"}`), &w))
		assert.Equal(t, PriorityCritical, w.Priority)

		assert.Error(t, json.Unmarshal([]byte(`{"priority":"soon"}`), &w))
	})

	t.Run("unset renders as medium", func(t *testing.T) {
		assert.Equal(t, "medium", PriorityUnset.String())
	})
}

func TestAgentConfigValidate(t *testing.T) {
	valid := AgentConfig{ID: "a", Task: "do it"}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Priority = Priority(42)
	assert.Error(t, bad.Validate())

	bad = valid
	bad.Timeout = -time.Second
	assert.Error(t, bad.Validate())
}

func TestBuildPrompt(t *testing.T) {
	cfg := AgentConfig{
		ID:           "reviewer-1",
		Type:         "reviewer",
		Task:         "Review the diff.",
		Capabilities: []string{"read", "comment"},
	}

	prompt := buildPrompt(cfg, ParallelOptions{})
	assert.Equal(t, prompt, buildPrompt(cfg, ParallelOptions{}))
	assert.Contains(t, prompt, "reviewer agent (id: reviewer-1)")
	assert.Contains(t, prompt, "Capabilities: read, comment.")
	assert.True(t, strings.HasSuffix(prompt, "Review the diff."))
	assert.NotContains(t, prompt, "Shared memory")

	shared := buildPrompt(cfg, ParallelOptions{SharedMemory: true})
	assert.Contains(t, shared, "Shared memory is enabled")

	untyped := buildPrompt(AgentConfig{ID: "x", Task: "t"}, ParallelOptions{})
	assert.Contains(t, untyped, "general agent (id: x)")
	assert.NotContains(t, untyped, "Capabilities")
}

func TestPartition(t *testing.T) {
	batches := partition(makeConfigs(5), 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "agent-5", batches[2][0].ID)
}

func TestRecordRunSmoothsAverage(t *testing.T) {
	executor := newTestExecutor(newFakeForker())

	first := executor.recordRun(map[string]AgentRunResult{
		"a": {Duration: 100 * time.Millisecond},
		"b": {Duration: 100 * time.Millisecond},
	}, 1, time.Second)
	assert.Equal(t, 100*time.Millisecond, first.AverageSpawnTime)
	assert.InDelta(t, 10.0, first.ThroughputGain, 0.0001)

	second := executor.recordRun(map[string]AgentRunResult{
		"c": {Duration: 300 * time.Millisecond},
	}, 1, 5*time.Second)
	assert.Equal(t, 200*time.Millisecond, second.AverageSpawnTime)
	assert.InDelta(t, 1.0, second.ThroughputGain, 0.0001)
	assert.Equal(t, 2, second.TotalRuns)
	assert.Equal(t, 3, second.TotalAgents)

	assert.Equal(t, second, executor.Metrics())
}

func TestThroughputGainFloor(t *testing.T) {
	assert.InDelta(t, 5000.0, throughputGain(1, 5*time.Second, 0), 0.0001)
}

func TestWithSequentialBaseline(t *testing.T) {
	executor := NewParallelExecutor(newFakeForker(), WithSequentialBaseline(time.Second))
	m := executor.recordRun(map[string]AgentRunResult{"a": {}}, 1, time.Second)
	assert.InDelta(t, 1.0, m.ThroughputGain, 0.0001)
}
