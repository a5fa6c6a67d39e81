package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDHasPrefixExactlyOnce(t *testing.T) {
	id := NewID()
	require.True(t, strings.HasPrefix(id, IDPrefix))
	require.Equal(t, 1, strings.Count(id, IDPrefix))
}

func TestNormalizeIDNeverDoublePrefixes(t *testing.T) {
	cases := []string{"abc123", "task_abc123", "task_task_abc123", "task_task_task_x"}
	for _, c := range cases {
		got := NormalizeID(c)
		assert.Equal(t, 1, strings.Count(got, IDPrefix), "input %q produced %q", c, got)
		assert.True(t, strings.HasPrefix(got, IDPrefix))
	}
}

func TestTaskValidateRequiresPrefixedID(t *testing.T) {
	tk := New(Spec{Model: "m", AppNumber: 1, AnalysisType: AnalysisStatic})
	require.Nil(t, tk.Validate())

	tk.ID = "not-prefixed"
	err := tk.Validate()
	require.NotNil(t, err)
	assert.Equal(t, ErrValidation, err.Kind)
}

func TestStateMachineTransitions(t *testing.T) {
	tk := New(Spec{Model: "m", AppNumber: 1, AnalysisType: AnalysisStatic})
	now := time.Now().UTC()

	require.Nil(t, tk.Transition(StatusRunning, now))
	assert.Equal(t, StatusRunning, tk.Status)
	assert.NotNil(t, tk.StartedAt)

	require.Nil(t, tk.Transition(StatusCompleted, now.Add(time.Second)))
	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Equal(t, 100, tk.Progress)
	assert.NotNil(t, tk.CompletedAt)

	// No transitions out of a terminal state.
	err := tk.Transition(StatusRunning, now)
	require.NotNil(t, err)
}

func TestStateMachineRejectsIllegalEdges(t *testing.T) {
	tk := New(Spec{Model: "m", AppNumber: 1, AnalysisType: AnalysisStatic})
	err := tk.Transition(StatusCompleted, time.Now())
	require.NotNil(t, err, "pending cannot jump directly to completed")
}

func TestSetProgressIsMonotonic(t *testing.T) {
	tk := New(Spec{Model: "m", AppNumber: 1, AnalysisType: AnalysisStatic})
	tk.SetProgress(50)
	tk.SetProgress(10)
	assert.Equal(t, 50, tk.Progress, "progress must never regress")
	tk.SetProgress(90)
	assert.Equal(t, 90, tk.Progress)
}

func TestDuplicateKeyRequiresPipelineID(t *testing.T) {
	tk := New(Spec{Model: "anthropic/claude-3.5-sonnet", AppNumber: 1, AnalysisType: AnalysisStatic})
	_, applies := tk.DuplicateKey()
	assert.False(t, applies)

	tk.Options.PipelineID = "pipe-1"
	key, applies := tk.DuplicateKey()
	assert.True(t, applies)
	assert.Contains(t, key, "pipe-1")
}

func TestToolRegistryResolveGroupsByService(t *testing.T) {
	reg := DefaultRegistry()
	grouped := reg.Resolve(AnalysisStatic, []string{"bandit", "ruff"})
	assert.ElementsMatch(t, []string{"bandit", "ruff"}, grouped[ServiceStatic])
	assert.Empty(t, grouped[ServiceDynamic])
}

func TestToolRegistryDefaultsForEmptyRequest(t *testing.T) {
	reg := DefaultRegistry()
	grouped := reg.Resolve(AnalysisStatic, nil)
	assert.NotEmpty(t, grouped[ServiceStatic])
}

func TestToolRegistryUnifiedUnionsDefaults(t *testing.T) {
	reg := DefaultRegistry()
	grouped := reg.Resolve(AnalysisUnified, nil)
	assert.NotEmpty(t, grouped[ServiceStatic])
	assert.NotEmpty(t, grouped[ServiceDynamic])
	assert.NotEmpty(t, grouped[ServicePerformance])
	assert.NotEmpty(t, grouped[ServiceAI])
}

func TestToolRegistryIgnoresUnknownTools(t *testing.T) {
	reg := DefaultRegistry()
	grouped := reg.Resolve(AnalysisStatic, []string{"bandit", "totally-unknown-tool"})
	assert.Equal(t, []string{"bandit"}, grouped[ServiceStatic])
}

func TestErrKindTripsBreaker(t *testing.T) {
	assert.True(t, ErrUnreachable.TripsBreaker())
	assert.True(t, ErrTimeout.TripsBreaker())
	assert.True(t, ErrHandshakeFailed.TripsBreaker())
	assert.False(t, ErrRemoteError.TripsBreaker())
	assert.False(t, ErrCancelled.TripsBreaker())
}
