package memory

import (
	"context"
	"testing"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, created.Status)

	fetched, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestCreateRejectsDuplicatePipeline(t *testing.T) {
	s := New()
	ctx := context.Background()
	spec := task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic, Options: task.Options{PipelineID: "pipe-1"}}
	_, err := s.Create(ctx, spec)
	require.NoError(t, err)

	_, err = s.Create(ctx, spec)
	require.Error(t, err)
	assert.Equal(t, taskstore.ErrDuplicate, err)
}

func TestDuplicateSlotReleasedOnTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	spec := task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic, Options: task.Options{PipelineID: "pipe-1"}}
	first, err := s.Create(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, first.ID))

	second, err := s.Create(ctx, spec)
	require.NoError(t, err, "duplicate slot must free once the holder reaches a terminal status")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLeaseReadyClaimsOldestFirstAndSetsDeadline(t *testing.T) {
	s := New()
	ctx := context.Background()
	first, _ := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	time.Sleep(time.Millisecond)
	_, _ = s.Create(ctx, task.Spec{Model: "m", AppNumber: 2, AnalysisType: task.AnalysisStatic})

	leased, err := s.LeaseReady(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, first.ID, leased[0].ID)
	assert.Equal(t, task.StatusRunning, leased[0].Status)
	require.NotNil(t, leased[0].LeaseDeadline)
	assert.True(t, leased[0].LeaseDeadline.After(time.Now()))
}

func TestLeaseReadyDoesNotDoubleLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})

	first, err := s.LeaseReady(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.LeaseReady(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second, "a running task must not be leased again")
}

func TestSweepExpiredLeasesMarksFailed(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	_, err := s.LeaseReady(ctx, 10, -time.Hour) // already-expired lease
	require.NoError(t, err)

	swept, err := s.SweepExpiredLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	fetched, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, fetched.Status)
	assert.Equal(t, "lease expired", fetched.ErrorMessage)
}

func TestSweepExpiredLeasesIgnoresFreshLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	_, err := s.LeaseReady(ctx, 10, time.Hour)
	require.NoError(t, err)

	swept, err := s.SweepExpiredLeases(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestUpdateProgressIsMonotonicThroughStore(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	_, _ = s.LeaseReady(ctx, 10, time.Hour)

	p50 := 50
	require.NoError(t, s.Update(ctx, created.ID, taskstore.Update{Progress: &p50}))
	p10 := 10
	require.NoError(t, s.Update(ctx, created.ID, taskstore.Update{Progress: &p10}))

	fetched, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, fetched.Progress, "progress must never regress")
}

func TestCompleteSetsResultPathAndClearsLease(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	_, _ = s.LeaseReady(ctx, 10, time.Hour)

	require.NoError(t, s.Complete(ctx, created.ID, task.StatusCompleted, "/results/task_x/agg.json", ""))

	fetched, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, fetched.Status)
	assert.Equal(t, "/results/task_x/agg.json", fetched.ResultPath)
	assert.Nil(t, fetched.LeaseDeadline)
	assert.Equal(t, 100, fetched.Progress)
}

func TestCancelIllegalFromTerminalStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, _ := s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})
	_, _ = s.LeaseReady(ctx, 10, time.Hour)
	require.NoError(t, s.Complete(ctx, created.ID, task.StatusCompleted, "", ""))

	err := s.Cancel(ctx, created.ID)
	require.Error(t, err)
}

func TestFindDuplicateWithoutPipelineIDAlwaysMisses(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _ = s.Create(ctx, task.Spec{Model: "m", AppNumber: 1, AnalysisType: task.AnalysisStatic})

	_, found, err := s.FindDuplicate(ctx, "m", 1, "")
	require.NoError(t, err)
	assert.False(t, found)
}
