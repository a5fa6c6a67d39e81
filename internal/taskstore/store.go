// Package taskstore defines the Task Store contract: the authoritative
// record of tasks and their lifecycle, driving polling by the dispatcher.
package taskstore

import (
	"context"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
)

// ErrDuplicate is returned by Create when duplicate-prevention rejects a
// submission sharing an in-flight (model, app_number, pipeline_id) key.
var ErrDuplicate = task.NewError(task.ErrValidation, "duplicate task for (model, app_number, pipeline_id)")

// Update carries the partial fields a caller may revise mid-flight. Nil
// fields are left untouched.
type Update struct {
	Progress   *int
	Status     *task.Status
	Error      *string
	ResultPath *string
}

// Store is the Task Store's full contract (spec.md §4.1). Every method is
// transactional from the caller's point of view: concurrent callers never
// observe a torn write.
type Store interface {
	// Create persists a new task built from spec, applying duplicate
	// prevention when spec.Options.PipelineID is set. Returns ErrDuplicate
	// (wrapped as *task.Error) if an equivalent task is already in flight.
	Create(ctx context.Context, spec task.Spec) (*task.Task, error)

	// LeaseReady atomically claims up to limit ready (pending or queued)
	// tasks, transitions them to running, stamps a lease deadline leaseTTL
	// in the future, and returns them. No other caller may lease the same
	// tasks until the lease expires or is released by a terminal update.
	LeaseReady(ctx context.Context, limit int, leaseTTL time.Duration) ([]*task.Task, error)

	// ExtendLease pushes a leased task's deadline forward by leaseTTL,
	// used by long-running dispatch loops to avoid false lease-expiry.
	ExtendLease(ctx context.Context, taskID string, leaseTTL time.Duration) error

	// Update applies a partial, monotonicity-respecting update to a task.
	Update(ctx context.Context, taskID string, u Update) error

	// Complete transitions a task to a terminal status, recording the
	// result path and/or error message in the same write.
	Complete(ctx context.Context, taskID string, status task.Status, resultPath, errMessage string) error

	// Cancel transitions a task to cancelled; legal only from pending or
	// running per the state machine.
	Cancel(ctx context.Context, taskID string) error

	// Get retrieves a single task by id.
	Get(ctx context.Context, taskID string) (*task.Task, error)

	// FindDuplicate reports the task_id of an in-flight (non-terminal)
	// task sharing the same (model, app_number, pipeline_id) key, if any.
	FindDuplicate(ctx context.Context, model string, appNumber int, pipelineID string) (string, bool, error)

	// SweepExpiredLeases marks every running task whose lease deadline has
	// elapsed by more than grace as failed with "lease expired", returning
	// the number of tasks swept. Called by the background recovery sweep.
	SweepExpiredLeases(ctx context.Context, grace time.Duration) (int, error)
}
