package task

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDPrefix is the required, exactly-once prefix of every task_id.
const IDPrefix = "task_"

// NewID generates a fresh, globally unique task identifier. It always
// begins with IDPrefix exactly once, regardless of how many times it is
// called or what the caller later does with the string.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// NormalizeID ensures s carries the task_ prefix exactly once, whether or
// not s already carried it. The persister builds the on-disk directory from
// the task's ID as-is, so IDs are kept single-prefixed before they reach it.
func NormalizeID(s string) string {
	trimmed := s
	for strings.HasPrefix(trimmed, IDPrefix) {
		trimmed = strings.TrimPrefix(trimmed, IDPrefix)
	}
	return IDPrefix + trimmed
}

// Options is a small typed struct of known option fields plus an opaque
// side-table for submitter-chosen extension fields. Representing options
// this way (rather than a fully dynamic map the core inspects ad hoc) is a
// deliberate generalization of the source's dynamic per-task option maps.
type Options struct {
	PipelineID string            `json:"pipeline_id,omitempty"`
	TTL        time.Duration     `json:"ttl,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Spec is the input to Task creation: everything a submitter provides.
type Spec struct {
	Model           string
	AppNumber       int
	AnalysisType    AnalysisType
	RequestedTools  []string
	Source          Source
	Options         Options
}

// Task is a user-submitted unit of analysis work, owned by the Task Store
// for its entire life.
type Task struct {
	ID              string
	TargetModel     string
	TargetAppNumber int
	AnalysisType    AnalysisType
	RequestedTools  []string
	ToolsByService  map[ServiceKind][]string
	Status          Status
	Progress        int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	ResultPath      string
	Source          Source
	Options         Options

	// LeaseDeadline is set while Status == StatusRunning and cleared on any
	// terminal transition. It is the dispatcher's exclusive claim.
	LeaseDeadline *time.Time
	// LeaseOwner identifies the dispatcher instance holding the lease, for
	// diagnostics only; it carries no authority of its own.
	LeaseOwner string
}

// New builds a Task in StatusPending from a Spec. It does not assign
// ToolsByService; that is computed by the dispatcher from a ToolRegistry
// once the task is leased (spec.md §4.6 step 4).
func New(spec Spec) *Task {
	return &Task{
		ID:              NewID(),
		TargetModel:     spec.Model,
		TargetAppNumber: spec.AppNumber,
		AnalysisType:    spec.AnalysisType,
		RequestedTools:  spec.RequestedTools,
		Status:          StatusPending,
		Progress:        0,
		CreatedAt:       time.Now().UTC(),
		Source:          spec.Source,
		Options:         spec.Options,
	}
}

// Validate checks the invariants a Task must satisfy regardless of which
// store persists it.
func (t *Task) Validate() *Error {
	if !strings.HasPrefix(t.ID, IDPrefix) || strings.Count(t.ID, IDPrefix) != 1 {
		return NewError(ErrValidation, "task_id must begin with task_ exactly once")
	}
	if strings.TrimSpace(t.TargetModel) == "" {
		return NewError(ErrValidation, "target_model is required")
	}
	if t.TargetAppNumber <= 0 {
		return NewError(ErrValidation, "target_app_number must be positive")
	}
	switch t.AnalysisType {
	case AnalysisStatic, AnalysisDynamic, AnalysisPerformance, AnalysisAI, AnalysisUnified:
	default:
		return NewError(ErrValidation, "unsupported analysis_type")
	}
	if t.StartedAt != nil && t.CompletedAt != nil && t.StartedAt.After(*t.CompletedAt) {
		return NewError(ErrValidation, "started_at must not be after completed_at")
	}
	if t.Status.Terminal() && t.Progress != 100 {
		return NewError(ErrValidation, "progress must be 100 for terminal status")
	}
	return nil
}

// Transition applies a status change, enforcing the state machine and the
// progress/timestamp invariants that ride along with it. It never mutates
// t on rejection.
func (t *Task) Transition(to Status, now time.Time) *Error {
	if !CanTransition(t.Status, to) {
		return NewError(ErrInternal, "illegal task state transition from "+string(t.Status)+" to "+string(to))
	}
	t.Status = to
	switch to {
	case StatusRunning:
		if t.StartedAt == nil {
			started := now
			t.StartedAt = &started
		}
	case StatusCompleted, StatusPartialSuccess, StatusFailed, StatusCancelled:
		completed := now
		t.CompletedAt = &completed
		t.Progress = 100
		t.LeaseDeadline = nil
	}
	return nil
}

// SetProgress applies a monotonic progress update; updates that would move
// progress backwards are silently clamped to the current value, since
// progress writes may race under throttling and must never regress.
func (t *Task) SetProgress(p int) {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	if p > t.Progress {
		t.Progress = p
	}
}

// DuplicateKey identifies the (model, app_number, pipeline_id) triple used
// for duplicate prevention. Tasks without a pipeline_id never collide.
func (t *Task) DuplicateKey() (key string, dedupeApplies bool) {
	if strings.TrimSpace(t.Options.PipelineID) == "" {
		return "", false
	}
	return t.TargetModel + "|" + strconv.Itoa(t.TargetAppNumber) + "|" + t.Options.PipelineID, true
}
