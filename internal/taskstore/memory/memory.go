// Package memory is an in-memory Task Store, safe for concurrent use. It
// mirrors the production Postgres store's semantics exactly and is used
// for local development and tests.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
)

// Store is a mutex-protected map-backed Task Store.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	// dupIndex maps a DuplicateKey to the task_id currently holding it,
	// for tasks that have not yet reached a terminal status.
	dupIndex map[string]string
}

var _ taskstore.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*task.Task),
		dupIndex: make(map[string]string),
	}
}

func clone(t *task.Task) *task.Task {
	cp := *t
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	if t.LeaseDeadline != nil {
		lease := *t.LeaseDeadline
		cp.LeaseDeadline = &lease
	}
	cp.RequestedTools = append([]string(nil), t.RequestedTools...)
	if t.ToolsByService != nil {
		cp.ToolsByService = make(map[task.ServiceKind][]string, len(t.ToolsByService))
		for k, v := range t.ToolsByService {
			cp.ToolsByService[k] = append([]string(nil), v...)
		}
	}
	return &cp
}

func (s *Store) Create(_ context.Context, spec task.Spec) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := task.New(spec)
	if key, applies := t.DuplicateKey(); applies {
		if _, exists := s.dupIndex[key]; exists {
			return nil, taskstore.ErrDuplicate
		}
		s.dupIndex[key] = t.ID
	}
	s.tasks[t.ID] = t
	return clone(t), nil
}

func (s *Store) LeaseReady(_ context.Context, limit int, leaseTTL time.Duration) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		if t.Status.Ready() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.tasks[ids[i]].CreatedAt.Before(s.tasks[ids[j]].CreatedAt)
	})

	now := time.Now().UTC()
	leased := make([]*task.Task, 0, limit)
	for _, id := range ids {
		if limit > 0 && len(leased) >= limit {
			break
		}
		t := s.tasks[id]
		if terr := t.Transition(task.StatusRunning, now); terr != nil {
			continue
		}
		deadline := now.Add(leaseTTL)
		t.LeaseDeadline = &deadline
		leased = append(leased, clone(t))
	}
	return leased, nil
}

func (s *Store) ExtendLease(_ context.Context, taskID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return task.NewError(task.ErrNotFound, "task not found: "+taskID)
	}
	if t.Status != task.StatusRunning {
		return task.NewError(task.ErrInternal, "cannot extend lease on non-running task")
	}
	deadline := time.Now().UTC().Add(leaseTTL)
	t.LeaseDeadline = &deadline
	return nil
}

func (s *Store) Update(_ context.Context, taskID string, u taskstore.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return task.NewError(task.ErrNotFound, "task not found: "+taskID)
	}
	if u.Progress != nil {
		t.SetProgress(*u.Progress)
	}
	if u.Error != nil {
		t.ErrorMessage = *u.Error
	}
	if u.ResultPath != nil {
		t.ResultPath = *u.ResultPath
	}
	if u.Status != nil {
		if terr := t.Transition(*u.Status, time.Now().UTC()); terr != nil {
			return terr
		}
		s.releaseDupLocked(t)
	}
	return nil
}

func (s *Store) Complete(_ context.Context, taskID string, status task.Status, resultPath, errMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return task.NewError(task.ErrNotFound, "task not found: "+taskID)
	}
	if terr := t.Transition(status, time.Now().UTC()); terr != nil {
		return terr
	}
	t.ResultPath = resultPath
	t.ErrorMessage = errMessage
	s.releaseDupLocked(t)
	return nil
}

func (s *Store) Cancel(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return task.NewError(task.ErrNotFound, "task not found: "+taskID)
	}
	if terr := t.Transition(task.StatusCancelled, time.Now().UTC()); terr != nil {
		return terr
	}
	s.releaseDupLocked(t)
	return nil
}

func (s *Store) Get(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, task.NewError(task.ErrNotFound, "task not found: "+taskID)
	}
	return clone(t), nil
}

func (s *Store) FindDuplicate(_ context.Context, model string, appNumber int, pipelineID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pipelineID == "" {
		return "", false, nil
	}
	key := model + "|" + strconv.Itoa(appNumber) + "|" + pipelineID
	id, ok := s.dupIndex[key]
	return id, ok, nil
}

func (s *Store) SweepExpiredLeases(_ context.Context, grace time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	swept := 0
	for _, t := range s.tasks {
		if t.Status != task.StatusRunning || t.LeaseDeadline == nil {
			continue
		}
		if now.Before(t.LeaseDeadline.Add(grace)) {
			continue
		}
		if terr := t.Transition(task.StatusFailed, now); terr != nil {
			continue
		}
		t.ErrorMessage = "lease expired"
		s.releaseDupLocked(t)
		swept++
	}
	return swept, nil
}

// releaseDupLocked frees a task's duplicate-prevention slot once it
// reaches a terminal status; must be called with s.mu held.
func (s *Store) releaseDupLocked(t *task.Task) {
	if !t.Status.Terminal() {
		return
	}
	if key, applies := t.DuplicateKey(); applies {
		if s.dupIndex[key] == t.ID {
			delete(s.dupIndex, key)
		}
	}
}
