// Package postgres is the Postgres-backed Task Store, the authoritative
// implementation for production deployments. Every mutating operation runs
// inside a transaction so concurrent dispatchers never observe a torn
// write (spec.md §4.1's "all mutations are transactional").
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/taskstore"
)

// Store is a sqlx-backed Task Store.
type Store struct {
	db *sqlx.DB
}

var _ taskstore.Store = (*Store)(nil)

// Open connects to Postgres at dsn and wraps it as a Store. Migrations
// are applied separately via Migrate (called by cmd/orchestratord at
// startup when Database.MigrateOnStart is true), not automatically on Open.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open sqlx connection (used by tests against sqlmock).
func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// --- Transaction support, grounded on the base-store Querier/TxFromContext
// pattern: mutating methods route through querier(ctx) so a caller that
// wrapped ctx with a transaction sees its own writes.

type txKey struct{}

func ContextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *Store) querier(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := ContextWithTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// row is the flat column shape tasks maps to/from.
type row struct {
	ID              string         `db:"id"`
	TargetModel     string         `db:"target_model"`
	TargetAppNumber int            `db:"target_app_number"`
	AnalysisType    string         `db:"analysis_type"`
	RequestedTools  []byte         `db:"requested_tools"`
	ToolsByService  []byte         `db:"tools_by_service"`
	Status          string         `db:"status"`
	Progress        int            `db:"progress"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	ErrorMessage    string         `db:"error_message"`
	ResultPath      string         `db:"result_path"`
	Source          string         `db:"source"`
	PipelineID      sql.NullString `db:"pipeline_id"`
	TTLSeconds      sql.NullInt64  `db:"ttl_seconds"`
	OptionsExtra    []byte         `db:"options_extra"`
	LeaseDeadline   sql.NullTime   `db:"lease_deadline"`
	LeaseOwner      string         `db:"lease_owner"`
}

func (r row) toTask() (*task.Task, error) {
	var requestedTools []string
	if err := json.Unmarshal(r.RequestedTools, &requestedTools); err != nil {
		return nil, fmt.Errorf("decode requested_tools: %w", err)
	}
	toolsByService := map[task.ServiceKind][]string{}
	if err := json.Unmarshal(r.ToolsByService, &toolsByService); err != nil {
		return nil, fmt.Errorf("decode tools_by_service: %w", err)
	}
	extra := map[string]string{}
	if err := json.Unmarshal(r.OptionsExtra, &extra); err != nil {
		return nil, fmt.Errorf("decode options_extra: %w", err)
	}

	t := &task.Task{
		ID:              r.ID,
		TargetModel:     r.TargetModel,
		TargetAppNumber: r.TargetAppNumber,
		AnalysisType:    task.AnalysisType(r.AnalysisType),
		RequestedTools:  requestedTools,
		ToolsByService:  toolsByService,
		Status:          task.Status(r.Status),
		Progress:        r.Progress,
		CreatedAt:       r.CreatedAt,
		ErrorMessage:    r.ErrorMessage,
		ResultPath:      r.ResultPath,
		Source:          task.Source(r.Source),
		Options: task.Options{
			Extra: extra,
		},
		LeaseOwner: r.LeaseOwner,
	}
	if r.StartedAt.Valid {
		t.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		t.CompletedAt = &r.CompletedAt.Time
	}
	if r.LeaseDeadline.Valid {
		t.LeaseDeadline = &r.LeaseDeadline.Time
	}
	if r.PipelineID.Valid {
		t.Options.PipelineID = r.PipelineID.String
	}
	if r.TTLSeconds.Valid {
		t.Options.TTL = time.Duration(r.TTLSeconds.Int64) * time.Second
	}
	return t, nil
}

const selectColumns = `id, target_model, target_app_number, analysis_type, requested_tools,
	tools_by_service, status, progress, created_at, started_at, completed_at,
	error_message, result_path, source, pipeline_id, ttl_seconds, options_extra,
	lease_deadline, lease_owner`

func (s *Store) Create(ctx context.Context, spec task.Spec) (*task.Task, error) {
	t := task.New(spec)

	requestedTools, _ := json.Marshal(t.RequestedTools)
	toolsByService, _ := json.Marshal(t.ToolsByService)
	extra := t.Options.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	optionsExtra, _ := json.Marshal(extra)

	var pipelineID sql.NullString
	if t.Options.PipelineID != "" {
		pipelineID = sql.NullString{String: t.Options.PipelineID, Valid: true}
	}
	var ttlSeconds sql.NullInt64
	if t.Options.TTL > 0 {
		ttlSeconds = sql.NullInt64{Int64: int64(t.Options.TTL / time.Second), Valid: true}
	}

	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, target_model, target_app_number, analysis_type, requested_tools,
			tools_by_service, status, progress, created_at, error_message,
			result_path, source, pipeline_id, ttl_seconds, options_extra, lease_owner
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, t.ID, t.TargetModel, t.TargetAppNumber, string(t.AnalysisType), requestedTools,
		toolsByService, string(t.Status), t.Progress, t.CreatedAt, t.ErrorMessage,
		t.ResultPath, string(t.Source), pipelineID, ttlSeconds, optionsExtra, "")
	if err != nil {
		if isUniqueViolation(err) {
			return nil, taskstore.ErrDuplicate
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	q := s.querier(ctx)
	var r row
	err := q.GetContext(ctx, &r, "SELECT "+selectColumns+" FROM tasks WHERE id = $1", taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.NewError(task.ErrNotFound, "task not found: "+taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r.toTask()
}

// LeaseReady uses SELECT ... FOR UPDATE SKIP LOCKED inside a transaction so
// concurrent dispatcher instances never double-lease the same rows.
func (s *Store) LeaseReady(ctx context.Context, limit int, leaseTTL time.Duration) ([]*task.Task, error) {
	var leased []*task.Task
	err := s.WithTx(ctx, func(ctx context.Context) error {
		tx := txFromContext(ctx)
		var ids []string
		err := tx.SelectContext(ctx, &ids, `
			SELECT id FROM tasks
			WHERE status IN ('pending', 'queued')
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, limit)
		if err != nil {
			return fmt.Errorf("select ready tasks: %w", err)
		}
		now := time.Now().UTC()
		deadline := now.Add(leaseTTL)
		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'running', started_at = COALESCE(started_at, $2), lease_deadline = $3
				WHERE id = $1
			`, id, now, deadline)
			if err != nil {
				return fmt.Errorf("lease task %s: %w", id, err)
			}
			t, err := s.Get(ctx, id)
			if err != nil {
				return err
			}
			leased = append(leased, t)
		}
		return nil
	})
	return leased, err
}

func (s *Store) ExtendLease(ctx context.Context, taskID string, leaseTTL time.Duration) error {
	q := s.querier(ctx)
	deadline := time.Now().UTC().Add(leaseTTL)
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET lease_deadline = $2 WHERE id = $1 AND status = 'running'
	`, taskID, deadline)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireRowsAffected(res, "task not running or not found: "+taskID)
}

func (s *Store) Update(ctx context.Context, taskID string, u taskstore.Update) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if u.Progress != nil {
			current.SetProgress(*u.Progress)
		}
		if u.Error != nil {
			current.ErrorMessage = *u.Error
		}
		if u.ResultPath != nil {
			current.ResultPath = *u.ResultPath
		}
		if u.Status != nil {
			if terr := current.Transition(*u.Status, time.Now().UTC()); terr != nil {
				return terr
			}
		}
		return s.writeMutable(ctx, current)
	})
}

func (s *Store) Complete(ctx context.Context, taskID string, status task.Status, resultPath, errMessage string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if terr := current.Transition(status, time.Now().UTC()); terr != nil {
			return terr
		}
		current.ResultPath = resultPath
		current.ErrorMessage = errMessage
		return s.writeMutable(ctx, current)
	})
}

func (s *Store) Cancel(ctx context.Context, taskID string) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if terr := current.Transition(task.StatusCancelled, time.Now().UTC()); terr != nil {
			return terr
		}
		return s.writeMutable(ctx, current)
	})
}

// writeMutable persists the fields a dispatcher may change after creation:
// status, progress, timestamps, error, result path, and lease.
func (s *Store) writeMutable(ctx context.Context, t *task.Task) error {
	q := s.querier(ctx)
	_, err := q.ExecContext(ctx, `
		UPDATE tasks SET
			status = $2, progress = $3, started_at = $4, completed_at = $5,
			error_message = $6, result_path = $7, lease_deadline = $8
		WHERE id = $1
	`, t.ID, string(t.Status), t.Progress, t.StartedAt, t.CompletedAt,
		t.ErrorMessage, t.ResultPath, t.LeaseDeadline)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *Store) FindDuplicate(ctx context.Context, model string, appNumber int, pipelineID string) (string, bool, error) {
	if pipelineID == "" {
		return "", false, nil
	}
	q := s.querier(ctx)
	var id string
	err := q.GetContext(ctx, &id, `
		SELECT id FROM tasks
		WHERE target_model = $1 AND target_app_number = $2 AND pipeline_id = $3
		  AND status IN ('pending', 'queued', 'running')
	`, model, appNumber, pipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("find duplicate: %w", err)
	}
	return id, true, nil
}

// SweepExpiredLeases sweeps directly in SQL rather than round-tripping
// every row through Go, since the recovery sweep may cover many tasks.
func (s *Store) SweepExpiredLeases(ctx context.Context, grace time.Duration) (int, error) {
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', completed_at = $1, progress = 100,
			error_message = 'lease expired', lease_deadline = NULL
		WHERE status = 'running' AND lease_deadline IS NOT NULL
		  AND lease_deadline + $2 <= $1
	`, time.Now().UTC(), grace)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(affected), nil
}

func requireRowsAffected(res sql.Result, notFoundMsg string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return task.NewError(task.ErrNotFound, notFoundMsg)
	}
	return nil
}

// isUniqueViolation detects Postgres' unique_violation SQLSTATE (23505),
// the code raised by idx_tasks_dedupe_inflight.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
