// Package persister writes the deterministic on-disk layout the engine
// exposes as an external contract (spec.md §4.7/§6.3): one directory per
// task rooted at <results>/<canonical_slug>/app<N>/<task_id>/, containing
// the aggregated document, a manifest, extracted SARIF artifacts, and raw
// per-service snapshots. It is the only component that touches the
// filesystem for task results.
package persister

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/aggregator"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/grabowmar/analysis-orchestrator/internal/slug"
	"github.com/grabowmar/analysis-orchestrator/pkg/logger"
)

// Persister writes task results under a configured root directory.
type Persister struct {
	root string
	log  *logger.Logger
}

// New returns a Persister rooted at resultsDir. The directory is created
// lazily, per task, rather than eagerly here.
func New(resultsDir string, log *logger.Logger) *Persister {
	if log == nil {
		log = logger.NewDefault("persister")
	}
	return &Persister{root: resultsDir, log: log}
}

// Manifest is the task directory's index document.
type Manifest struct {
	TaskID        string       `json:"task_id"`
	Model         string       `json:"model"`
	AppNumber     int          `json:"app_number"`
	AnalysisType  task.AnalysisType `json:"analysis_type"`
	Status        task.Status  `json:"status"`
	Cancelled     bool         `json:"cancelled"`
	CreatedAt     time.Time    `json:"created_at"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	DurationMS    int64        `json:"duration_ms,omitempty"`
	RetentionDays int          `json:"retention_days,omitempty"`
	FileList      []string     `json:"file_list"`
}

// Result is what Persist returns once every file has been written.
type Result struct {
	// TaskDir is the absolute directory all files for this task live
	// under.
	TaskDir string
	// AggregatedPath is the absolute path of the aggregated document —
	// this is what the Task Store's result_path column records.
	AggregatedPath string
}

// Persist writes the full task directory: the aggregated document,
// manifest, extracted artifacts, and raw per-service snapshots. Every file
// is written atomically (write-temp-then-rename) so a reader never
// observes a partial file.
func (p *Persister) Persist(
	t *task.Task,
	result *task.AggregatedResult,
	artifacts []aggregator.ExtractedArtifact,
	snapshots map[task.ServiceKind]map[string]task.ToolResult,
	retentionDays int,
) (*Result, error) {
	canonical := slug.Normalize(t.TargetModel)
	taskDir := filepath.Join(p.root, canonical, fmt.Sprintf("app%d", t.TargetAppNumber), t.ID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return nil, task.NewError(task.ErrPersistence, "create task directory: "+err.Error())
	}

	var fileList []string

	aggregatedName := fmt.Sprintf("%s_app%d_%s_%s.json", canonical, t.TargetAppNumber, t.ID, timestamp(result.Metadata.CompletedAt))
	aggregatedPath := filepath.Join(taskDir, aggregatedName)
	aggregatedBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, task.NewError(task.ErrPersistence, "marshal aggregated document: "+err.Error())
	}
	if err := writeFileAtomic(aggregatedPath, aggregatedBytes, 0o644); err != nil {
		return nil, task.NewError(task.ErrPersistence, "write aggregated document: "+err.Error())
	}
	fileList = append(fileList, aggregatedName)

	for _, artifact := range artifacts {
		artifactPath := filepath.Join(taskDir, filepath.FromSlash(artifact.RelPath))
		if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
			return nil, task.NewError(task.ErrPersistence, "create sarif directory: "+err.Error())
		}
		if err := writeFileAtomic(artifactPath, artifact.Data, 0o644); err != nil {
			return nil, task.NewError(task.ErrPersistence, "write extracted artifact: "+err.Error())
		}
		fileList = append(fileList, artifact.RelPath)
	}

	for svc, tools := range snapshots {
		if len(tools) == 0 {
			continue
		}
		snapBytes, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return nil, task.NewError(task.ErrPersistence, "marshal service snapshot: "+err.Error())
		}
		relPath := filepath.Join("services", string(svc)+".json")
		snapPath := filepath.Join(taskDir, relPath)
		if err := os.MkdirAll(filepath.Dir(snapPath), 0o755); err != nil {
			return nil, task.NewError(task.ErrPersistence, "create services directory: "+err.Error())
		}
		if err := writeFileAtomic(snapPath, snapBytes, 0o644); err != nil {
			return nil, task.NewError(task.ErrPersistence, "write service snapshot: "+err.Error())
		}
		fileList = append(fileList, relPath)
	}

	manifest := Manifest{
		TaskID:        t.ID,
		Model:         t.TargetModel,
		AppNumber:     t.TargetAppNumber,
		AnalysisType:  t.AnalysisType,
		Status:        t.Status,
		Cancelled:     result.Cancelled,
		CreatedAt:     result.Metadata.CreatedAt,
		StartedAt:     result.Metadata.StartedAt,
		CompletedAt:   result.Metadata.CompletedAt,
		DurationMS:    result.Metadata.DurationMS,
		RetentionDays: retentionDays,
		FileList:      fileList,
	}
	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, task.NewError(task.ErrPersistence, "marshal manifest: "+err.Error())
	}
	manifestPath := filepath.Join(taskDir, "manifest.json")
	if err := writeFileAtomic(manifestPath, manifestBytes, 0o644); err != nil {
		return nil, task.NewError(task.ErrPersistence, "write manifest: "+err.Error())
	}

	p.log.WithField("task_id", t.ID).WithField("task_dir", taskDir).Info("persisted task result")

	return &Result{TaskDir: taskDir, AggregatedPath: aggregatedPath}, nil
}

// writeFileAtomic writes data to path by first writing to a sibling
// temporary file in the same directory, then renaming it into place —
// renaming within one filesystem is atomic, so a concurrent reader never
// observes a partially-written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func timestamp(completedAt *time.Time) string {
	t := time.Now().UTC()
	if completedAt != nil {
		t = completedAt.UTC()
	}
	return t.Format("20060102_150405")
}
