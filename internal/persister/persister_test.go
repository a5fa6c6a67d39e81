package persister

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grabowmar/analysis-orchestrator/internal/aggregator"
	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
)

func sampleTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New(task.Spec{
		Model:        "anthropic/claude-3.5-sonnet",
		AppNumber:    1,
		AnalysisType: task.AnalysisStatic,
	})
	now := time.Now().UTC()
	tk.StartedAt = &now
	if terr := tk.Transition(task.StatusCompleted, now); terr != nil {
		t.Fatalf("transition: %v", terr)
	}
	return tk
}

func sampleResult(tk *task.Task) *task.AggregatedResult {
	return &task.AggregatedResult{
		Metadata: task.Metadata{
			TaskID:       tk.ID,
			Model:        tk.TargetModel,
			AppNumber:    tk.TargetAppNumber,
			AnalysisType: tk.AnalysisType,
			CreatedAt:    tk.CreatedAt,
			StartedAt:    tk.StartedAt,
			CompletedAt:  tk.CompletedAt,
		},
		Services: map[task.ServiceKind]task.ServiceEntry{
			task.ServiceStatic: {Status: "success"},
		},
		Tools: map[string]task.ToolEntry{
			"bandit": {Status: task.SubtaskSuccess, TotalIssues: 1},
		},
		Findings: []task.Finding{
			{Tool: "bandit", Service: task.ServiceStatic, Severity: task.SeverityHigh, Message: "hardcoded secret"},
		},
		Summary: task.Summary{TotalFindings: 1, ToolsExecuted: 1, ServicesExecuted: 1},
	}
}

func TestPersistWritesAggregatedDocumentAndManifest(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	tk := sampleTask(t)
	result := sampleResult(tk)

	res, err := p.Persist(tk, result, nil, nil, 30)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	wantDir := filepath.Join(dir, "anthropic_claude-3-5-sonnet", "app1", tk.ID)
	if res.TaskDir != wantDir {
		t.Fatalf("expected task dir %q, got %q", wantDir, res.TaskDir)
	}
	if !strings.HasPrefix(filepath.Base(res.AggregatedPath), "anthropic_claude-3-5-sonnet_app1_"+tk.ID+"_") {
		t.Fatalf("unexpected aggregated file name: %s", res.AggregatedPath)
	}
	if _, err := os.Stat(res.AggregatedPath); err != nil {
		t.Fatalf("aggregated document not on disk: %v", err)
	}

	manifestBytes, err := os.ReadFile(filepath.Join(wantDir, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if manifest.TaskID != tk.ID {
		t.Fatalf("manifest task_id mismatch: %s", manifest.TaskID)
	}
	if manifest.RetentionDays != 30 {
		t.Fatalf("expected retention_days 30, got %d", manifest.RetentionDays)
	}
	if len(manifest.FileList) == 0 {
		t.Fatal("expected non-empty file_list")
	}
}

func TestPersistTaskIDPrefixAppearsExactlyOnceInPath(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	tk := sampleTask(t)
	result := sampleResult(tk)

	res, err := p.Persist(tk, result, nil, nil, 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	taskDirSegment := filepath.Base(res.TaskDir)
	if strings.Count(taskDirSegment, task.IDPrefix) != 1 {
		t.Fatalf("expected task_ prefix exactly once in %q", taskDirSegment)
	}
}

func TestPersistExtractsArtifactsAndSnapshots(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	tk := sampleTask(t)
	result := sampleResult(tk)

	artifacts := []aggregator.ExtractedArtifact{
		{RelPath: "sarif/static_security_bandit.sarif.json", Data: []byte(`{"runs":[]}`)},
	}
	snapshots := map[task.ServiceKind]map[string]task.ToolResult{
		task.ServiceStatic: {
			"bandit": {Status: task.SubtaskSuccess},
		},
	}

	res, err := p.Persist(tk, result, artifacts, snapshots, 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	artifactPath := filepath.Join(res.TaskDir, "sarif", "static_security_bandit.sarif.json")
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		t.Fatalf("read extracted artifact: %v", err)
	}
	if string(data) != `{"runs":[]}` {
		t.Fatalf("artifact content mismatch: %s", data)
	}

	snapPath := filepath.Join(res.TaskDir, "services", "static.json")
	if _, err := os.Stat(snapPath); err != nil {
		t.Fatalf("service snapshot not written: %v", err)
	}
}

func TestPersistIsAtomicNoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	p := New(dir, nil)
	tk := sampleTask(t)
	result := sampleResult(tk)

	res, err := p.Persist(tk, result, nil, nil, 0)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	entries, err := os.ReadDir(res.TaskDir)
	if err != nil {
		t.Fatalf("read task dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file: %s", e.Name())
		}
	}
}
