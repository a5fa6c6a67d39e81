// Package aggregator normalizes per-service analyzer payloads into a
// single AggregatedResult: severity remapping, embedded-artifact
// extraction, and terminal-status derivation. It performs no filesystem
// I/O itself — the Persister owns writing the artifacts and per-service
// snapshots this package computes.
package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
	"github.com/tidwall/gjson"
)

// artifactSizeThreshold is the byte size above which any embedded tool
// payload is extracted regardless of shape.
const artifactSizeThreshold = 8 * 1024

// Outcome is one service's subtask result as observed by the dispatcher:
// exactly one of Skipped, Response, or Err is meaningful.
type Outcome struct {
	Skipped bool
	Reason  string
	Response *task.AnalyzerResponse
	Err      *task.Error
}

// ExtractedArtifact is a side-car document the Aggregator decided to pull
// out of the inline tools map, ready for the Persister to write under
// <task_dir>/sarif/.
type ExtractedArtifact struct {
	RelPath string // "sarif/<service>_<category>_<tool>.sarif.json"
	Data    []byte // canonical JSON bytes of the original artifact
}

// Aggregate builds the AggregatedResult for t from the per-service
// outcomes, plus the extracted artifacts and the unextracted per-service
// snapshots the Persister must also write (spec.md §4.5 step 3:
// "preserve the unextracted version in the per-service snapshot").
func Aggregate(t *task.Task, outcomes map[task.ServiceKind]Outcome) (*task.AggregatedResult, []ExtractedArtifact, map[task.ServiceKind]map[string]task.ToolResult) {
	result := &task.AggregatedResult{
		Metadata: Metadata(t),
		Services: make(map[task.ServiceKind]task.ServiceEntry),
		Tools:    make(map[string]task.ToolEntry),
		Summary: task.Summary{
			SeverityHistogram: make(map[task.Severity]int),
			FindingsByTool:    make(map[string]int),
			FindingsByService: make(map[task.ServiceKind]int),
		},
		Errors: make(map[task.ServiceKind]string),
	}

	var artifacts []ExtractedArtifact
	snapshots := make(map[task.ServiceKind]map[string]task.ToolResult)

	// Deterministic iteration order over services, independent of
	// completion order (spec.md §5).
	for _, svc := range task.AllServices {
		outcome, attempted := outcomes[svc]
		if !attempted || outcome.Skipped {
			reason := outcome.Reason
			if reason == "" {
				reason = "no tools selected"
			}
			result.Services[svc] = task.ServiceEntry{Status: "skipped", Reason: reason}
			continue
		}

		if outcome.Err != nil {
			result.Services[svc] = task.ServiceEntry{Status: "error", Error: outcome.Err.Error()}
			result.Errors[svc] = outcome.Err.Error()
			continue
		}

		resp := outcome.Response
		result.Services[svc] = task.ServiceEntry{Status: string(resp.Status)}
		result.Summary.ServicesExecuted++

		snapshot := make(map[string]task.ToolResult, len(resp.Results))

		toolNames := make([]string, 0, len(resp.Results))
		for name := range resp.Results {
			toolNames = append(toolNames, name)
		}
		sort.Strings(toolNames)

		for _, toolName := range toolNames {
			toolResult := resp.Results[toolName]
			snapshot[toolName] = toolResult

			entry := task.ToolEntry{Status: toolResult.Status, SeverityCounts: make(map[task.Severity]int)}
			result.Summary.ToolsExecuted++

			for _, raw := range toolResult.Issues {
				sev := NormalizeSeverity(toolName, raw.RuleID, raw.Severity)
				finding := task.Finding{
					Tool: toolName, Service: svc, Severity: sev,
					Category: raw.Category, Message: raw.Message,
					File: raw.File, Line: raw.Line, Column: raw.Column, RuleID: raw.RuleID,
				}
				result.Findings = append(result.Findings, finding)

				entry.TotalIssues++
				entry.SeverityCounts[sev]++
				result.Summary.TotalFindings++
				result.Summary.SeverityHistogram[sev]++
				result.Summary.FindingsByTool[toolName]++
				result.Summary.FindingsByService[svc]++
			}

			if toolResult.RawArtifact != nil {
				if artifact, ref, ok := extractArtifact(svc, toolName, toolResult.RawArtifact); ok {
					artifacts = append(artifacts, artifact)
					entry.ArtifactRef = ref
				}
			}

			result.Tools[toolName] = entry
		}

		snapshots[svc] = snapshot
	}

	sortFindings(result.Findings)

	result.Metadata.DurationMS = durationMS(t)
	return result, artifacts, snapshots
}

// Metadata builds the metadata section from a task's identifiers and
// timestamps.
func Metadata(t *task.Task) task.Metadata {
	return task.Metadata{
		TaskID: t.ID, Model: t.TargetModel, AppNumber: t.TargetAppNumber,
		AnalysisType: t.AnalysisType, CreatedAt: t.CreatedAt,
		StartedAt: t.StartedAt, CompletedAt: t.CompletedAt,
	}
}

func durationMS(t *task.Task) int64 {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
}

// sortFindings enforces the deterministic ordering required by spec.md §5:
// (service, tool, file, line, rule_id).
func sortFindings(findings []task.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.Tool != b.Tool {
			return a.Tool < b.Tool
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.RuleID < b.RuleID
	})
}

// shouldExtract decides whether an embedded tool artifact must be pulled
// out into a side-car file: a SARIF-shaped document (has a "runs" array,
// the standardized interchange format the aggregator prefers over
// free-form output) or any document exceeding the size threshold.
func shouldExtract(canonical []byte) bool {
	if gjson.GetBytes(canonical, "runs").IsArray() {
		return true
	}
	return len(canonical) > artifactSizeThreshold
}

func extractArtifact(svc task.ServiceKind, tool string, artifact map[string]any) (ExtractedArtifact, string, bool) {
	canonical, err := json.Marshal(artifact)
	if err != nil {
		return ExtractedArtifact{}, "", false
	}
	if !shouldExtract(canonical) {
		return ExtractedArtifact{}, "", false
	}
	relPath := fmt.Sprintf("sarif/%s_%s_%s.sarif.json", svc, categoryFor(tool), tool)
	return ExtractedArtifact{RelPath: relPath, Data: canonical}, relPath, true
}

// DeriveTerminalStatus applies spec.md §4.5's status-derivation rule,
// folding in the provided cancellation observation.
func DeriveTerminalStatus(outcomes map[task.ServiceKind]Outcome, cancelled bool) task.Status {
	if cancelled {
		return task.StatusCancelled
	}
	attempted, succeeded, errored := 0, 0, 0
	for _, o := range outcomes {
		if o.Skipped {
			continue
		}
		attempted++
		if o.Err != nil {
			errored++
		} else {
			succeeded++
		}
	}
	switch {
	case attempted == 0:
		return task.StatusCompleted
	case errored == 0:
		return task.StatusCompleted
	case succeeded > 0 && errored > 0:
		return task.StatusPartialSuccess
	default:
		return task.StatusFailed
	}
}
