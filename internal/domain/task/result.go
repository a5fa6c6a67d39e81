package task

import "time"

// Finding is one normalized issue surfaced by a tool.
type Finding struct {
	Tool     string         `json:"tool"`
	Service  ServiceKind    `json:"service"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Message  string         `json:"message"`
	File     string         `json:"file,omitempty"`
	Line     int            `json:"line,omitempty"`
	Column   int            `json:"column,omitempty"`
	RuleID   string         `json:"rule_id,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// ToolEntry is one tool's flattened contribution to the aggregated
// document.
type ToolEntry struct {
	Status         SubtaskStatus      `json:"status"`
	TotalIssues    int                `json:"total_issues"`
	SeverityCounts map[Severity]int   `json:"severity_counts,omitempty"`
	ArtifactRef    string             `json:"artifact_ref,omitempty"`
}

// ServiceEntry records one service's contribution, or its skip/error
// reason, in the aggregated document.
type ServiceEntry struct {
	Status string `json:"status"` // "success" | "no_issues" | "partial" | "skipped" | "error"
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Summary holds the aggregated document's counters.
type Summary struct {
	TotalFindings     int                      `json:"total_findings"`
	SeverityHistogram map[Severity]int         `json:"severity_histogram,omitempty"`
	ToolsExecuted     int                      `json:"tools_executed"`
	ServicesExecuted  int                      `json:"services_executed"`
	FindingsByTool    map[string]int           `json:"findings_by_tool,omitempty"`
	FindingsByService map[ServiceKind]int      `json:"findings_by_service,omitempty"`
}

// Metadata carries task identification and timing into the aggregated
// document.
type Metadata struct {
	TaskID      string       `json:"task_id"`
	Model       string       `json:"model"`
	AppNumber   int          `json:"app_number"`
	AnalysisType AnalysisType `json:"analysis_type"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DurationMS  int64        `json:"duration_ms,omitempty"`
}

// AggregatedResult is the in-memory representation the Aggregator builds
// and hands to the Persister.
type AggregatedResult struct {
	Metadata Metadata                     `json:"metadata"`
	Services map[ServiceKind]ServiceEntry `json:"services"`
	Tools    map[string]ToolEntry         `json:"tools"`
	Findings []Finding                    `json:"findings"`
	Summary  Summary                      `json:"summary"`
	Errors   map[ServiceKind]string       `json:"errors,omitempty"`
	Cancelled bool                        `json:"cancelled,omitempty"`
}
