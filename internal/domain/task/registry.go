package task

import "sort"

// ToolRegistry maps tool names to the service kind that executes them, and
// the set of tools that count as "all default for type" when a task
// requests no specific tools.
type ToolRegistry struct {
	serviceOf map[string]ServiceKind
	defaults  map[AnalysisType][]string
}

// DefaultRegistry is the static tool -> service mapping shipped with the
// engine. Tool lists are illustrative of a generated-web-app analysis
// pipeline; new tools are added here, never inferred at dispatch time.
func DefaultRegistry() *ToolRegistry {
	r := &ToolRegistry{
		serviceOf: map[string]ServiceKind{
			"bandit":        ServiceStatic,
			"ruff":          ServiceStatic,
			"pylint":        ServiceStatic,
			"eslint":        ServiceStatic,
			"mypy":          ServiceStatic,
			"semgrep":       ServiceStatic,
			"vulture":       ServiceStatic,
			"stylelint":     ServiceStatic,
			"zap":           ServiceDynamic,
			"nikto":         ServiceDynamic,
			"curl-probe":    ServiceDynamic,
			"locust":        ServicePerformance,
			"ab":            ServicePerformance,
			"k6":            ServicePerformance,
			"ai-review":     ServiceAI,
			"ai-requirements": ServiceAI,
		},
		defaults: map[AnalysisType][]string{
			AnalysisStatic:      {"bandit", "ruff", "eslint", "mypy"},
			AnalysisDynamic:     {"zap", "nikto"},
			AnalysisPerformance: {"locust", "ab"},
			AnalysisAI:          {"ai-review"},
		},
	}
	return r
}

// ServiceFor returns the service kind responsible for a tool, and whether
// the tool is known at all.
func (r *ToolRegistry) ServiceFor(tool string) (ServiceKind, bool) {
	s, ok := r.serviceOf[tool]
	return s, ok
}

// Resolve groups requested tools by service. An empty requestedTools means
// "all default tools for analysisType"; for AnalysisUnified, defaults from
// every analysis type are unioned. Unknown tool names are ignored (they
// cannot be routed to any service and therefore cannot be attempted).
func (r *ToolRegistry) Resolve(analysisType AnalysisType, requestedTools []string) map[ServiceKind][]string {
	tools := requestedTools
	if len(tools) == 0 {
		tools = r.defaultsFor(analysisType)
	}

	out := make(map[ServiceKind][]string)
	seen := make(map[string]bool)
	for _, tool := range tools {
		if seen[tool] {
			continue
		}
		seen[tool] = true
		svc, ok := r.ServiceFor(tool)
		if !ok {
			continue
		}
		out[svc] = append(out[svc], tool)
	}
	for svc := range out {
		sort.Strings(out[svc])
	}
	return out
}

func (r *ToolRegistry) defaultsFor(analysisType AnalysisType) []string {
	if analysisType == AnalysisUnified {
		var all []string
		for _, t := range []AnalysisType{AnalysisStatic, AnalysisDynamic, AnalysisPerformance, AnalysisAI} {
			all = append(all, r.defaults[t]...)
		}
		return all
	}
	return r.defaults[analysisType]
}
