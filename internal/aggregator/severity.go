package aggregator

import (
	"strings"

	"github.com/grabowmar/analysis-orchestrator/internal/domain/task"
)

// cosmeticRuleTable, securityRuleTable, and toolDefaultSeverity together
// form the static, reviewable table the design notes call for, in place
// of scattered per-tool conditionals: a rule_id prefix match always wins
// over any default, and tool defaults always win over the generic token
// fallback.

// cosmeticRuleTable lists rule_id prefixes whose semantics are purely
// cosmetic (whitespace, missing EOF newline, formatting) regardless of the
// originating tool's native severity level. These always map to low/info.
var cosmeticRuleTable = map[string][]string{
	"ruff":    {"W291", "W292", "W293", "W391"},
	"pylint":  {"C0303", "C0304", "C0305"},
	"eslint":  {"eol-last", "no-trailing-spaces", "no-multiple-empty-lines"},
	"mypy":    {},
	"bandit":  {},
}

// securityRuleTable lists rule_id prefixes that represent security
// vulnerabilities or undefined-symbol classes; these always map to high
// regardless of the tool's native severity level.
var securityRuleTable = map[string][]string{
	"bandit":  {"B1", "B2", "B3", "B4", "B5", "B6", "B7"},
	"semgrep": {"security", "sql-injection", "xss", "ssrf"},
	"pylint":  {"E0602"}, // undefined-variable
	"eslint":  {"no-undef"},
	"mypy":    {"undefined"},
	"zap":     {}, // dynamic scanner findings are security by construction
	"nikto":   {},
}

// stylisticTools is the set of tools whose findings default to medium
// (stylistic warnings) when no cosmetic/security rule matches.
var stylisticTools = map[string]bool{
	"ruff":      true,
	"pylint":    true,
	"eslint":    true,
	"stylelint": true,
	"vulture":   true,
}

// toolDefaultSeverity is the per-tool fallback when no rule_id prefix
// matches at all.
var toolDefaultSeverity = map[string]task.Severity{
	"bandit":    task.SeverityHigh,
	"zap":       task.SeverityHigh,
	"nikto":     task.SeverityMedium,
	"semgrep":   task.SeverityMedium,
	"mypy":      task.SeverityMedium,
	"ruff":      task.SeverityMedium,
	"pylint":    task.SeverityMedium,
	"eslint":    task.SeverityMedium,
	"stylelint": task.SeverityLow,
	"vulture":   task.SeverityLow,
	"locust":    task.SeverityInfo,
	"ab":        task.SeverityInfo,
	"k6":        task.SeverityInfo,
	"ai-review": task.SeverityMedium,
}

// genericTokenSeverity maps the free-form severity tokens a tool not in
// any of the tables above might emit natively.
var genericTokenSeverity = map[string]task.Severity{
	"critical": task.SeverityHigh,
	"error":    task.SeverityHigh,
	"high":     task.SeverityHigh,
	"warning":  task.SeverityMedium,
	"medium":   task.SeverityMedium,
	"moderate": task.SeverityMedium,
	"low":      task.SeverityLow,
	"minor":    task.SeverityLow,
	"info":     task.SeverityInfo,
	"note":     task.SeverityInfo,
	"style":    task.SeverityInfo,
}

// NormalizeSeverity maps a tool's native severity token (and rule id, when
// present) to the engine's four-level severity scale.
func NormalizeSeverity(tool, ruleID, rawToken string) task.Severity {
	if hasAnyPrefix(cosmeticRuleTable[tool], ruleID) {
		return task.SeverityLow
	}
	if hasAnyPrefix(securityRuleTable[tool], ruleID) {
		return task.SeverityHigh
	}
	if sev, ok := genericTokenSeverity[strings.ToLower(strings.TrimSpace(rawToken))]; ok {
		// An explicit, unambiguous native token still wins over a
		// tool-level default so an unusually severe finding from a
		// normally-quiet tool isn't silently downgraded.
		if sev == task.SeverityHigh {
			return sev
		}
	}
	if stylisticTools[tool] {
		return task.SeverityMedium
	}
	if sev, ok := toolDefaultSeverity[tool]; ok {
		return sev
	}
	if sev, ok := genericTokenSeverity[strings.ToLower(strings.TrimSpace(rawToken))]; ok {
		return sev
	}
	return task.SeverityMedium
}

func hasAnyPrefix(prefixes []string, s string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// categoryFor buckets a tool into a coarse category used in extracted
// artifact filenames (<service>_<category>_<tool>.sarif.json).
func categoryFor(tool string) string {
	switch tool {
	case "bandit", "zap", "nikto", "semgrep":
		return "security"
	case "ruff", "pylint", "eslint", "stylelint", "mypy", "vulture":
		return "lint"
	case "locust", "ab", "k6":
		return "performance"
	case "ai-review", "ai-requirements":
		return "ai"
	default:
		return "general"
	}
}
