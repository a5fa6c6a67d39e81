// Package slug canonicalizes model identifiers and generates lookup
// variants. Normalize is a pure, idempotent function; variant generation is
// confined to this package per the spec's design note against letting
// variant-tolerance metastasize into pattern matching elsewhere.
package slug

import (
	"regexp"
	"strings"
)

// versionDotRun matches a '.' that sits between two digits, or between a
// letter and a digit — the only positions where '.' is version-like and
// gets rewritten to '-' (e.g. "3.5" -> "3-5", "v2.0" -> "v2-0"). A '.' that
// sits elsewhere (e.g. between two letters, or at a boundary that is
// neither) is left unchanged.
var versionDotRun = regexp.MustCompile(`([A-Za-z0-9])\.([0-9])`)

var whitespaceRun = regexp.MustCompile(`\s+`)
var repeatHyphen = regexp.MustCompile(`-{2,}`)
var repeatUnderscore = regexp.MustCompile(`_{2,}`)

// Normalize canonicalizes a model identifier: lower-case, '/' -> '_',
// whitespace runs -> '-', version-like '.' -> '-', with existing hyphens
// preserved and repeated separators collapsed. Normalize is idempotent:
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	out := strings.ToLower(s)
	out = strings.ReplaceAll(out, "/", "_")

	// Rewrite version-like dots before the generic whitespace pass, and
	// repeat until no more matches remain so runs like "3.5.1" fully
	// resolve ("3.5.1" -> "3-5-1").
	for {
		next := versionDotRun.ReplaceAllString(out, "$1-$2")
		if next == out {
			break
		}
		out = next
	}

	out = whitespaceRun.ReplaceAllString(out, "-")

	out = repeatHyphen.ReplaceAllString(out, "-")
	out = repeatUnderscore.ReplaceAllString(out, "_")

	return out
}

// Variants returns a small, ordered list of forms equivalent to a
// canonical slug, used only for tolerant reads against external
// directories (never for writes). The canonical form is always first.
func Variants(canonical string) []string {
	variants := []string{canonical}

	// Restore '_' to '/' at the first boundary, reconstructing a
	// provider/model split (e.g. "anthropic_claude-3-5-sonnet" ->
	// "anthropic/claude-3-5-sonnet").
	if idx := strings.Index(canonical, "_"); idx >= 0 {
		withSlash := canonical[:idx] + "/" + canonical[idx+1:]
		variants = appendUnique(variants, withSlash)
	}

	// Collapse '-' to '_' as an alternate separator form.
	withUnderscores := strings.ReplaceAll(canonical, "-", "_")
	variants = appendUnique(variants, withUnderscores)

	return variants
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
