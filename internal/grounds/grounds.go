// Package grounds provides the static ground-code table for dissolution
// grounds. Codes follow Civil Act article 840 numbering (A840-1 through
// A840-6). The table maps coarse classifier categories and rule tags to
// canonical codes, plus ordinal confidence levels used by the
// legal-analysis bridge. Pure lookup, no state.
package grounds

import "strings"

// Canonical ground codes.
const (
	CodeInfidelity   = "A840-1" // spousal infidelity
	CodeDesertion    = "A840-2" // malicious desertion
	CodeMistreatment = "A840-3" // grave mistreatment by spouse or their lineal ascendant
	CodeLinealAbuse  = "A840-4" // grave mistreatment of one's lineal ascendant
	CodeMissing      = "A840-5" // spouse missing three years or more
	CodeOtherGrave   = "A840-6" // other grave cause making the marriage unsustainable
)

// categoryTable maps upstream classifier categories to ground codes.
// Keys are normalized: lowercase, underscores.
var categoryTable = map[string]string{
	"infidelity":        CodeInfidelity,
	"adultery":          CodeInfidelity,
	"affair":            CodeInfidelity,
	"desertion":         CodeDesertion,
	"abandonment":       CodeDesertion,
	"abuse":             CodeMistreatment,
	"mistreatment":      CodeMistreatment,
	"domestic_violence": CodeMistreatment,
	"lineal_abuse":      CodeLinealAbuse,
	"in_law_abuse":      CodeLinealAbuse,
	"missing":           CodeMissing,
	"disappearance":     CodeMissing,
	"other_grave_cause": CodeOtherGrave,
	"irreconcilable":    CodeOtherGrave,
	"financial_ruin":    CodeOtherGrave,
	"gambling":          CodeOtherGrave,
	"addiction":         CodeOtherGrave,
}

// tagTable maps rule ground tags to ground codes. Rule tags overlap with
// classifier categories but stay a separate namespace so administrators can
// add tags without touching the classifier contract.
var tagTable = map[string]string{
	"infidelity":   CodeInfidelity,
	"desertion":    CodeDesertion,
	"home_leaving": CodeDesertion,
	"abuse":        CodeMistreatment,
	"violence":     CodeMistreatment,
	"threats":      CodeMistreatment,
	"lineal_abuse": CodeLinealAbuse,
	"missing":      CodeMissing,
	"gambling":     CodeOtherGrave,
	"addiction":    CodeOtherGrave,
	"debt":         CodeOtherGrave,
	"neglect":      CodeOtherGrave,
}

// Ordinal confidence levels reported by the upstream classifier.
var confidenceLevels = map[string]int{
	"very_low":  1,
	"low":       2,
	"medium":    3,
	"high":      4,
	"very_high": 5,
}

// MaxConfidenceLevel is the top of the ordinal confidence scale.
const MaxConfidenceLevel = 5

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}

// CodeForCategory returns the ground code for an upstream classifier
// category, or "" if the category is unknown.
func CodeForCategory(category string) string {
	return categoryTable[normalize(category)]
}

// CodeForTag returns the ground code for a rule ground tag. Tags that
// already look like canonical codes (an "A840-" prefix) pass through
// unchanged, so LLM findings that carry codes directly resolve to
// themselves.
func CodeForTag(tag string) string {
	t := strings.TrimSpace(tag)
	if strings.HasPrefix(strings.ToUpper(t), "A840-") {
		return strings.ToUpper(t)
	}
	return tagTable[normalize(t)]
}

// CodesForTags resolves a set of tags to the distinct set of ground codes,
// preserving first-seen order and dropping unknown tags.
func CodesForTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var codes []string
	for _, tag := range tags {
		code := CodeForTag(tag)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes
}

// Ordinal returns the numeric ordinal for a classifier confidence level
// and whether the level is known.
func Ordinal(level string) (int, bool) {
	n, ok := confidenceLevels[normalize(level)]
	return n, ok
}

// ConfidenceForLevel converts an ordinal confidence level to a numeric
// confidence in [0,1]. Unknown levels map to 0.
func ConfidenceForLevel(level string) float64 {
	n, ok := Ordinal(level)
	if !ok {
		return 0
	}
	return float64(n) / float64(MaxConfidenceLevel)
}

// ValidCode reports whether code is one of the six canonical ground codes.
func ValidCode(code string) bool {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case CodeInfidelity, CodeDesertion, CodeMistreatment, CodeLinealAbuse, CodeMissing, CodeOtherGrave:
		return true
	}
	return false
}
