// Package extract implements the keypoint extraction pipeline for gavel.
//
// Three strategies produce raw findings from one evidence chunk:
// - Rule matching: deterministic regex rules with value templates
// - LLM extraction: structured findings from a generative model
// - Legal-analysis bridge: a deterministic lift of the upstream classifier
//
// Strategy outputs join at the deduplicator and persist as candidates with
// full provenance back to the producing run, rule, and source span.
package extract

import "github.com/lexgrove/gavel/internal/store"

// Candidate kinds.
const (
	KindAdmission = "ADMISSION"
	KindEvent     = "EVENT"
	KindStatement = "STATEMENT"
	KindFinancial = "FINANCIAL"
)

// LegalAnalysis is the coarse classification an upstream classifier may
// have attached to a chunk.
type LegalAnalysis struct {
	PrimaryCategory string   `json:"primary_category"`
	ConfidenceLevel string   `json:"confidence_level"`
	Reasoning       string   `json:"reasoning"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// EvidenceChunk is one unit of evidentiary text to extract from.
type EvidenceChunk struct {
	ID            string
	CaseID        string
	Text          string
	EvidenceType  string
	LegalAnalysis *LegalAnalysis
}

// Span is a character (rune) offset range into the chunk text.
type Span struct {
	Start int
	End   int
}

// Finding is one raw extraction result before deduplication and
// persistence. Statement doubles as the candidate content and the
// deduplication key.
type Finding struct {
	Strategy    string
	RuleID      *int64
	Kind        string
	Statement   string
	Value       map[string]string
	GroundTags  []string
	Confidence  float64
	Materiality int
	Span        Span
	Disputed    bool
}

// toCandidate converts a finding into a store candidate for the given
// chunk and extraction scope.
func (f Finding) toCandidate(chunk EvidenceChunk, extractRef string, runID int64) *store.Candidate {
	value := f.Value
	if f.Disputed {
		if value == nil {
			value = map[string]string{}
		}
		value["is_disputed"] = "true"
	}
	rid := runID
	return &store.Candidate{
		CaseID:      chunk.CaseID,
		EvidenceID:  chunk.ID,
		ExtractRef:  extractRef,
		RunID:       &rid,
		RuleID:      f.RuleID,
		Kind:        f.Kind,
		Content:     f.Statement,
		Value:       value,
		GroundTags:  f.GroundTags,
		Confidence:  f.Confidence,
		Materiality: f.Materiality,
		SpanStart:   f.Span.Start,
		SpanEnd:     f.Span.End,
	}
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampMateriality(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
