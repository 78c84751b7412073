package extract

import (
	"strings"
	"unicode/utf8"

	"github.com/lexgrove/gavel/internal/grounds"
	"github.com/lexgrove/gavel/internal/store"
)

// bridgeMateriality is assigned to bridge findings; the upstream
// classifier carries no materiality signal of its own.
const bridgeMateriality = 40

// Bridge lifts a chunk's upstream coarse classification into exactly one
// finding. The cheapest, always-available strategy: deterministic, no
// external calls, and a floor when neither richer strategy has run.
type Bridge struct{}

// NewBridge creates a legal-analysis bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// Extract emits one finding from the chunk's legal analysis, or nothing
// when the chunk carries none or the reasoning is empty.
func (b *Bridge) Extract(chunk EvidenceChunk) []Finding {
	la := chunk.LegalAnalysis
	if la == nil || strings.TrimSpace(la.Reasoning) == "" {
		return nil
	}

	var tags []string
	if code := grounds.CodeForCategory(la.PrimaryCategory); code != "" {
		tags = []string{code}
	}

	value := map[string]string{
		"primary_category": la.PrimaryCategory,
		"confidence_level": la.ConfidenceLevel,
	}
	if len(la.MatchedKeywords) > 0 {
		value["matched_keywords"] = strings.Join(la.MatchedKeywords, ",")
	}

	return []Finding{{
		Strategy:    store.StrategyBridge,
		Kind:        KindStatement,
		Statement:   strings.TrimSpace(la.Reasoning),
		Value:       value,
		GroundTags:  tags,
		Confidence:  grounds.ConfidenceForLevel(la.ConfidenceLevel),
		Materiality: bridgeMateriality,
		Span:        Span{Start: 0, End: utf8.RuneCountInString(chunk.Text)},
	}}
}
