package extract

import (
	"strings"
	"testing"

	"github.com/lexgrove/gavel/internal/store"
)

func chatRule() *store.Rule {
	return &store.Rule{
		ID:              1,
		Version:         1,
		EvidenceType:    "chat",
		Kind:            KindAdmission,
		Name:            "infidelity_admission",
		Pattern:         `바람을?\s*피`,
		PatternFlags:    "i",
		GroundTags:      []string{"infidelity"},
		BaseConfidence:  0.65,
		BaseMateriality: 80,
		Enabled:         true,
	}
}

func TestApplyMatch(t *testing.T) {
	m := NewMatcher()
	text := "피고는 바람을 피웠다고 말했다"

	findings, ruleErrs := m.Apply([]*store.Rule{chatRule()}, text)
	if len(ruleErrs) != 0 {
		t.Fatalf("unexpected rule errors: %v", ruleErrs)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}

	f := findings[0]
	if f.Strategy != store.StrategyRuleBased {
		t.Errorf("strategy = %q", f.Strategy)
	}
	if f.Kind != KindAdmission {
		t.Errorf("kind = %q", f.Kind)
	}
	if f.RuleID == nil || *f.RuleID != 1 {
		t.Errorf("rule id not carried: %v", f.RuleID)
	}
	if f.Confidence != 0.65 || f.Materiality != 80 {
		t.Errorf("base scores not carried: conf=%v mat=%d", f.Confidence, f.Materiality)
	}
	if len(f.GroundTags) != 1 || f.GroundTags[0] != "infidelity" {
		t.Errorf("ground tags = %v", f.GroundTags)
	}
	if f.Value["match"] != "바람을 피" {
		t.Errorf("match capture = %q", f.Value["match"])
	}

	// Span is in runes, not bytes.
	runes := []rune(text)
	if got := string(runes[f.Span.Start:f.Span.End]); got != "바람을 피" {
		t.Errorf("span [%d,%d) selects %q", f.Span.Start, f.Span.End, got)
	}
	if !strings.Contains(f.Statement, "바람을 피") {
		t.Errorf("statement excerpt missing match: %q", f.Statement)
	}
}

func TestApplyNoMatch(t *testing.T) {
	m := NewMatcher()
	findings, ruleErrs := m.Apply([]*store.Rule{chatRule()}, "오늘 날씨가 좋다")
	if len(findings) != 0 {
		t.Fatalf("expected zero findings, got %d", len(findings))
	}
	if len(ruleErrs) != 0 {
		t.Fatalf("unexpected rule errors: %v", ruleErrs)
	}
}

func TestApplyMultipleMatches(t *testing.T) {
	m := NewMatcher()
	text := "바람을 피웠다. 그리고 또 바람을 피웠다."
	findings, _ := m.Apply([]*store.Rule{chatRule()}, text)
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	if findings[0].Span == findings[1].Span {
		t.Error("matches share a span")
	}
}

func TestApplySkipsDisabled(t *testing.T) {
	m := NewMatcher()
	rule := chatRule()
	rule.Enabled = false
	findings, ruleErrs := m.Apply([]*store.Rule{rule}, "바람을 피웠다")
	if len(findings) != 0 || len(ruleErrs) != 0 {
		t.Fatalf("disabled rule evaluated: %d findings, %d errors", len(findings), len(ruleErrs))
	}
}

func TestApplyMalformedPattern(t *testing.T) {
	m := NewMatcher()
	bad := chatRule()
	bad.ID = 2
	bad.Name = "broken"
	bad.Pattern = `[unclosed`
	good := chatRule()

	findings, ruleErrs := m.Apply([]*store.Rule{bad, good}, "바람을 피웠다")
	if len(ruleErrs) != 1 {
		t.Fatalf("expected 1 rule error, got %d", len(ruleErrs))
	}
	if ruleErrs[0].RuleID != 2 || ruleErrs[0].Name != "broken" {
		t.Errorf("rule error attribution: %+v", ruleErrs[0])
	}
	if len(findings) != 1 {
		t.Fatalf("healthy rule did not run alongside broken one: %d findings", len(findings))
	}
}

func TestApplyValueTemplate(t *testing.T) {
	m := NewMatcher()
	rule := &store.Rule{
		ID:              3,
		Version:         1,
		EvidenceType:    "receipt",
		Kind:            KindFinancial,
		Name:            "hotel_payment",
		Pattern:         `(?P<merchant>\S+호텔)\s+(?P<amount>[0-9,]+)원`,
		ValueTemplate:   "${merchant}: ${amount}원",
		BaseConfidence:  0.8,
		BaseMateriality: 70,
		Enabled:         true,
	}

	findings, _ := m.Apply([]*store.Rule{rule}, "서울호텔 350,000원 결제")
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	v := findings[0].Value
	if v["merchant"] != "서울호텔" || v["amount"] != "350,000" {
		t.Errorf("named groups = %v", v)
	}
	if v["value"] != "서울호텔: 350,000원" {
		t.Errorf("expanded template = %q", v["value"])
	}
}

func TestApplyFlagSanitization(t *testing.T) {
	m := NewMatcher()
	rule := chatRule()
	rule.ID = 4
	rule.Pattern = "ABC"
	rule.PatternFlags = "ixq" // q is not a Go regexp flag and must be dropped

	findings, ruleErrs := m.Apply([]*store.Rule{rule}, "testing abc here")
	if len(ruleErrs) != 0 {
		t.Fatalf("unexpected rule errors: %v", ruleErrs)
	}
	if len(findings) != 1 {
		t.Fatalf("case-insensitive flag not applied: %d findings", len(findings))
	}
}

func TestApplyDeterministic(t *testing.T) {
	m := NewMatcher()
	rules := []*store.Rule{chatRule()}
	text := "피고는 바람을 피웠다고 말했다"

	first, _ := m.Apply(rules, text)
	second, _ := m.Apply(rules, text)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic finding count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Statement != second[i].Statement || first[i].Span != second[i].Span {
			t.Errorf("finding %d differs between runs", i)
		}
	}
}
