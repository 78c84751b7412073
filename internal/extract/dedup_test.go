package extract

import (
	"testing"

	"github.com/lexgrove/gavel/internal/store"
)

func TestDedupeKeepsHighestConfidence(t *testing.T) {
	findings := []Finding{
		{Strategy: store.StrategyRuleBased, Statement: "피고가 가출함", Confidence: 0.7},
		{Strategy: store.StrategyLLM, Statement: "피고가 가출함", Confidence: 0.9},
		{Strategy: store.StrategyBridge, Statement: "생활비 미지급", Confidence: 0.5},
	}

	out := Dedupe(findings)
	if len(out) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(out))
	}
	if out[0].Statement != "피고가 가출함" || out[0].Confidence != 0.9 {
		t.Errorf("survivor = %+v, want the 0.9 instance", out[0])
	}
	if out[0].Strategy != store.StrategyLLM {
		t.Errorf("survivor strategy = %q", out[0].Strategy)
	}
	if out[1].Statement != "생활비 미지급" {
		t.Errorf("order not preserved: %q", out[1].Statement)
	}
}

func TestDedupeTieKeepsFirst(t *testing.T) {
	findings := []Finding{
		{Strategy: store.StrategyRuleBased, Statement: "동일 진술", Confidence: 0.8},
		{Strategy: store.StrategyLLM, Statement: "동일 진술", Confidence: 0.8},
	}

	out := Dedupe(findings)
	if len(out) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(out))
	}
	if out[0].Strategy != store.StrategyRuleBased {
		t.Errorf("tie must keep the first-seen finding, got %q", out[0].Strategy)
	}
}

func TestDedupeDistinctStatementsUntouched(t *testing.T) {
	findings := []Finding{
		{Statement: "a", Confidence: 0.1},
		{Statement: "b", Confidence: 0.2},
		{Statement: "c", Confidence: 0.3},
	}
	out := Dedupe(findings)
	if len(out) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		if out[i].Statement != want {
			t.Errorf("out[%d] = %q, want %q", i, out[i].Statement, want)
		}
	}
}

func TestDedupeEmpty(t *testing.T) {
	if out := Dedupe(nil); len(out) != 0 {
		t.Fatalf("expected empty, got %d", len(out))
	}
}
