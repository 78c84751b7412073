package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lexgrove/gavel/internal/store"
)

func newEngineStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChatRule(t *testing.T, s store.Store) int64 {
	t.Helper()
	id, err := s.AddRule(context.Background(), &store.Rule{
		EvidenceType:    "chat",
		Kind:            KindAdmission,
		Name:            "infidelity_admission",
		Pattern:         `바람을?\s*피`,
		GroundTags:      []string{"infidelity"},
		BaseConfidence:  0.65,
		BaseMateriality: 80,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	return id
}

func testChunk() EvidenceChunk {
	return EvidenceChunk{
		ID:           "ev-1",
		CaseID:       "case-1",
		Text:         "피고는 바람을 피웠다고 말했다",
		EvidenceType: "chat",
	}
}

func TestProcessChunkRuleOnly(t *testing.T) {
	s := newEngineStore(t)
	ruleID := seedChatRule(t, s)
	ctx := context.Background()

	result, err := NewEngine(s, WithVersion("test")).ProcessChunk(ctx, testChunk())
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if result.ExtractRef == "" {
		t.Error("missing extract ref")
	}
	if len(result.RunIDs) != 2 {
		t.Fatalf("expected rule and bridge runs, got %v", result.RunIDs)
	}
	if len(result.CandidateIDs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(result.CandidateIDs))
	}

	cand, err := s.GetCandidate(ctx, result.CandidateIDs[0])
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if cand.RuleID == nil || *cand.RuleID != ruleID {
		t.Errorf("candidate rule id = %v", cand.RuleID)
	}
	if cand.RunID == nil || *cand.RunID != result.RunIDs[store.StrategyRuleBased] {
		t.Errorf("candidate run id = %v", cand.RunID)
	}
	if cand.ExtractRef != result.ExtractRef {
		t.Errorf("extract ref = %q", cand.ExtractRef)
	}
	if cand.Status != store.StatusCandidate {
		t.Errorf("status = %q", cand.Status)
	}

	// Both runs settle COMPLETED with accurate counts.
	ruleRun, err := s.GetRun(ctx, result.RunIDs[store.StrategyRuleBased])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ruleRun.Status != store.RunCompleted || ruleRun.CandidateCount != 1 {
		t.Errorf("rule run = %s/%d", ruleRun.Status, ruleRun.CandidateCount)
	}
	bridgeRun, err := s.GetRun(ctx, result.RunIDs[store.StrategyBridge])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if bridgeRun.Status != store.RunCompleted || bridgeRun.CandidateCount != 0 {
		t.Errorf("bridge run = %s/%d", bridgeRun.Status, bridgeRun.CandidateCount)
	}
}

func TestProcessChunkLLMFailureIsIsolated(t *testing.T) {
	s := newEngineStore(t)
	seedChatRule(t, s)
	ctx := context.Background()

	llm := &LLMExtractor{
		client:   &fakeCompleter{err: errors.New("gateway timeout")},
		model:    openai.GPT4oMini,
		timeout:  time.Second,
		minChars: 1,
	}
	result, err := NewEngine(s, WithLLM(llm)).ProcessChunk(ctx, testChunk())
	if err != nil {
		t.Fatalf("ProcessChunk must survive an llm failure: %v", err)
	}

	// Rule candidate persisted despite the failed strategy.
	if len(result.CandidateIDs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(result.CandidateIDs))
	}

	llmRun, err := s.GetRun(ctx, result.RunIDs[store.StrategyLLM])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if llmRun.Status != store.RunFailed {
		t.Errorf("llm run status = %q", llmRun.Status)
	}
	if !strings.Contains(llmRun.ErrorMessage, "gateway timeout") {
		t.Errorf("llm run error = %q", llmRun.ErrorMessage)
	}

	ruleRun, err := s.GetRun(ctx, result.RunIDs[store.StrategyRuleBased])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ruleRun.Status != store.RunCompleted {
		t.Errorf("rule run status = %q", ruleRun.Status)
	}
	if len(result.Notes) == 0 {
		t.Error("failure not surfaced in result notes")
	}
}

func TestProcessChunkDedupeAcrossStrategies(t *testing.T) {
	s := newEngineStore(t)
	ctx := context.Background()

	// Rule and LLM assert the identical statement; only the
	// higher-confidence instance persists.
	if _, err := s.AddRule(ctx, &store.Rule{
		EvidenceType:    "chat",
		Kind:            KindStatement,
		Name:            "desertion_statement",
		Pattern:         `피고가 가출함`,
		GroundTags:      []string{"desertion"},
		BaseConfidence:  0.7,
		BaseMateriality: 60,
		Enabled:         true,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	llm := &LLMExtractor{
		client: &fakeCompleter{content: `{"findings": [
			{"statement": "피고가 가출함", "confidence_score": 0.9, "legal_ground_codes": ["A840-2"]}
		]}`},
		model:    openai.GPT4oMini,
		timeout:  time.Second,
		minChars: 1,
	}

	chunk := EvidenceChunk{ID: "ev-2", CaseID: "case-1", Text: "피고가 가출함", EvidenceType: "chat"}
	result, err := NewEngine(s, WithLLM(llm)).ProcessChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if len(result.CandidateIDs) != 1 {
		t.Fatalf("expected 1 deduplicated candidate, got %d", len(result.CandidateIDs))
	}

	cand, err := s.GetCandidate(ctx, result.CandidateIDs[0])
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if cand.Confidence != 0.9 {
		t.Errorf("survivor confidence = %v", cand.Confidence)
	}
	if cand.RunID == nil || *cand.RunID != result.RunIDs[store.StrategyLLM] {
		t.Errorf("survivor not attributed to the llm run: %v", cand.RunID)
	}

	// Counts reflect survivors, not raw output.
	ruleRun, _ := s.GetRun(ctx, result.RunIDs[store.StrategyRuleBased])
	if ruleRun.CandidateCount != 0 {
		t.Errorf("rule run count = %d, want 0 after dedupe", ruleRun.CandidateCount)
	}
	llmRun, _ := s.GetRun(ctx, result.RunIDs[store.StrategyLLM])
	if llmRun.CandidateCount != 1 {
		t.Errorf("llm run count = %d", llmRun.CandidateCount)
	}
}

func TestProcessChunkBridge(t *testing.T) {
	s := newEngineStore(t)
	ctx := context.Background()

	chunk := testChunk()
	chunk.LegalAnalysis = &LegalAnalysis{
		PrimaryCategory: "infidelity",
		ConfidenceLevel: "high",
		Reasoning:       "대화에서 부정행위 정황이 드러남",
	}

	result, err := NewEngine(s).ProcessChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}
	if len(result.CandidateIDs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(result.CandidateIDs))
	}

	cand, err := s.GetCandidate(ctx, result.CandidateIDs[0])
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if cand.RunID == nil || *cand.RunID != result.RunIDs[store.StrategyBridge] {
		t.Errorf("candidate not attributed to bridge run: %v", cand.RunID)
	}
	if len(cand.GroundTags) != 1 || cand.GroundTags[0] != "A840-1" {
		t.Errorf("ground tags = %v", cand.GroundTags)
	}
}

func TestProcessChunkRetryAttemptNumbering(t *testing.T) {
	s := newEngineStore(t)
	ctx := context.Background()
	engine := NewEngine(s)

	chunk := EvidenceChunk{ID: "ev-3", CaseID: "case-1", Text: "내용 없음", EvidenceType: "chat"}
	first, err := engine.ProcessChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("first ProcessChunk: %v", err)
	}
	second, err := engine.ProcessChunk(ctx, chunk)
	if err != nil {
		t.Fatalf("second ProcessChunk: %v", err)
	}

	if first.ExtractRef == second.ExtractRef {
		t.Error("retries must get fresh extract refs")
	}

	r1, _ := s.GetRun(ctx, first.RunIDs[store.StrategyRuleBased])
	r2, _ := s.GetRun(ctx, second.RunIDs[store.StrategyRuleBased])
	if r1.Meta["attempt"] != "1" || r2.Meta["attempt"] != "2" {
		t.Errorf("attempts = %q, %q", r1.Meta["attempt"], r2.Meta["attempt"])
	}
}

func TestProcessChunkMalformedRuleNoted(t *testing.T) {
	s := newEngineStore(t)
	ctx := context.Background()
	if _, err := s.AddRule(ctx, &store.Rule{
		EvidenceType:    "chat",
		Kind:            KindAdmission,
		Name:            "broken",
		Pattern:         `[unclosed`,
		BaseConfidence:  0.5,
		BaseMateriality: 50,
		Enabled:         true,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	result, err := NewEngine(s).ProcessChunk(ctx, testChunk())
	if err != nil {
		t.Fatalf("ProcessChunk: %v", err)
	}

	run, err := s.GetRun(ctx, result.RunIDs[store.StrategyRuleBased])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("run status = %q, malformed rule must not fail the run", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "broken") {
		t.Errorf("run note = %q", run.ErrorMessage)
	}
}

func TestProcessChunkRejectsInvalidChunk(t *testing.T) {
	s := newEngineStore(t)
	_, err := NewEngine(s).ProcessChunk(context.Background(), EvidenceChunk{Text: "text"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}
