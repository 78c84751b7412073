package store

import (
	"context"
	"errors"
	"testing"
)

func testCandidate() *Candidate {
	return &Candidate{
		CaseID:      "case-1",
		EvidenceID:  "ev-1",
		ExtractRef:  "ref-1",
		Kind:        "ADMISSION",
		Content:     "피고는 바람을 피웠다고 말했다",
		Value:       map[string]string{"matched": "바람을 피"},
		GroundTags:  []string{"infidelity"},
		Confidence:  0.65,
		Materiality: 80,
		SpanStart:   4,
		SpanEnd:     10,
	}
}

func TestInsertAndGetCandidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertCandidates(ctx, []*Candidate{testCandidate()})
	if err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v", ids)
	}

	got, err := s.GetCandidate(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetCandidate: %v", err)
	}
	if got.Status != StatusCandidate {
		t.Errorf("status = %q, want CANDIDATE", got.Status)
	}
	if got.Content != "피고는 바람을 피웠다고 말했다" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Value["matched"] != "바람을 피" {
		t.Errorf("value = %v", got.Value)
	}
	if got.SpanStart != 4 || got.SpanEnd != 10 {
		t.Errorf("span = [%d,%d]", got.SpanStart, got.SpanEnd)
	}
	if got.RuleID != nil {
		t.Error("rule_id should be nil for non-rule candidate")
	}
}

func TestInsertCandidatesValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := testCandidate()
	bad.Confidence = -0.1
	if _, err := s.InsertCandidates(ctx, []*Candidate{bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("negative confidence: expected ErrValidation, got %v", err)
	}

	bad = testCandidate()
	bad.Materiality = 150
	if _, err := s.InsertCandidates(ctx, []*Candidate{bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("out-of-range materiality: expected ErrValidation, got %v", err)
	}

	// A bad row anywhere in the batch aborts the whole insert.
	good := testCandidate()
	bad = testCandidate()
	bad.Content = ""
	if _, err := s.InsertCandidates(ctx, []*Candidate{good, bad}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	rows, err := s.ListCandidates(ctx, CandidateFilter{CaseID: "case-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("partial batch persisted: %d rows", len(rows))
	}
}

func TestListCandidatesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testCandidate()
	b := testCandidate()
	b.Kind = "EVENT"
	b.Content = "피고가 가출함"
	c := testCandidate()
	c.CaseID = "case-2"
	c.Content = "다른 사건 진술"
	if _, err := s.InsertCandidates(ctx, []*Candidate{a, b, c}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReviewCandidate(ctx, b.ID, StatusAccepted, "reviewer-1", ""); err != nil {
		t.Fatal(err)
	}

	caseOne, err := s.ListCandidates(ctx, CandidateFilter{CaseID: "case-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(caseOne) != 2 {
		t.Errorf("case-1 candidates = %d, want 2", len(caseOne))
	}

	accepted, err := s.ListCandidates(ctx, CandidateFilter{CaseID: "case-1", Status: StatusAccepted})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 1 || accepted[0].Kind != "EVENT" {
		t.Errorf("accepted = %+v", accepted)
	}

	admissions, err := s.ListCandidates(ctx, CandidateFilter{CaseID: "case-1", Kind: "ADMISSION"})
	if err != nil {
		t.Fatal(err)
	}
	if len(admissions) != 1 {
		t.Errorf("admissions = %d, want 1", len(admissions))
	}
}

func TestReviewAccept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertCandidates(ctx, []*Candidate{testCandidate()})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ReviewCandidate(ctx, ids[0], StatusAccepted, "reviewer-1", "")
	if err != nil {
		t.Fatalf("ReviewCandidate: %v", err)
	}
	if got.Status != StatusAccepted {
		t.Errorf("status = %q", got.Status)
	}
	if got.ReviewerID != "reviewer-1" {
		t.Errorf("reviewer = %q", got.ReviewerID)
	}
	if got.ReviewedAt == nil {
		t.Error("reviewed_at not set")
	}
}

func TestReviewRejectRequiresReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertCandidates(ctx, []*Candidate{testCandidate()})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.ReviewCandidate(ctx, ids[0], StatusRejected, "reviewer-1", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// Status must be untouched by the failed request.
	got, err := s.GetCandidate(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCandidate {
		t.Errorf("status = %q, want CANDIDATE", got.Status)
	}
}

func TestReviewIdempotentResubmit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertCandidates(ctx, []*Candidate{testCandidate()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReviewCandidate(ctx, ids[0], StatusRejected, "reviewer-1", "duplicate of #12"); err != nil {
		t.Fatal(err)
	}

	// Identical decision again: no-op success.
	got, err := s.ReviewCandidate(ctx, ids[0], StatusRejected, "reviewer-2", "duplicate of #12")
	if err != nil {
		t.Fatalf("identical resubmit: %v", err)
	}
	if got.ReviewerID != "reviewer-1" {
		t.Errorf("no-op resubmit overwrote reviewer: %q", got.ReviewerID)
	}

	// Conflicting decision: conflict.
	if _, err := s.ReviewCandidate(ctx, ids[0], StatusAccepted, "reviewer-2", ""); !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting decision: expected ErrConflict, got %v", err)
	}
	if _, err := s.ReviewCandidate(ctx, ids[0], StatusRejected, "reviewer-2", "different reason"); !errors.Is(err, ErrConflict) {
		t.Errorf("different reason: expected ErrConflict, got %v", err)
	}
}

func TestReviewNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReviewCandidate(context.Background(), 777, StatusAccepted, "reviewer-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReviewInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.InsertCandidates(ctx, []*Candidate{testCandidate()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReviewCandidate(ctx, ids[0], "PROMOTED", "reviewer-1", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := s.ReviewCandidate(ctx, ids[0], StatusAccepted, "", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("missing reviewer: expected ErrValidation, got %v", err)
	}
}
