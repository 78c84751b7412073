package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertCandidates persists the surviving findings for one extraction run
// scope in a single transaction, so a chunk's candidates either all commit
// or leave no trace. Returns the server-generated ids in input order.
func (s *SQLiteStore) InsertCandidates(ctx context.Context, candidates []*Candidate) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, c := range candidates {
		if strings.TrimSpace(c.CaseID) == "" || strings.TrimSpace(c.EvidenceID) == "" {
			return nil, fmt.Errorf("%w: candidate requires case_id and evidence_id", ErrValidation)
		}
		if strings.TrimSpace(c.Content) == "" {
			return nil, fmt.Errorf("%w: candidate content is required", ErrValidation)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence must be in [0,1], got %v", ErrValidation, c.Confidence)
		}
		if c.Materiality < 0 || c.Materiality > 100 {
			return nil, fmt.Errorf("%w: materiality must be in [0,100], got %d", ErrValidation, c.Materiality)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning candidate transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO candidates (case_id, evidence_id, extract_ref, run_id, rule_id, kind, content, value, ground_tags, confidence, materiality, span_start, span_end, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.CaseID, c.EvidenceID, c.ExtractRef, c.RunID, c.RuleID, c.Kind,
			c.Content, encodeStringMap(c.Value), encodeStrings(c.GroundTags),
			c.Confidence, c.Materiality, c.SpanStart, c.SpanEnd, StatusCandidate, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting candidate: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting last insert id: %w", err)
		}
		c.ID = id
		c.Status = StatusCandidate
		c.CreatedAt = now
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing candidates: %w", err)
	}
	return ids, nil
}

// GetCandidate retrieves a candidate by ID.
func (s *SQLiteStore) GetCandidate(ctx context.Context, id int64) (*Candidate, error) {
	row := s.db.QueryRowContext(ctx, candidateSelect+" WHERE id = ?", id)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: candidate %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting candidate %d: %w", id, err)
	}
	return c, nil
}

// ListCandidates returns candidates matching the filter, newest first.
func (s *SQLiteStore) ListCandidates(ctx context.Context, f CandidateFilter) ([]*Candidate, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := candidateSelect
	args := []interface{}{}

	var where []string
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// ReviewCandidate applies a reviewer decision. CANDIDATE → ACCEPTED or
// REJECTED is the only transition; REJECTED requires a non-empty reason.
// Re-submitting an identical, already-applied decision is a no-op; a
// conflicting decision returns ErrConflict. The UPDATE is guarded on the
// current status so a racing reviewer loses with a conflict rather than a
// silent overwrite.
func (s *SQLiteStore) ReviewCandidate(ctx context.Context, id int64, status, reviewerID, rejectionReason string) (*Candidate, error) {
	if status != StatusAccepted && status != StatusRejected {
		return nil, fmt.Errorf("%w: status must be %s or %s", ErrValidation, StatusAccepted, StatusRejected)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return nil, fmt.Errorf("%w: reviewer_id is required", ErrValidation)
	}
	if status == StatusRejected && strings.TrimSpace(rejectionReason) == "" {
		return nil, fmt.Errorf("%w: rejection requires a rejection_reason", ErrValidation)
	}
	if status == StatusAccepted {
		rejectionReason = ""
	}

	current, err := s.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Status != StatusCandidate {
		return s.resolveReviewedState(current, status, rejectionReason)
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE candidates SET status = ?, reviewer_id = ?, reviewed_at = ?, rejection_reason = ?
		 WHERE id = ? AND status = ?`,
		status, reviewerID, now, rejectionReason, id, StatusCandidate,
	)
	if err != nil {
		return nil, fmt.Errorf("updating candidate status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the race: someone reviewed it since we read. Re-read and
		// resolve idempotently.
		current, err = s.GetCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.resolveReviewedState(current, status, rejectionReason)
	}

	return s.GetCandidate(ctx, id)
}

// resolveReviewedState decides whether a decision against an already
// reviewed candidate is an idempotent repeat or a conflict.
func (s *SQLiteStore) resolveReviewedState(current *Candidate, status, rejectionReason string) (*Candidate, error) {
	if current.Status == status && current.RejectionReason == rejectionReason {
		return current, nil
	}
	return nil, fmt.Errorf("%w: candidate %d is already %s", ErrConflict, current.ID, current.Status)
}

const candidateSelect = `SELECT id, case_id, evidence_id, extract_ref, run_id, rule_id, kind, content, value, ground_tags, confidence, materiality, span_start, span_end, status, reviewer_id, reviewed_at, rejection_reason, created_at
	 FROM candidates`

func scanCandidate(row rowScanner) (*Candidate, error) {
	c := &Candidate{}
	var runID, ruleID sql.NullInt64
	var reviewedAt sql.NullTime
	var value, tags string
	if err := row.Scan(&c.ID, &c.CaseID, &c.EvidenceID, &c.ExtractRef,
		&runID, &ruleID, &c.Kind, &c.Content, &value, &tags,
		&c.Confidence, &c.Materiality, &c.SpanStart, &c.SpanEnd,
		&c.Status, &c.ReviewerID, &reviewedAt, &c.RejectionReason, &c.CreatedAt); err != nil {
		return nil, err
	}
	if runID.Valid {
		v := runID.Int64
		c.RunID = &v
	}
	if ruleID.Valid {
		v := ruleID.Int64
		c.RuleID = &v
	}
	if reviewedAt.Valid {
		t := reviewedAt.Time
		c.ReviewedAt = &t
	}
	var err error
	if c.Value, err = decodeStringMap(value); err != nil {
		return nil, err
	}
	if c.GroundTags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	return c, nil
}
