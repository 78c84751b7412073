package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lexgrove/gavel/internal/grounds"
)

// PromoteCandidates promotes accepted candidates into canonical keypoints.
// With MergeSimilar and more than one candidate, all of them are finalized
// into one merge group with a single canonical keypoint; otherwise each
// candidate promotes individually. Every promoted candidate gets exactly
// one CandidateLink row. The whole promotion is one transaction.
func (s *SQLiteStore) PromoteCandidates(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	if len(req.CandidateIDs) == 0 {
		return nil, fmt.Errorf("%w: candidate_ids must not be empty", ErrValidation)
	}
	seen := make(map[int64]bool, len(req.CandidateIDs))
	for _, id := range req.CandidateIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate candidate id %d", ErrValidation, id)
		}
		seen[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning promotion transaction: %w", err)
	}
	defer tx.Rollback()

	candidates := make([]*Candidate, 0, len(req.CandidateIDs))
	for _, id := range req.CandidateIDs {
		row := tx.QueryRowContext(ctx, candidateSelect+" WHERE id = ?", id)
		c, err := scanCandidate(row)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: candidate %d", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading candidate %d: %w", id, err)
		}
		if c.Status != StatusAccepted {
			return nil, fmt.Errorf("%w: candidate %d is %s, only ACCEPTED candidates can be promoted", ErrValidation, id, c.Status)
		}

		// A linked candidate is frozen; promoting it again is a state
		// conflict, not a duplicate keypoint.
		var existing int64
		err = tx.QueryRowContext(ctx, "SELECT keypoint_id FROM candidate_links WHERE candidate_id = ?", id).Scan(&existing)
		if err == nil {
			return nil, fmt.Errorf("%w: candidate %d is already promoted to keypoint %d", ErrConflict, id, existing)
		}
		if err != sql.ErrNoRows {
			return nil, fmt.Errorf("checking candidate link: %w", err)
		}

		candidates = append(candidates, c)
	}

	caseID := candidates[0].CaseID
	for _, c := range candidates[1:] {
		if c.CaseID != caseID {
			return nil, fmt.Errorf("%w: candidates span cases %q and %q", ErrValidation, caseID, c.CaseID)
		}
	}

	now := time.Now().UTC()
	result := &PromoteResult{}

	if req.MergeSimilar && len(candidates) > 1 {
		kind := candidates[0].Kind
		for _, c := range candidates[1:] {
			if c.Kind != kind {
				return nil, fmt.Errorf("%w: merge group members must share kind, got %q and %q", ErrValidation, kind, c.Kind)
			}
		}

		kp, err := insertKeypoint(ctx, tx, buildKeypoint(caseID, kind, req.MergedContent, candidates), now)
		if err != nil {
			return nil, err
		}

		groupRes, err := tx.ExecContext(ctx,
			`INSERT INTO merge_groups (case_id, kind, canonical_keypoint_id, merged_content, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			caseID, kind, kp.ID, req.MergedContent, req.PromotedBy, now,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting merge group: %w", err)
		}
		groupID, err := groupRes.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting merge group id: %w", err)
		}

		for i, c := range candidates {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO merge_group_members (group_id, candidate_id, position) VALUES (?, ?, ?)",
				groupID, c.ID, i,
			); err != nil {
				return nil, fmt.Errorf("inserting merge group member: %w", err)
			}
			link, err := insertLink(ctx, tx, c.ID, kp.ID, now)
			if err != nil {
				return nil, err
			}
			result.Links = append(result.Links, link)
		}

		result.Keypoints = append(result.Keypoints, kp)
		result.MergeGroupID = &groupID
	} else {
		for _, c := range candidates {
			kp, err := insertKeypoint(ctx, tx, buildKeypoint(caseID, c.Kind, "", []*Candidate{c}), now)
			if err != nil {
				return nil, err
			}
			link, err := insertLink(ctx, tx, c.ID, kp.ID, now)
			if err != nil {
				return nil, err
			}
			result.Keypoints = append(result.Keypoints, kp)
			result.Links = append(result.Links, link)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing promotion: %w", err)
	}
	return result, nil
}

// buildKeypoint derives the canonical keypoint for a set of candidates.
// Statement is the operator-supplied merged content when present, otherwise
// the members' statements joined. Ground codes are the union of member
// ground tags resolved through the ground-code table; confidence and
// materiality take the member maximum.
func buildKeypoint(caseID, kind, mergedContent string, candidates []*Candidate) *Keypoint {
	kp := &Keypoint{
		CaseID: caseID,
		Kind:   kind,
	}

	var statements []string
	var tags []string
	disputed := false
	for _, c := range candidates {
		statements = append(statements, c.Content)
		tags = append(tags, c.GroundTags...)
		if c.Confidence > kp.Confidence {
			kp.Confidence = c.Confidence
		}
		if c.Materiality > kp.Materiality {
			kp.Materiality = c.Materiality
		}
		if c.Value["is_disputed"] == "true" {
			disputed = true
		}
	}

	kp.Statement = mergedContent
	if strings.TrimSpace(kp.Statement) == "" {
		kp.Statement = strings.Join(statements, "; ")
	}
	kp.GroundCodes = grounds.CodesForTags(tags)
	kp.Disputed = disputed
	return kp
}

func insertKeypoint(ctx context.Context, tx *sql.Tx, kp *Keypoint, now time.Time) (*Keypoint, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO keypoints (case_id, kind, statement, ground_codes, confidence, materiality, disputed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kp.CaseID, kp.Kind, kp.Statement, encodeStrings(kp.GroundCodes),
		kp.Confidence, kp.Materiality, boolToInt(kp.Disputed), now,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting keypoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting keypoint id: %w", err)
	}
	kp.ID = id
	kp.CreatedAt = now
	return kp, nil
}

func insertLink(ctx context.Context, tx *sql.Tx, candidateID, keypointID int64, now time.Time) (*CandidateLink, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO candidate_links (candidate_id, keypoint_id, linked_at) VALUES (?, ?, ?)",
		candidateID, keypointID, now,
	); err != nil {
		return nil, fmt.Errorf("inserting candidate link: %w", err)
	}
	return &CandidateLink{CandidateID: candidateID, KeypointID: keypointID, LinkedAt: now}, nil
}

// GetKeypoint retrieves a keypoint by ID.
func (s *SQLiteStore) GetKeypoint(ctx context.Context, id int64) (*Keypoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, kind, statement, ground_codes, confidence, materiality, disputed, created_at
		 FROM keypoints WHERE id = ?`, id,
	)
	kp, err := scanKeypoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: keypoint %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting keypoint %d: %w", id, err)
	}
	return kp, nil
}

// ListKeypoints returns all keypoints for a case, newest first.
func (s *SQLiteStore) ListKeypoints(ctx context.Context, caseID string) ([]*Keypoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, kind, statement, ground_codes, confidence, materiality, disputed, created_at
		 FROM keypoints WHERE case_id = ? ORDER BY id DESC`, caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing keypoints: %w", err)
	}
	defer rows.Close()

	var keypoints []*Keypoint
	for rows.Next() {
		kp, err := scanKeypoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning keypoint row: %w", err)
		}
		keypoints = append(keypoints, kp)
	}
	return keypoints, rows.Err()
}

// GetMergeGroup retrieves a merge group with its ordered member ids.
func (s *SQLiteStore) GetMergeGroup(ctx context.Context, id int64) (*MergeGroup, error) {
	g := &MergeGroup{}
	var keypointID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, kind, canonical_keypoint_id, merged_content, created_by, created_at
		 FROM merge_groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.CaseID, &g.Kind, &keypointID, &g.MergedContent, &g.CreatedBy, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: merge group %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting merge group %d: %w", id, err)
	}
	if keypointID.Valid {
		v := keypointID.Int64
		g.CanonicalKeypointID = &v
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT candidate_id FROM merge_group_members WHERE group_id = ? ORDER BY position", id,
	)
	if err != nil {
		return nil, fmt.Errorf("listing merge group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int64
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scanning merge group member: %w", err)
		}
		g.CandidateIDs = append(g.CandidateIDs, cid)
	}
	return g, rows.Err()
}

// GetLinkForCandidate returns the link for a promoted candidate, or
// ErrNotFound if the candidate was never promoted.
func (s *SQLiteStore) GetLinkForCandidate(ctx context.Context, candidateID int64) (*CandidateLink, error) {
	l := &CandidateLink{}
	err := s.db.QueryRowContext(ctx,
		"SELECT candidate_id, keypoint_id, linked_at FROM candidate_links WHERE candidate_id = ?", candidateID,
	).Scan(&l.CandidateID, &l.KeypointID, &l.LinkedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no link for candidate %d", ErrNotFound, candidateID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting candidate link: %w", err)
	}
	return l, nil
}

func scanKeypoint(row rowScanner) (*Keypoint, error) {
	kp := &Keypoint{}
	var codes string
	var disputed int
	if err := row.Scan(&kp.ID, &kp.CaseID, &kp.Kind, &kp.Statement, &codes,
		&kp.Confidence, &kp.Materiality, &disputed, &kp.CreatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeStrings(codes)
	if err != nil {
		return nil, err
	}
	kp.GroundCodes = decoded
	kp.Disputed = disputed != 0
	return kp, nil
}
