package store

import (
	"context"
	"fmt"
)

// Stats returns pipeline statistics for one case.
func (s *SQLiteStore) Stats(ctx context.Context, caseID string) (*PipelineStats, error) {
	stats := &PipelineStats{
		CaseID:             caseID,
		CandidatesByStatus: map[string]int{},
		CandidatesByKind:   map[string]int{},
		RunsByStrategy:     map[string]int{},
		RunsByStatus:       map[string]int{},
	}

	if err := s.countInto(ctx, stats.CandidatesByStatus,
		"SELECT status, COUNT(*) FROM candidates WHERE case_id = ? GROUP BY status", caseID); err != nil {
		return nil, fmt.Errorf("counting candidates by status: %w", err)
	}
	if err := s.countInto(ctx, stats.CandidatesByKind,
		"SELECT kind, COUNT(*) FROM candidates WHERE case_id = ? GROUP BY kind", caseID); err != nil {
		return nil, fmt.Errorf("counting candidates by kind: %w", err)
	}
	if err := s.countInto(ctx, stats.RunsByStrategy,
		"SELECT strategy, COUNT(*) FROM extraction_runs WHERE case_id = ? GROUP BY strategy", caseID); err != nil {
		return nil, fmt.Errorf("counting runs by strategy: %w", err)
	}
	if err := s.countInto(ctx, stats.RunsByStatus,
		"SELECT status, COUNT(*) FROM extraction_runs WHERE case_id = ? GROUP BY status", caseID); err != nil {
		return nil, fmt.Errorf("counting runs by status: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules").Scan(&stats.RuleCount); err != nil {
		return nil, fmt.Errorf("counting rules: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules WHERE enabled = 1").Scan(&stats.EnabledRuleCount); err != nil {
		return nil, fmt.Errorf("counting enabled rules: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM keypoints WHERE case_id = ?", caseID).Scan(&stats.KeypointCount); err != nil {
		return nil, fmt.Errorf("counting keypoints: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM merge_groups WHERE case_id = ?", caseID).Scan(&stats.MergeGroupCount); err != nil {
		return nil, fmt.Errorf("counting merge groups: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStore) countInto(ctx context.Context, dest map[string]int, query string, args ...interface{}) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dest[key] = n
	}
	return rows.Err()
}
