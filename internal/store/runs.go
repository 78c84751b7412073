package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateRun inserts a new extraction run in PENDING.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *ExtractionRun) (int64, error) {
	if strings.TrimSpace(r.CaseID) == "" || strings.TrimSpace(r.EvidenceID) == "" {
		return 0, fmt.Errorf("%w: run requires case_id and evidence_id", ErrValidation)
	}
	switch r.Strategy {
	case StrategyRuleBased, StrategyLLM, StrategyBridge:
	default:
		return 0, fmt.Errorf("%w: unknown strategy %q", ErrValidation, r.Strategy)
	}

	now := time.Now().UTC()
	meta := "{}"
	if len(r.Meta) > 0 {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return 0, fmt.Errorf("encoding run meta: %w", err)
		}
		meta = string(b)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (case_id, evidence_id, strategy, version, status, started_at, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.CaseID, r.EvidenceID, r.Strategy, r.Version, RunPending, now, meta,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}

	r.ID = id
	r.Status = RunPending
	r.StartedAt = now
	return id, nil
}

// StartRun transitions a run from PENDING to RUNNING. The guarded UPDATE
// makes an illegal transition surface as a conflict instead of overwriting
// a terminal row.
func (s *SQLiteStore) StartRun(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE extraction_runs SET status = ? WHERE id = ? AND status = ?",
		RunRunning, id, RunPending,
	)
	if err != nil {
		return fmt.Errorf("starting run: %w", err)
	}
	return s.checkRunTransition(ctx, result, id)
}

// CompleteRun transitions a RUNNING run to COMPLETED with its final
// candidate count. errorMessage carries degraded-but-completed detail,
// e.g. an unparseable model response that yielded zero candidates.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id int64, candidateCount int, errorMessage string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE extraction_runs SET status = ?, finished_at = ?, candidate_count = ?, error_message = ? WHERE id = ? AND status = ?",
		RunCompleted, now, candidateCount, errorMessage, id, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("completing run: %w", err)
	}
	return s.checkRunTransition(ctx, result, id)
}

// FailRun transitions a RUNNING run to FAILED.
func (s *SQLiteStore) FailRun(ctx context.Context, id int64, errorMessage string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		"UPDATE extraction_runs SET status = ?, finished_at = ?, error_message = ? WHERE id = ? AND status = ?",
		RunFailed, now, errorMessage, id, RunRunning,
	)
	if err != nil {
		return fmt.Errorf("failing run: %w", err)
	}
	return s.checkRunTransition(ctx, result, id)
}

func (s *SQLiteStore) checkRunTransition(ctx context.Context, result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, "SELECT status FROM extraction_runs WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("checking run status: %w", err)
	}
	return fmt.Errorf("%w: run %d is %s", ErrConflict, id, status)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*ExtractionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, evidence_id, strategy, version, status, started_at, finished_at, candidate_count, error_message, meta
		 FROM extraction_runs WHERE id = ?`, id,
	)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]*ExtractionRun, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	query := `SELECT id, case_id, evidence_id, strategy, version, status, started_at, finished_at, candidate_count, error_message, meta
	          FROM extraction_runs`
	args := []interface{}{}

	var where []string
	if f.CaseID != "" {
		where = append(where, "case_id = ?")
		args = append(args, f.CaseID)
	}
	if f.EvidenceID != "" {
		where = append(where, "evidence_id = ?")
		args = append(args, f.EvidenceID)
	}
	if f.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, f.Strategy)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*ExtractionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*ExtractionRun, error) {
	r := &ExtractionRun{}
	var finished sql.NullTime
	var meta string
	if err := row.Scan(&r.ID, &r.CaseID, &r.EvidenceID, &r.Strategy, &r.Version,
		&r.Status, &r.StartedAt, &finished, &r.CandidateCount, &r.ErrorMessage, &meta); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
			return nil, fmt.Errorf("decoding run meta: %w", err)
		}
	}
	return r, nil
}
