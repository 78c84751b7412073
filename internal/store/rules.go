package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AddRule inserts a new extraction rule.
func (s *SQLiteStore) AddRule(ctx context.Context, r *Rule) (int64, error) {
	if strings.TrimSpace(r.Name) == "" {
		return 0, fmt.Errorf("%w: rule name is required", ErrValidation)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return 0, fmt.Errorf("%w: rule pattern is required", ErrValidation)
	}
	if strings.TrimSpace(r.EvidenceType) == "" {
		return 0, fmt.Errorf("%w: rule evidence_type is required", ErrValidation)
	}
	if strings.TrimSpace(r.Kind) == "" {
		return 0, fmt.Errorf("%w: rule kind is required", ErrValidation)
	}
	if r.BaseConfidence < 0 || r.BaseConfidence > 1 {
		return 0, fmt.Errorf("%w: base_confidence must be in [0,1], got %v", ErrValidation, r.BaseConfidence)
	}
	if r.BaseMateriality < 0 || r.BaseMateriality > 100 {
		return 0, fmt.Errorf("%w: base_materiality must be in [0,100], got %d", ErrValidation, r.BaseMateriality)
	}
	if r.Version <= 0 {
		r.Version = 1
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (version, evidence_type, kind, name, pattern, pattern_flags, value_template, ground_tags, base_confidence, base_materiality, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Version, r.EvidenceType, r.Kind, r.Name, r.Pattern, r.PatternFlags,
		r.ValueTemplate, encodeStrings(r.GroundTags), r.BaseConfidence,
		r.BaseMateriality, boolToInt(r.Enabled), now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting rule: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}

	r.ID = id
	r.CreatedAt = now
	return id, nil
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, evidence_type, kind, name, pattern, pattern_flags, value_template, ground_tags, base_confidence, base_materiality, enabled, created_at
		 FROM rules WHERE id = ?`, id,
	)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting rule %d: %w", id, err)
	}
	return r, nil
}

// ListRules returns rules matching the filter, newest first.
func (s *SQLiteStore) ListRules(ctx context.Context, f RuleFilter) ([]*Rule, error) {
	query := `SELECT id, version, evidence_type, kind, name, pattern, pattern_flags, value_template, ground_tags, base_confidence, base_materiality, enabled, created_at
	          FROM rules`
	args := []interface{}{}

	var where []string
	if f.EvidenceType != "" {
		where = append(where, "evidence_type = ?")
		args = append(args, f.EvidenceType)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning rule row: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// SetRuleEnabled toggles a rule. The only mutation rules permit; disabling
// is how rules are retired.
func (s *SQLiteStore) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rules SET enabled = ? WHERE id = ?", boolToInt(enabled), id,
	)
	if err != nil {
		return fmt.Errorf("updating rule enabled: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	r := &Rule{}
	var tags string
	var enabled int
	if err := row.Scan(&r.ID, &r.Version, &r.EvidenceType, &r.Kind, &r.Name,
		&r.Pattern, &r.PatternFlags, &r.ValueTemplate, &tags,
		&r.BaseConfidence, &r.BaseMateriality, &enabled, &r.CreatedAt); err != nil {
		return nil, err
	}
	decoded, err := decodeStrings(tags)
	if err != nil {
		return nil, err
	}
	r.GroundTags = decoded
	r.Enabled = enabled != 0
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
