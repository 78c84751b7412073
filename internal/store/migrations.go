package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Versioned extraction rules. Rules are never deleted, only
		// disabled, so historical runs stay reproducible.
		`CREATE TABLE IF NOT EXISTS rules (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			version          INTEGER NOT NULL DEFAULT 1,
			evidence_type    TEXT NOT NULL,
			kind             TEXT NOT NULL,
			name             TEXT NOT NULL,
			pattern          TEXT NOT NULL,
			pattern_flags    TEXT NOT NULL DEFAULT '',
			value_template   TEXT NOT NULL DEFAULT '',
			ground_tags      TEXT NOT NULL DEFAULT '[]',
			base_confidence  REAL NOT NULL CHECK(base_confidence >= 0 AND base_confidence <= 1),
			base_materiality INTEGER NOT NULL CHECK(base_materiality >= 0 AND base_materiality <= 100),
			enabled          INTEGER NOT NULL DEFAULT 1,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_rules_evidence_type ON rules(evidence_type, enabled)`,

		// One audit row per strategy invocation (append-only).
		`CREATE TABLE IF NOT EXISTS extraction_runs (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id         TEXT NOT NULL,
			evidence_id     TEXT NOT NULL,
			strategy        TEXT NOT NULL CHECK(strategy IN ('rule_based','llm','legal_analysis_bridge')),
			version         TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL CHECK(status IN ('PENDING','RUNNING','COMPLETED','FAILED')),
			started_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at     DATETIME,
			candidate_count INTEGER NOT NULL DEFAULT 0,
			error_message   TEXT NOT NULL DEFAULT '',
			meta            TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_case ON extraction_runs(case_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_evidence ON extraction_runs(evidence_id)`,

		// Keypoint candidates with full provenance. Only the review columns
		// ever mutate.
		`CREATE TABLE IF NOT EXISTS candidates (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id          TEXT NOT NULL,
			evidence_id      TEXT NOT NULL,
			extract_ref      TEXT NOT NULL DEFAULT '',
			run_id           INTEGER REFERENCES extraction_runs(id),
			rule_id          INTEGER REFERENCES rules(id),
			kind             TEXT NOT NULL,
			content          TEXT NOT NULL,
			value            TEXT NOT NULL DEFAULT '{}',
			ground_tags      TEXT NOT NULL DEFAULT '[]',
			confidence       REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
			materiality      INTEGER NOT NULL CHECK(materiality >= 0 AND materiality <= 100),
			span_start       INTEGER NOT NULL DEFAULT 0,
			span_end         INTEGER NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'CANDIDATE' CHECK(status IN ('CANDIDATE','ACCEPTED','REJECTED')),
			reviewer_id      TEXT NOT NULL DEFAULT '',
			reviewed_at      DATETIME,
			rejection_reason TEXT NOT NULL DEFAULT '',
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_candidates_case_status ON candidates(case_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_evidence ON candidates(evidence_id)`,
		// Guards against duplicate rows from a retried persist of the same run.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_candidates_run_content ON candidates(run_id, content)`,

		// Accepted candidates consolidated into one keypoint.
		`CREATE TABLE IF NOT EXISTS merge_groups (
			id                    INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id               TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			canonical_keypoint_id INTEGER REFERENCES keypoints(id),
			merged_content        TEXT NOT NULL DEFAULT '',
			created_by            TEXT NOT NULL DEFAULT '',
			created_at            DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// A candidate belongs to at most one finalized merge group.
		`CREATE TABLE IF NOT EXISTS merge_group_members (
			group_id     INTEGER NOT NULL REFERENCES merge_groups(id),
			candidate_id INTEGER NOT NULL UNIQUE REFERENCES candidates(id),
			position     INTEGER NOT NULL,
			PRIMARY KEY (group_id, candidate_id)
		)`,

		// Canonical case-level keypoints produced by promotion.
		`CREATE TABLE IF NOT EXISTS keypoints (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			case_id      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			statement    TEXT NOT NULL,
			ground_codes TEXT NOT NULL DEFAULT '[]',
			confidence   REAL NOT NULL CHECK(confidence >= 0 AND confidence <= 1),
			materiality  INTEGER NOT NULL CHECK(materiality >= 0 AND materiality <= 100),
			disputed     INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_keypoints_case ON keypoints(case_id)`,

		// Provenance edge: promoted candidate → keypoint. The primary key
		// enforces one link per candidate.
		`CREATE TABLE IF NOT EXISTS candidate_links (
			candidate_id INTEGER PRIMARY KEY REFERENCES candidates(id),
			keypoint_id  INTEGER NOT NULL REFERENCES keypoints(id),
			linked_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": "1",
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
