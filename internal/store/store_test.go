package store

import (
	"context"
	"testing"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	tables := []string{"rules", "extraction_runs", "candidates",
		"merge_groups", "merge_group_members", "keypoints", "candidate_links", "meta"}
	for _, table := range tables {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestSchemaVersionSeeded(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	var version string
	ss.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&version)
	if version != "1" {
		t.Errorf("expected schema_version '1', got %q", version)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ss := s.(*SQLiteStore)

	if err := ss.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

// seedAccepted inserts and accepts a candidate, returning its id.
func seedAccepted(t *testing.T, s Store, caseID, kind, content string, confidence float64, tags []string) int64 {
	t.Helper()
	ids, err := s.InsertCandidates(context.Background(), []*Candidate{{
		CaseID:      caseID,
		EvidenceID:  "ev-1",
		Kind:        kind,
		Content:     content,
		Confidence:  confidence,
		Materiality: 60,
		GroundTags:  tags,
	}})
	if err != nil {
		t.Fatalf("InsertCandidates: %v", err)
	}
	if _, err := s.ReviewCandidate(context.Background(), ids[0], StatusAccepted, "reviewer-1", ""); err != nil {
		t.Fatalf("ReviewCandidate: %v", err)
	}
	return ids[0]
}
