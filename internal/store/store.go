// Package store provides the SQLite storage layer for gavel.
//
// All pipeline state lives in a single SQLite database file, including:
// - Versioned extraction rules (never deleted, only disabled)
// - Extraction run audit rows (append-only)
// - Keypoint candidates with full provenance and review state
// - Merge groups, promoted keypoints, and candidate→keypoint links
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.gavel/gavel.db"

// Extraction strategies.
const (
	StrategyRuleBased = "rule_based"
	StrategyLLM       = "llm"
	StrategyBridge    = "legal_analysis_bridge"
)

// Run statuses.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunFailed    = "FAILED"
)

// Candidate review statuses.
const (
	StatusCandidate = "CANDIDATE"
	StatusAccepted  = "ACCEPTED"
	StatusRejected  = "REJECTED"
)

// Rule is a versioned extraction pattern. Immutable once used by a run
// except for Enabled; rules are disabled rather than deleted so past runs
// stay reproducible.
type Rule struct {
	ID              int64
	Version         int
	EvidenceType    string
	Kind            string
	Name            string
	Pattern         string
	PatternFlags    string
	ValueTemplate   string
	GroundTags      []string
	BaseConfidence  float64
	BaseMateriality int
	Enabled         bool
	CreatedAt       time.Time
}

// ExtractionRun is one audited invocation of one strategy against one
// evidence item. Terminal rows (COMPLETED/FAILED) are immutable.
type ExtractionRun struct {
	ID             int64
	CaseID         string
	EvidenceID     string
	Strategy       string
	Version        string
	Status         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	CandidateCount int
	ErrorMessage   string
	Meta           map[string]string
}

// Candidate is one surviving finding with provenance and review state.
// RuleID is set only for rule-based candidates. Rows are never physically
// deleted; the only mutable fields are the review columns.
type Candidate struct {
	ID              int64
	CaseID          string
	EvidenceID      string
	ExtractRef      string
	RunID           *int64
	RuleID          *int64
	Kind            string
	Content         string
	Value           map[string]string
	GroundTags      []string
	Confidence      float64
	Materiality     int
	SpanStart       int
	SpanEnd         int
	Status          string
	ReviewerID      string
	ReviewedAt      *time.Time
	RejectionReason string
	CreatedAt       time.Time
}

// MergeGroup consolidates accepted candidates that describe the same
// underlying fact. CanonicalKeypointID is filled at promotion and immutable
// afterward.
type MergeGroup struct {
	ID                  int64
	CaseID              string
	Kind                string
	CanonicalKeypointID *int64
	CandidateIDs        []int64
	MergedContent       string
	CreatedBy           string
	CreatedAt           time.Time
}

// CandidateLink is the provenance edge from a promoted candidate to the
// keypoint it produced. One candidate links to exactly one keypoint.
type CandidateLink struct {
	CandidateID int64
	KeypointID  int64
	LinkedAt    time.Time
}

// Keypoint is a canonical, case-level factual assertion produced by
// promotion.
type Keypoint struct {
	ID          int64
	CaseID      string
	Kind        string
	Statement   string
	GroundCodes []string
	Confidence  float64
	Materiality int
	Disputed    bool
	CreatedAt   time.Time
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	EvidenceType string
	Kind         string
	EnabledOnly  bool
}

// CandidateFilter narrows ListCandidates.
type CandidateFilter struct {
	CaseID string
	Status string
	Kind   string
	Limit  int
	Offset int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	CaseID     string
	EvidenceID string
	Strategy   string
	Status     string
	Limit      int
}

// PipelineStats summarizes pipeline state for one case.
type PipelineStats struct {
	CaseID             string
	CandidatesByStatus map[string]int
	CandidatesByKind   map[string]int
	RunsByStrategy     map[string]int
	RunsByStatus       map[string]int
	RuleCount          int
	EnabledRuleCount   int
	KeypointCount      int
	MergeGroupCount    int
}

// PromoteRequest is the input to PromoteCandidates.
type PromoteRequest struct {
	CandidateIDs  []int64
	MergeSimilar  bool
	MergedContent string
	PromotedBy    string
}

// PromoteResult reports what a promotion created.
type PromoteResult struct {
	Keypoints    []*Keypoint
	Links        []*CandidateLink
	MergeGroupID *int64
}

// Store defines the storage interface for the extraction pipeline.
type Store interface {
	// Rules
	AddRule(ctx context.Context, r *Rule) (int64, error)
	GetRule(ctx context.Context, id int64) (*Rule, error)
	ListRules(ctx context.Context, f RuleFilter) ([]*Rule, error)
	SetRuleEnabled(ctx context.Context, id int64, enabled bool) error

	// Extraction runs
	CreateRun(ctx context.Context, r *ExtractionRun) (int64, error)
	StartRun(ctx context.Context, id int64) error
	CompleteRun(ctx context.Context, id int64, candidateCount int, errorMessage string) error
	FailRun(ctx context.Context, id int64, errorMessage string) error
	GetRun(ctx context.Context, id int64) (*ExtractionRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*ExtractionRun, error)

	// Candidates
	InsertCandidates(ctx context.Context, candidates []*Candidate) ([]int64, error)
	GetCandidate(ctx context.Context, id int64) (*Candidate, error)
	ListCandidates(ctx context.Context, f CandidateFilter) ([]*Candidate, error)
	ReviewCandidate(ctx context.Context, id int64, status, reviewerID, rejectionReason string) (*Candidate, error)

	// Promotion
	PromoteCandidates(ctx context.Context, req PromoteRequest) (*PromoteResult, error)
	GetKeypoint(ctx context.Context, id int64) (*Keypoint, error)
	ListKeypoints(ctx context.Context, caseID string) ([]*Keypoint, error)
	GetMergeGroup(ctx context.Context, id int64) (*MergeGroup, error)
	GetLinkForCandidate(ctx context.Context, candidateID int64) (*CandidateLink, error)

	// Observability
	Stats(ctx context.Context, caseID string) (*PipelineStats, error)

	Close() error
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	// Create parent directory for non-memory databases
	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Enable WAL mode and foreign keys
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying *sql.DB for packages that need direct access.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
