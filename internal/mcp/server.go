// Package mcp provides a Model Context Protocol server for gavel.
//
// It exposes the extraction pipeline (extract, rules, candidates, review,
// promote, stats) as MCP tools over stdio transport, so agent frontends
// can drive the pipeline and the review workflow directly.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lexgrove/gavel/internal/extract"
	"github.com/lexgrove/gavel/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Engine  *extract.Engine
	Version string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: extraction completes before reviews see its candidates.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all gavel tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Gavel",
		ver,
		server.WithToolCapabilities(false),
	)

	registerExtractTool(s, cfg.Engine)
	registerRulesTool(s, cfg.Store)
	registerCandidatesTool(s, cfg.Store)
	registerReviewTool(s, cfg.Store)
	registerPromoteTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	return s
}

// errorResult maps store errors onto tool errors so callers can tell a
// caller mistake (validation), a missing record, and a lost race apart.
func errorResult(op string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("%s: not found: %v", op, err))
	case errors.Is(err, store.ErrValidation):
		return mcp.NewToolResultError(fmt.Sprintf("%s: invalid input: %v", op, err))
	case errors.Is(err, store.ErrConflict):
		return mcp.NewToolResultError(fmt.Sprintf("%s: conflict: %v", op, err))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("%s error: %v", op, err))
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data))
}

func registerExtractTool(s *server.MCPServer, engine *extract.Engine) {
	tool := mcp.NewTool("gavel_extract",
		mcp.WithDescription("Run the keypoint extraction pipeline on one evidence chunk. Applies rule matching, LLM extraction (when configured), and the legal-analysis bridge, then persists deduplicated candidates with full provenance."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("case_id",
			mcp.Required(),
			mcp.Description("Case the evidence belongs to"),
		),
		mcp.WithString("evidence_id",
			mcp.Required(),
			mcp.Description("Stable identifier of the evidence chunk"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Evidence chunk text"),
		),
		mcp.WithString("evidence_type",
			mcp.Description("Evidence type for rule scoping (e.g. 'chat', 'receipt', 'testimony')"),
		),
		mcp.WithString("legal_analysis",
			mcp.Description("Optional upstream legal-analysis JSON: {primary_category, confidence_level, reasoning, matched_keywords}"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcp.NewToolResultError("case_id is required"), nil
		}
		evidenceID, err := req.RequireString("evidence_id")
		if err != nil {
			return mcp.NewToolResultError("evidence_id is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}

		chunk := extract.EvidenceChunk{
			ID:     evidenceID,
			CaseID: caseID,
			Text:   text,
		}
		if et, err := req.RequireString("evidence_type"); err == nil {
			chunk.EvidenceType = et
		}
		if raw, err := req.RequireString("legal_analysis"); err == nil && strings.TrimSpace(raw) != "" {
			var la extract.LegalAnalysis
			if err := json.Unmarshal([]byte(raw), &la); err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid legal_analysis: %v", err)), nil
			}
			chunk.LegalAnalysis = &la
		}

		result, err := engine.ProcessChunk(ctx, chunk)
		if err != nil {
			return errorResult("extract", err), nil
		}
		return jsonResult(result), nil
	})
}

func registerRulesTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("gavel_rules",
		mcp.WithDescription("List extraction rules, optionally filtered by evidence type or kind. Rules are versioned regex patterns that produce candidates deterministically."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("evidence_type",
			mcp.Description("Filter rules by evidence type"),
		),
		mcp.WithString("kind",
			mcp.Description("Filter rules by candidate kind (ADMISSION, EVENT, STATEMENT, FINANCIAL)"),
		),
		mcp.WithBoolean("enabled_only",
			mcp.Description("Return only enabled rules"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		var f store.RuleFilter
		if et, err := req.RequireString("evidence_type"); err == nil {
			f.EvidenceType = et
		}
		if kind, err := req.RequireString("kind"); err == nil {
			f.Kind = kind
		}
		if enabled, err := req.RequireBool("enabled_only"); err == nil {
			f.EnabledOnly = enabled
		}

		rules, err := st.ListRules(ctx, f)
		if err != nil {
			return errorResult("rules", err), nil
		}
		return jsonResult(rules), nil
	})
}

func registerCandidatesTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("gavel_candidates",
		mcp.WithDescription("List extraction candidates awaiting review, or filter by case, status, and kind. Each candidate carries provenance: run, rule, source span, and ground tags."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("case_id",
			mcp.Description("Filter candidates by case"),
		),
		mcp.WithString("status",
			mcp.Description("Filter by status (CANDIDATE, ACCEPTED, REJECTED)"),
		),
		mcp.WithString("kind",
			mcp.Description("Filter by kind (ADMISSION, EVENT, STATEMENT, FINANCIAL)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of candidates to return (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		f := store.CandidateFilter{Limit: 20}
		if caseID, err := req.RequireString("case_id"); err == nil {
			f.CaseID = caseID
		}
		if status, err := req.RequireString("status"); err == nil {
			f.Status = status
		}
		if kind, err := req.RequireString("kind"); err == nil {
			f.Kind = kind
		}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 100 {
				limit = 100
			}
			if limit > 0 {
				f.Limit = limit
			}
		}

		candidates, err := st.ListCandidates(ctx, f)
		if err != nil {
			return errorResult("candidates", err), nil
		}
		return jsonResult(candidates), nil
	})
}

func registerReviewTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("gavel_review",
		mcp.WithDescription("Accept or reject a candidate. Rejection requires a reason. Resubmitting an identical decision is a no-op; a conflicting decision on an already-reviewed candidate is an error."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("candidate_id",
			mcp.Required(),
			mcp.Description("Candidate to review"),
		),
		mcp.WithString("decision",
			mcp.Required(),
			mcp.Description("Review decision"),
			mcp.Enum("ACCEPTED", "REJECTED"),
		),
		mcp.WithString("reviewer",
			mcp.Required(),
			mcp.Description("Identity of the reviewer"),
		),
		mcp.WithString("reason",
			mcp.Description("Rejection reason (required when decision is REJECTED)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("candidate_id")
		if err != nil {
			return mcp.NewToolResultError("candidate_id is required"), nil
		}
		decision, err := req.RequireString("decision")
		if err != nil {
			return mcp.NewToolResultError("decision is required"), nil
		}
		reviewer, err := req.RequireString("reviewer")
		if err != nil {
			return mcp.NewToolResultError("reviewer is required"), nil
		}
		reason := ""
		if r, err := req.RequireString("reason"); err == nil {
			reason = r
		}

		cand, err := st.ReviewCandidate(ctx, int64(idVal), decision, reviewer, reason)
		if err != nil {
			return errorResult("review", err), nil
		}
		return jsonResult(cand), nil
	})
}

func registerPromoteTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("gavel_promote",
		mcp.WithDescription("Promote accepted candidates to case keypoints. With merge=true, combines same-kind candidates from one case into a single merged keypoint; otherwise each candidate becomes its own keypoint. Promotion is final."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("candidate_ids",
			mcp.Required(),
			mcp.Description("Comma-separated accepted candidate ids"),
		),
		mcp.WithBoolean("merge",
			mcp.Description("Merge all candidates into one keypoint"),
		),
		mcp.WithString("merged_content",
			mcp.Description("Statement for the merged keypoint (default: joined member statements)"),
		),
		mcp.WithString("promoted_by",
			mcp.Required(),
			mcp.Description("Identity of the promoter"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		rawIDs, err := req.RequireString("candidate_ids")
		if err != nil {
			return mcp.NewToolResultError("candidate_ids is required"), nil
		}
		promotedBy, err := req.RequireString("promoted_by")
		if err != nil {
			return mcp.NewToolResultError("promoted_by is required"), nil
		}

		ids, err := parseIDList(rawIDs)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid candidate_ids: %v", err)), nil
		}

		promoteReq := store.PromoteRequest{
			CandidateIDs: ids,
			PromotedBy:   promotedBy,
		}
		if merge, err := req.RequireBool("merge"); err == nil {
			promoteReq.MergeSimilar = merge
		}
		if mc, err := req.RequireString("merged_content"); err == nil {
			promoteReq.MergedContent = mc
		}

		result, err := st.PromoteCandidates(ctx, promoteReq)
		if err != nil {
			return errorResult("promote", err), nil
		}
		return jsonResult(result), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("gavel_stats",
		mcp.WithDescription("Get pipeline statistics for a case: candidates by status and kind, runs by strategy and status, rule counts, keypoints, and merge groups."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("case_id",
			mcp.Required(),
			mcp.Description("Case to summarize"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcp.NewToolResultError("case_id is required"), nil
		}

		stats, err := st.Stats(ctx, caseID)
		if err != nil {
			return errorResult("stats", err), nil
		}
		return jsonResult(stats), nil
	})
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(part, "%d", &id); err != nil {
			return nil, fmt.Errorf("%q is not an id", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no ids given")
	}
	return ids, nil
}
