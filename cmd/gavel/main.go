package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/lexgrove/gavel/internal/config"
	"github.com/lexgrove/gavel/internal/extract"
	"github.com/lexgrove/gavel/internal/mcp"
	"github.com/lexgrove/gavel/internal/store"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "extract":
		err = runExtract(os.Args[2:])
	case "rules":
		err = runRules(os.Args[2:])
	case "candidates":
		err = runCandidates(os.Args[2:])
	case "review":
		err = runReview(os.Args[2:])
	case "promote":
		err = runPromote(os.Args[2:])
	case "runs":
		err = runRuns(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("gavel %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStore resolves config and opens the store; flags already consumed
// by the caller are passed through so --db keeps working everywhere.
func openStore(dbFlag string) (store.Store, config.ResolvedConfig, error) {
	resolved, err := config.ResolveConfig(config.ResolveOptions{CLIDBPath: dbFlag})
	if err != nil {
		return nil, resolved, err
	}
	s, err := store.NewStore(store.Config{DBPath: resolved.DBPath.Value})
	if err != nil {
		return nil, resolved, fmt.Errorf("opening store: %w", err)
	}
	return s, resolved, nil
}

func newEngine(s store.Store, resolved config.ResolvedConfig) (*extract.Engine, error) {
	opts := []extract.Option{extract.WithVersion(version)}
	if radius := resolved.ExcerptRadius(); radius > 0 {
		opts = append(opts, extract.WithExcerptRadius(radius))
	}
	if resolved.LLMEnabled() {
		llm, err := extract.NewLLMExtractor(extract.LLMConfig{
			Model:       resolved.LLMModel.Value,
			APIKey:      resolved.LLMAPIKey.Value,
			BaseURL:     resolved.LLMBaseURL.Value,
			TimeoutSecs: resolved.TimeoutSecs(),
			MinChars:    resolved.MinChars(),
		})
		if err != nil {
			return nil, fmt.Errorf("configuring llm: %w", err)
		}
		opts = append(opts, extract.WithLLM(llm))
	}
	return extract.NewEngine(s, opts...), nil
}

func runExtract(args []string) error {
	var caseID, evidenceID, evidenceType, text, textFile, analysisFile, dbFlag string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--case":
			caseID, i = nextArg(args, i)
		case "--evidence":
			evidenceID, i = nextArg(args, i)
		case "--type":
			evidenceType, i = nextArg(args, i)
		case "--text":
			text, i = nextArg(args, i)
		case "--file":
			textFile, i = nextArg(args, i)
		case "--analysis":
			analysisFile, i = nextArg(args, i)
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		i++
	}

	if caseID == "" || evidenceID == "" {
		return fmt.Errorf("usage: gavel extract --case <id> --evidence <id> (--text <text> | --file <path>) [--type chat] [--analysis <json-file>]")
	}
	if text == "" && textFile != "" {
		b, err := os.ReadFile(textFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", textFile, err)
		}
		text = string(b)
	}
	if text == "" {
		return fmt.Errorf("no evidence text given (--text or --file)")
	}

	chunk := extract.EvidenceChunk{
		ID:           evidenceID,
		CaseID:       caseID,
		Text:         text,
		EvidenceType: evidenceType,
	}
	if analysisFile != "" {
		b, err := os.ReadFile(analysisFile)
		if err != nil {
			return fmt.Errorf("reading %s: %w", analysisFile, err)
		}
		var la extract.LegalAnalysis
		if err := json.Unmarshal(b, &la); err != nil {
			return fmt.Errorf("parsing %s: %w", analysisFile, err)
		}
		chunk.LegalAnalysis = &la
	}

	s, resolved, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := newEngine(s, resolved)
	if err != nil {
		return err
	}

	result, err := engine.ProcessChunk(context.Background(), chunk)
	if err != nil {
		return err
	}

	fmt.Printf("Extraction %s\n", result.ExtractRef)
	for strategy, runID := range result.RunIDs {
		fmt.Printf("  run %d (%s)\n", runID, strategy)
	}
	fmt.Printf("  %d candidate(s) persisted\n", len(result.CandidateIDs))
	for _, note := range result.Notes {
		fmt.Printf("  note: %s\n", note)
	}
	return nil
}

// ruleSeed is the YAML import format for rule definitions.
type ruleSeed struct {
	Rules []struct {
		EvidenceType  string   `yaml:"evidence_type"`
		Kind          string   `yaml:"kind"`
		Name          string   `yaml:"name"`
		Pattern       string   `yaml:"pattern"`
		Flags         string   `yaml:"flags"`
		ValueTemplate string   `yaml:"value_template"`
		GroundTags    []string `yaml:"ground_tags"`
		Confidence    float64  `yaml:"confidence"`
		Materiality   int      `yaml:"materiality"`
		Enabled       *bool    `yaml:"enabled"`
	} `yaml:"rules"`
}

func runRules(args []string) error {
	sub := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}

	var evidenceType, dbFlag string
	var enabledOnly bool
	var rest []string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--type":
			evidenceType, i = nextArg(args, i)
		case "--enabled":
			enabledOnly = true
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			rest = append(rest, arg)
		}
		i++
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()

	switch sub {
	case "list":
		rules, err := s.ListRules(ctx, store.RuleFilter{EvidenceType: evidenceType, EnabledOnly: enabledOnly})
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules.")
			return nil
		}
		for _, r := range rules {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("%4d  v%d  %-10s %-10s %-28s conf=%.2f mat=%d  %s\n",
				r.ID, r.Version, r.EvidenceType, r.Kind, r.Name, r.BaseConfidence, r.BaseMateriality, state)
		}
		return nil

	case "import":
		if len(rest) != 1 {
			return fmt.Errorf("usage: gavel rules import <rules.yaml>")
		}
		return importRules(ctx, s, rest[0])

	case "enable", "disable":
		if len(rest) != 1 {
			return fmt.Errorf("usage: gavel rules %s <rule-id>", sub)
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not a rule id", rest[0])
		}
		if err := s.SetRuleEnabled(ctx, id, sub == "enable"); err != nil {
			return err
		}
		fmt.Printf("Rule %d %sd.\n", id, sub)
		return nil

	default:
		return fmt.Errorf("unknown rules subcommand: %s (expected list, import, enable, disable)", sub)
	}
}

func importRules(ctx context.Context, s store.Store, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var seed ruleSeed
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(seed.Rules) == 0 {
		return fmt.Errorf("%s contains no rules", path)
	}

	imported := 0
	for _, def := range seed.Rules {
		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}
		id, err := s.AddRule(ctx, &store.Rule{
			EvidenceType:    def.EvidenceType,
			Kind:            def.Kind,
			Name:            def.Name,
			Pattern:         def.Pattern,
			PatternFlags:    def.Flags,
			ValueTemplate:   def.ValueTemplate,
			GroundTags:      def.GroundTags,
			BaseConfidence:  def.Confidence,
			BaseMateriality: def.Materiality,
			Enabled:         enabled,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "  skipping %s: %v\n", def.Name, err)
			continue
		}
		fmt.Printf("  rule %d: %s\n", id, def.Name)
		imported++
	}
	fmt.Printf("Imported %d of %d rule(s).\n", imported, len(seed.Rules))
	return nil
}

func runCandidates(args []string) error {
	var caseID, status, kind, dbFlag string
	limit := 20

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--case":
			caseID, i = nextArg(args, i)
		case "--status":
			status, i = nextArg(args, i)
		case "--kind":
			kind, i = nextArg(args, i)
		case "--limit":
			var v string
			v, i = nextArg(args, i)
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		i++
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	candidates, err := s.ListCandidates(context.Background(), store.CandidateFilter{
		CaseID: caseID, Status: status, Kind: kind, Limit: limit,
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("No candidates.")
		return nil
	}
	for _, c := range candidates {
		fmt.Printf("%4d  %-9s %-10s %-8s conf=%.2f mat=%d  %s\n",
			c.ID, c.Status, c.Kind, c.CaseID, c.Confidence, c.Materiality, truncate(c.Content, 60))
		if len(c.GroundTags) > 0 {
			fmt.Printf("      grounds: %s\n", strings.Join(c.GroundTags, ", "))
		}
	}
	return nil
}

func runReview(args []string) error {
	var reason, reviewer, dbFlag, decision string
	var rest []string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--accept":
			decision = store.StatusAccepted
		case "--reject":
			decision = store.StatusRejected
		case "--reason":
			reason, i = nextArg(args, i)
		case "--by":
			reviewer, i = nextArg(args, i)
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			rest = append(rest, arg)
		}
		i++
	}

	if len(rest) != 1 || decision == "" || reviewer == "" {
		return fmt.Errorf("usage: gavel review <candidate-id> (--accept | --reject --reason <why>) --by <reviewer>")
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%q is not a candidate id", rest[0])
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	cand, err := s.ReviewCandidate(context.Background(), id, decision, reviewer, reason)
	if err != nil {
		return err
	}
	fmt.Printf("Candidate %d is now %s (by %s).\n", cand.ID, cand.Status, reviewer)
	return nil
}

func runPromote(args []string) error {
	var merge bool
	var content, promotedBy, dbFlag string
	var rest []string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--merge":
			merge = true
		case "--content":
			content, i = nextArg(args, i)
		case "--by":
			promotedBy, i = nextArg(args, i)
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			rest = append(rest, arg)
		}
		i++
	}

	if len(rest) == 0 || promotedBy == "" {
		return fmt.Errorf("usage: gavel promote <candidate-id>... [--merge] [--content <statement>] --by <promoter>")
	}
	var ids []int64
	for _, r := range rest {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not a candidate id", r)
		}
		ids = append(ids, id)
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.PromoteCandidates(context.Background(), store.PromoteRequest{
		CandidateIDs:  ids,
		MergeSimilar:  merge,
		MergedContent: content,
		PromotedBy:    promotedBy,
	})
	if err != nil {
		return err
	}

	for _, kp := range result.Keypoints {
		fmt.Printf("Keypoint %d: %s\n", kp.ID, truncate(kp.Statement, 70))
		if len(kp.GroundCodes) > 0 {
			fmt.Printf("  grounds: %s\n", strings.Join(kp.GroundCodes, ", "))
		}
	}
	if result.MergeGroupID != nil {
		fmt.Printf("Merge group %d (%d member(s)).\n", *result.MergeGroupID, len(result.Links))
	}
	return nil
}

func runRuns(args []string) error {
	var caseID, evidenceID, strategy, status, dbFlag string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--case":
			caseID, i = nextArg(args, i)
		case "--evidence":
			evidenceID, i = nextArg(args, i)
		case "--strategy":
			strategy, i = nextArg(args, i)
		case "--status":
			status, i = nextArg(args, i)
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		i++
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(context.Background(), store.RunFilter{
		CaseID: caseID, EvidenceID: evidenceID, Strategy: strategy, Status: status,
	})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%4d  %-9s %-21s %-8s evidence=%s candidates=%d\n",
			r.ID, r.Status, r.Strategy, r.CaseID, r.EvidenceID, r.CandidateCount)
		if r.ErrorMessage != "" {
			fmt.Printf("      %s\n", truncate(r.ErrorMessage, 90))
		}
	}
	return nil
}

func runStats(args []string) error {
	var caseID, dbFlag string

	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--case":
			caseID, i = nextArg(args, i)
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			if strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unknown flag: %s", arg)
			}
			caseID = arg
		}
		i++
	}
	if caseID == "" {
		return fmt.Errorf("usage: gavel stats <case-id>")
	}

	s, _, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.Stats(context.Background(), caseID)
	if err != nil {
		return err
	}

	fmt.Printf("Case %s\n", stats.CaseID)
	fmt.Printf("  rules: %d (%d enabled)\n", stats.RuleCount, stats.EnabledRuleCount)
	fmt.Printf("  candidates:")
	printCounts(stats.CandidatesByStatus)
	fmt.Printf("  by kind:")
	printCounts(stats.CandidatesByKind)
	fmt.Printf("  runs:")
	printCounts(stats.RunsByStatus)
	fmt.Printf("  by strategy:")
	printCounts(stats.RunsByStrategy)
	fmt.Printf("  keypoints: %d (%d merge group(s))\n", stats.KeypointCount, stats.MergeGroupCount)
	return nil
}

func runServe(args []string) error {
	var dbFlag string
	i := 0
	for i < len(args) {
		arg := args[i]
		switch arg {
		case "--db":
			dbFlag, i = nextArg(args, i)
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
		i++
	}

	s, resolved, err := openStore(dbFlag)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := newEngine(s, resolved)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerConfig{Store: s, Engine: engine, Version: version})
	fmt.Fprintln(os.Stderr, "gavel MCP server listening on stdio")
	return server.ServeStdio(srv)
}

func nextArg(args []string, i int) (string, int) {
	if i+1 < len(args) {
		return args[i+1], i + 1
	}
	return "", i
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println(" none")
		return
	}
	var parts []string
	for k, v := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	fmt.Printf(" %s\n", strings.Join(parts, " "))
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func printUsage() {
	fmt.Printf(`gavel %s — Evidence keypoint extraction for dissolution cases

Usage:
  gavel <command> [arguments]

Commands:
  extract             Run the extraction pipeline on one evidence chunk
  rules               Manage extraction rules (list, import, enable, disable)
  candidates          List extraction candidates
  review              Accept or reject a candidate
  promote             Promote accepted candidates to keypoints
  runs                List extraction runs
  stats               Show pipeline statistics for a case
  serve               Start the MCP server on stdio
  version             Print version

Extract Flags:
  --case <id>         Case the evidence belongs to
  --evidence <id>     Evidence chunk identifier
  --text <text>       Evidence text inline
  --file <path>       Evidence text from a file
  --type <type>       Evidence type for rule scoping
  --analysis <file>   Upstream legal-analysis JSON

Flags:
  --db <path>         Database path (default: %s)
  -h, --help          Show this help message
  -v, --version       Print version
`, version, store.DefaultDBPath)
}
