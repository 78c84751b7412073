package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lexgrove/gavel/internal/store"
)

// Engine orchestrates one extraction pass over one evidence chunk: it
// fans the chunk out to the configured strategies concurrently, records
// one audited run per strategy, joins their findings at the deduplicator,
// and persists the survivors as candidates in a single transaction.
//
// Each strategy's success or failure is independent: an LLM timeout fails
// only the LLM run; rule and bridge output for the same chunk still
// persists.
type Engine struct {
	store   store.Store
	matcher *Matcher
	llm     *LLMExtractor
	bridge  *Bridge
	version string
}

// Option configures the engine.
type Option func(*Engine)

// WithLLM enables the generative extraction strategy.
func WithLLM(llm *LLMExtractor) Option {
	return func(e *Engine) { e.llm = llm }
}

// WithVersion stamps extraction runs with a pipeline version string.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// WithExcerptRadius overrides the rune radius of rule-match excerpts.
func WithExcerptRadius(radius int) Option {
	return func(e *Engine) {
		if radius > 0 {
			e.matcher.excerptRadius = radius
		}
	}
}

// NewEngine creates an extraction engine. Rule matching and the
// legal-analysis bridge are always on; the LLM strategy runs only when
// configured via WithLLM.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		matcher: NewMatcher(),
		bridge:  NewBridge(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports one ProcessChunk invocation.
type Result struct {
	ExtractRef   string
	RunIDs       map[string]int64
	CandidateIDs []int64
	Notes        []string
}

// outcome is one strategy's report at the join point.
type outcome struct {
	runID    int64
	findings []Finding
	note     string
	err      error
}

// ProcessChunk runs all configured strategies against the chunk and
// persists the deduplicated candidates. The returned result lists the run
// ids per strategy and the persisted candidate ids.
func (e *Engine) ProcessChunk(ctx context.Context, chunk EvidenceChunk) (*Result, error) {
	if strings.TrimSpace(chunk.ID) == "" || strings.TrimSpace(chunk.CaseID) == "" {
		return nil, fmt.Errorf("%w: chunk requires id and case_id", store.ErrValidation)
	}

	strategies := []string{store.StrategyRuleBased}
	if e.llm != nil {
		strategies = append(strategies, store.StrategyLLM)
	}
	strategies = append(strategies, store.StrategyBridge)

	extractRef := uuid.NewString()
	result := &Result{ExtractRef: extractRef, RunIDs: map[string]int64{}}

	// Create and start every run up front so even a strategy that panics
	// into failure has its audit row.
	runIDs := make(map[string]int64, len(strategies))
	for _, strategy := range strategies {
		runID, err := e.beginRun(ctx, chunk, strategy, extractRef)
		if err != nil {
			return nil, err
		}
		runIDs[strategy] = runID
		result.RunIDs[strategy] = runID
	}

	// Fan out. Strategies are independent; the only shared state is the
	// outcome map, written under the mutex of the WaitGroup join.
	outcomes := make(map[string]*outcome, len(strategies))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, strategy := range strategies {
		wg.Add(1)
		go func(strategy string) {
			defer wg.Done()
			o := e.runStrategy(ctx, strategy, chunk)
			o.runID = runIDs[strategy]
			mu.Lock()
			outcomes[strategy] = o
			mu.Unlock()
		}(strategy)
	}
	wg.Wait()

	// Join point: concatenate successful strategy output in fixed order
	// so deduplication tie-breaks stay deterministic, then dedupe.
	var joined []Finding
	runForIndex := make([]int64, 0)
	for _, strategy := range strategies {
		o := outcomes[strategy]
		if o.err != nil {
			continue
		}
		for _, f := range o.findings {
			joined = append(joined, f)
			runForIndex = append(runForIndex, o.runID)
		}
	}
	survivors := Dedupe(joined)

	candidates := make([]*store.Candidate, 0, len(survivors))
	countByRun := make(map[int64]int, len(strategies))
	for _, f := range survivors {
		runID := runForFinding(joined, runForIndex, f)
		candidates = append(candidates, f.toCandidate(chunk, extractRef, runID))
		countByRun[runID]++
	}

	ids, err := e.store.InsertCandidates(ctx, candidates)
	if err != nil {
		for _, strategy := range strategies {
			_ = e.store.FailRun(ctx, runIDs[strategy], fmt.Sprintf("persisting candidates: %v", err))
		}
		return nil, fmt.Errorf("persisting candidates: %w", err)
	}
	result.CandidateIDs = ids

	// Settle each run: FAILED for strategies that errored, COMPLETED with
	// the surviving candidate count otherwise.
	for _, strategy := range strategies {
		o := outcomes[strategy]
		if o.err != nil {
			if failErr := e.store.FailRun(ctx, o.runID, o.err.Error()); failErr != nil {
				return nil, fmt.Errorf("failing %s run: %w", strategy, failErr)
			}
			result.Notes = append(result.Notes, fmt.Sprintf("%s: %v", strategy, o.err))
			continue
		}
		if err := e.store.CompleteRun(ctx, o.runID, countByRun[o.runID], o.note); err != nil {
			return nil, fmt.Errorf("completing %s run: %w", strategy, err)
		}
		if o.note != "" {
			result.Notes = append(result.Notes, fmt.Sprintf("%s: %s", strategy, o.note))
		}
	}

	return result, nil
}

// beginRun creates the audit row in PENDING and moves it to RUNNING.
// Attempt numbering counts prior runs of the same strategy against the
// same evidence; retries are always new rows.
func (e *Engine) beginRun(ctx context.Context, chunk EvidenceChunk, strategy, extractRef string) (int64, error) {
	prior, err := e.store.ListRuns(ctx, store.RunFilter{EvidenceID: chunk.ID, Strategy: strategy})
	if err != nil {
		return 0, fmt.Errorf("counting prior runs: %w", err)
	}

	runID, err := e.store.CreateRun(ctx, &store.ExtractionRun{
		CaseID:     chunk.CaseID,
		EvidenceID: chunk.ID,
		Strategy:   strategy,
		Version:    e.version,
		Meta: map[string]string{
			"attempt":     strconv.Itoa(len(prior) + 1),
			"extract_ref": extractRef,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("creating %s run: %w", strategy, err)
	}
	if err := e.store.StartRun(ctx, runID); err != nil {
		return 0, fmt.Errorf("starting %s run: %w", strategy, err)
	}
	return runID, nil
}

// runStrategy executes one strategy and reports its outcome. Never
// panics outward; an error here fails only this strategy's run.
func (e *Engine) runStrategy(ctx context.Context, strategy string, chunk EvidenceChunk) *outcome {
	switch strategy {
	case store.StrategyRuleBased:
		rules, err := e.store.ListRules(ctx, store.RuleFilter{EvidenceType: chunk.EvidenceType, EnabledOnly: true})
		if err != nil {
			return &outcome{err: fmt.Errorf("loading rules: %w", err)}
		}
		findings, ruleErrs := e.matcher.Apply(rules, chunk.Text)
		note := ""
		if len(ruleErrs) > 0 {
			msgs := make([]string, len(ruleErrs))
			for i, re := range ruleErrs {
				msgs[i] = re.Error()
			}
			note = "malformed rules skipped: " + strings.Join(msgs, "; ")
		}
		return &outcome{findings: findings, note: note}

	case store.StrategyLLM:
		findings, note, err := e.llm.Extract(ctx, chunk)
		if err != nil {
			return &outcome{err: err}
		}
		return &outcome{findings: findings, note: note}

	case store.StrategyBridge:
		return &outcome{findings: e.bridge.Extract(chunk)}

	default:
		return &outcome{err: fmt.Errorf("unknown strategy %q", strategy)}
	}
}

// runForFinding resolves which run produced a surviving finding by
// locating its exact instance in the pre-dedup join.
func runForFinding(joined []Finding, runForIndex []int64, f Finding) int64 {
	for i := range joined {
		if joined[i].Statement == f.Statement && joined[i].Confidence == f.Confidence && joined[i].Strategy == f.Strategy {
			return runForIndex[i]
		}
	}
	return 0
}
