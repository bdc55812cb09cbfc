// Package orchestrator implements the budgeted multi-step answering path.
//
// A run moves through decompose, retrieve and synthesize phases under a
// budget of tokens, wall time and steps. Retrieval steps for sub-queries
// run with bounded parallelism; their context fragments are assembled in
// sub-query order regardless of completion order, so a run over the same
// store state produces the same context. Synthesis always runs over
// whatever evidence was accumulated, partial or not.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/llms"
	"github.com/doclens/doclens/pkg/observability"
	"github.com/doclens/doclens/pkg/retrieval"
	"github.com/doclens/doclens/pkg/segments"
)

// Phase names a stage of an orchestration run.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseDecompose  Phase = "DECOMPOSE"
	PhaseRetrieve   Phase = "RETRIEVE_STEP"
	PhaseSynthesize Phase = "SYNTHESIZE"
	PhaseDone       Phase = "DONE"

	// Terminal phases for budget-bounded runs; synthesis still happens.
	PhaseBudgetExceeded Phase = "BUDGET_EXCEEDED"
	PhaseStepLimit      Phase = "STEP_LIMIT"
)

// Result is the outcome of one orchestration run.
type Result struct {
	Answer      string
	Termination Phase
	SubQueries  []string
	StepsRun    int
	UniqueDocs  int
	Partial     bool
}

// StepFunc receives progress descriptions as the run advances.
type StepFunc func(description string)

// Orchestrator executes the long path.
type Orchestrator struct {
	provider  llms.Provider
	retriever *retrieval.Retriever
	synth     *retrieval.Synthesizer
	decomp    *Decomposer
	counter   *Counter
	longCfg   config.LongPathConfig
	limits    retrieval.Limits
	respCfg   config.ResponseConfig

	// clock overrides the budget clock; nil means time.Now.
	clock func() time.Time
}

// New creates an orchestrator. counter may be nil; estimation then falls
// back to a character heuristic. metrics may be nil.
func New(provider llms.Provider, retriever *retrieval.Retriever, counter *Counter, metrics *observability.Metrics, agentCfg config.AgentConfig) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		retriever: retriever,
		synth:     retrieval.NewSynthesizer(provider, agentCfg.Response, metrics),
		decomp:    NewDecomposer(provider, agentCfg.LongPath.MaxSubqueries),
		counter:   counter,
		longCfg:   agentCfg.LongPath,
		limits:    retrieval.StepLimits(agentCfg.LongPath, agentCfg.ShortPath, agentCfg.Response),
		respCfg:   agentCfg.Response,
	}
}

// Run executes the full decompose/retrieve/synthesize cycle.
func (o *Orchestrator) Run(ctx context.Context, query string, scope segments.Scope, imageURL string, onStep StepFunc) (*Result, error) {
	if onStep == nil {
		onStep = func(string) {}
	}

	now := o.clock
	if now == nil {
		now = time.Now
	}
	budget := newBudget(o.longCfg.BudgetTokens, o.longCfg.MaxSteps, time.Duration(o.longCfg.BudgetTimeSec)*time.Second, now)
	result := &Result{Termination: PhaseDone}

	onStep("breaking the question into sub-questions")
	subQueries := o.decomp.Decompose(ctx, query)
	result.SubQueries = subQueries

	fragments := make([]*retrieval.Context, len(subQueries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.longCfg.Parallelism)

	launched := 0
	for i, sub := range subQueries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if exhausted := budget.Exhausted(); exhausted != ExhaustedNone {
			result.Termination = terminationFor(exhausted)
			result.Partial = true
			slog.Info("budget exhausted before step",
				"dimension", exhausted,
				"steps_run", launched,
				"subqueries_total", len(subQueries))
			break
		}
		if !budget.ConsumeStep() {
			result.Termination = PhaseStepLimit
			result.Partial = true
			break
		}

		launched++
		onStep(fmt.Sprintf("search %d/%d: %s", i+1, len(subQueries), sub))

		i, sub := i, sub
		g.Go(func() error {
			fragment, err := o.retriever.Retrieve(gctx, sub, scope, o.limits)
			if err != nil {
				// A failed step contributes nothing; the run continues
				// on the remaining evidence.
				slog.Warn("sub-query retrieval failed",
					"subquery", sub,
					"error", err)
				return nil
			}
			// A step already in flight when the window closes is allowed
			// to finish, but its result no longer counts.
			if budget.DeadlineExceeded() {
				slog.Info("discarding retrieval result past deadline", "subquery", sub)
				return nil
			}
			fragments[i] = fragment
			budget.ConsumeTokens(o.counter.Count(fragment.Text))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result.StepsRun = launched

	// Assembly in sub-query order keeps the context deterministic no
	// matter how the parallel steps interleaved.
	evidence := assemble(fragments, o.respCfg.MaxContextChars)
	result.UniqueDocs = evidence.UniqueDocs

	// The char cap bounds worst cases; the token cap is the real contract
	// with the model's context window.
	if tokens := o.counter.Count(evidence.Text); o.respCfg.MaxContextTokens > 0 && tokens > o.respCfg.MaxContextTokens {
		keep := len(evidence.Text) * o.respCfg.MaxContextTokens / tokens
		evidence.Text = retrieval.Truncate(evidence.Text, keep)
		evidence.Truncated = true
		slog.Debug("context trimmed to token cap", "tokens", tokens, "cap", o.respCfg.MaxContextTokens)
	}

	if result.Termination == PhaseDone {
		switch budget.Exhausted() {
		case ExhaustedTokens, ExhaustedTime:
			result.Termination = PhaseBudgetExceeded
			result.Partial = true
		}
	}

	onStep("synthesizing the answer from gathered evidence")
	answer, err := o.synth.Synthesize(ctx, query, evidence, imageURL)
	if err != nil {
		return nil, fmt.Errorf("long path synthesis failed: %w", err)
	}
	result.Answer = answer

	slog.Info("orchestration complete",
		"termination", result.Termination,
		"steps_run", result.StepsRun,
		"subqueries", len(result.SubQueries),
		"unique_docs", result.UniqueDocs,
		"tokens_remaining", budget.RemainingTokens())

	return result, nil
}

func terminationFor(e Exhaustion) Phase {
	switch e {
	case ExhaustedSteps:
		return PhaseStepLimit
	default:
		return PhaseBudgetExceeded
	}
}

// assemble concatenates fragments in sub-query order, merging blocks from
// the same document and re-applying the context char cap.
func assemble(fragments []*retrieval.Context, maxChars int) *retrieval.Context {
	combined := &retrieval.Context{}
	seenDocs := make(map[int64]bool)
	seenSegs := make(map[segments.SegmentKey]bool)
	var parts []string

	for _, fragment := range fragments {
		if fragment == nil || fragment.Empty() {
			continue
		}
		for _, block := range fragment.Blocks {
			kept := block
			kept.Segments = nil
			for _, seg := range block.Segments {
				if seenSegs[seg.Key] {
					continue
				}
				seenSegs[seg.Key] = true
				kept.Segments = append(kept.Segments, seg)
			}
			if len(kept.Segments) == 0 {
				continue
			}
			combined.Blocks = append(combined.Blocks, kept)
			combined.SegmentCount += len(kept.Segments)
			if !seenDocs[block.DocumentID] {
				seenDocs[block.DocumentID] = true
			}
		}
		parts = append(parts, fragment.Text)
	}

	combined.UniqueDocs = len(seenDocs)
	combined.Text = strings.Join(parts, "\n\n")
	if maxChars > 0 && len(combined.Text) > maxChars {
		combined.Text = retrieval.Truncate(combined.Text, maxChars)
		combined.Truncated = true
	}

	return combined
}
