package stream

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doclens/doclens/pkg/citations"
	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/observability"
	"github.com/doclens/doclens/pkg/orchestrator"
	"github.com/doclens/doclens/pkg/retrieval"
	"github.com/doclens/doclens/pkg/routing"
	"github.com/doclens/doclens/pkg/segments"
)

// Query is one user request.
type Query struct {
	Text string

	// DocumentID scopes all retrieval to a single document when non-zero.
	DocumentID int64

	// ImageURL is an optional attachment forwarded to the model as a
	// data URI or HTTP URL.
	ImageURL string
}

// Streamer runs queries end to end and emits the event sequence.
type Streamer struct {
	probe     *routing.Probe
	router    *routing.Router
	retriever *retrieval.Retriever
	synth     *retrieval.Synthesizer
	orch      *orchestrator.Orchestrator
	resolver  *citations.Resolver
	metrics   *observability.Metrics
	shortLim  retrieval.Limits
}

// NewStreamer wires the query pipeline. metrics may be nil.
func NewStreamer(
	probe *routing.Probe,
	router *routing.Router,
	retriever *retrieval.Retriever,
	synth *retrieval.Synthesizer,
	orch *orchestrator.Orchestrator,
	resolver *citations.Resolver,
	metrics *observability.Metrics,
	agentCfg config.AgentConfig,
) *Streamer {
	return &Streamer{
		probe:     probe,
		router:    router,
		retriever: retriever,
		synth:     synth,
		orch:      orch,
		resolver:  resolver,
		metrics:   metrics,
		shortLim:  retrieval.ShortLimits(agentCfg.ShortPath, agentCfg.Response),
	}
}

// HandleQuery runs the query and emits events on the returned channel.
// The channel is closed after the terminal stream_end event. Context
// cancellation stops the run; the terminal events are still delivered
// on a best-effort basis.
func (s *Streamer) HandleQuery(ctx context.Context, query Query) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)
		s.run(ctx, query, events)
	}()

	return events
}

// emit delivers an event unless the consumer is gone.
func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Streamer) run(ctx context.Context, query Query, events chan<- Event) {
	queryID := uuid.NewString()
	log := slog.With("query_id", queryID)

	fail := func(message string) {
		emit(ctx, events, Event{Type: EventError, QueryID: queryID, Message: message})
		emit(ctx, events, Event{Type: EventStreamEnd, QueryID: queryID})
	}

	if strings.TrimSpace(query.Text) == "" {
		fail("query must not be empty")
		return
	}

	scope := segments.Scope{DocumentID: query.DocumentID}

	if !emit(ctx, events, Event{Type: EventThinkingStep, QueryID: queryID, Message: "analyzing query patterns"}) {
		return
	}

	probeStart := time.Now()
	stats, probeErr := s.probe.Collect(ctx, query.Text, scope)
	s.metrics.ObserveRetrieval("probe", time.Since(probeStart))

	var decision routing.Decision
	if probeErr != nil {
		if ctx.Err() != nil {
			fail("query cancelled")
			return
		}
		// A failed probe never fails the query; the long path is
		// imposed instead.
		log.Warn("probe failed, forcing escalation", "error", probeErr)
		decision = routing.Decision{Path: routing.PathLong, Reason: routing.ReasonForced}
	} else {
		var err error
		decision, err = s.router.Route(stats)
		if err != nil {
			log.Error("routing failed", "error", err)
			fail("internal routing error")
			return
		}
	}
	s.metrics.RecordRoute(string(decision.Path), string(decision.Reason))
	log.Info("routed query", "path", decision.Path, "reason", decision.Reason, "score", decision.Score)

	meta := &RunMeta{
		Path:   string(decision.Path),
		Reason: string(decision.Reason),
		Score:  decision.Score,
	}

	var answer string
	if decision.Path == routing.PathShort {
		shortAnswer, shortMeta, ok := s.runShort(ctx, query, scope, queryID, events, log)
		if ctx.Err() != nil {
			fail("query cancelled")
			return
		}
		if ok {
			answer = shortAnswer
			meta.UniqueDocs = shortMeta.UniqueDocs
		} else {
			// Retrieval failed or found nothing usable; the long path
			// is the fallback, not an error.
			decision = routing.Decision{Path: routing.PathLong, Reason: routing.ReasonForced}
			meta.Path = string(decision.Path)
			meta.Reason = string(decision.Reason)
			s.metrics.RecordRoute(string(decision.Path), string(decision.Reason))
		}
	}

	if decision.Path == routing.PathLong {
		result, err := s.runLong(ctx, query, scope, queryID, events)
		if err != nil {
			if ctx.Err() != nil {
				fail("query cancelled")
				return
			}
			log.Error("long path failed", "error", err)
			fail("failed to produce an answer")
			return
		}
		answer = result.Answer
		meta.SubQueries = len(result.SubQueries)
		meta.StepsRun = result.StepsRun
		meta.UniqueDocs = result.UniqueDocs
		meta.Partial = result.Partial
		meta.Termination = string(result.Termination)
	}

	display, citationList, err := s.resolver.Resolve(ctx, answer)
	if err != nil {
		if ctx.Err() != nil {
			fail("query cancelled")
			return
		}
		log.Error("citation resolution failed", "error", err)
		fail("failed to resolve citations")
		return
	}

	if !emit(ctx, events, Event{Type: EventThinkingComplete, QueryID: queryID, Meta: meta}) {
		return
	}
	if !emit(ctx, events, Event{Type: EventContent, QueryID: queryID, Content: display}) {
		return
	}
	if !emit(ctx, events, Event{
		Type:      EventResponseComplete,
		QueryID:   queryID,
		Content:   display,
		Citations: citationList,
		Meta:      meta,
	}) {
		return
	}
	emit(ctx, events, Event{Type: EventStreamEnd, QueryID: queryID})
}

// runShort attempts the single-pass path. ok is false when the result
// cannot back an answer and the caller should escalate.
func (s *Streamer) runShort(ctx context.Context, query Query, scope segments.Scope, queryID string, events chan<- Event, log *slog.Logger) (string, *retrieval.Context, bool) {
	if !emit(ctx, events, Event{Type: EventThinkingStep, QueryID: queryID, Message: "searching documents"}) {
		return "", nil, false
	}

	start := time.Now()
	evidence, err := s.retriever.Retrieve(ctx, query.Text, scope, s.shortLim)
	s.metrics.ObserveRetrieval("short", time.Since(start))
	if err != nil {
		log.Warn("short path retrieval failed", "error", err)
		return "", nil, false
	}
	if evidence.Empty() {
		log.Info("short path found no evidence, escalating")
		return "", nil, false
	}

	answer, err := s.synth.Synthesize(ctx, query.Text, evidence, query.ImageURL)
	s.metrics.RecordLLMCall(err)
	if err != nil {
		log.Warn("short path synthesis failed", "error", err)
		return "", nil, false
	}

	return answer, evidence, true
}

func (s *Streamer) runLong(ctx context.Context, query Query, scope segments.Scope, queryID string, events chan<- Event) (*orchestrator.Result, error) {
	start := time.Now()
	result, err := s.orch.Run(ctx, query.Text, scope, query.ImageURL, func(description string) {
		emit(ctx, events, Event{Type: EventThinkingStep, QueryID: queryID, Message: description})
	})
	s.metrics.ObserveRetrieval("long", time.Since(start))
	s.metrics.RecordLLMCall(err)
	return result, err
}
