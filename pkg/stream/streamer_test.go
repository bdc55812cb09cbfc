package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/doclens/doclens/pkg/citations"
	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/llms"
	"github.com/doclens/doclens/pkg/orchestrator"
	"github.com/doclens/doclens/pkg/retrieval"
	"github.com/doclens/doclens/pkg/routing"
	"github.com/doclens/doclens/pkg/segments"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}
func (f *fakeEmbedder) Dimension() int { return 1 }
func (f *fakeEmbedder) Close() error   { return nil }

// sampleKey distinguishes doc-set-scoped probe samples from unscoped
// retrieval searches in the fake store.
const sampleKey int64 = -1

type fakeStore struct {
	mu   sync.Mutex
	docs []segments.DocumentRef
	// Keyed by scope.DocumentID; 0 serves unscoped searches, sampleKey
	// serves searches scoped to a document-ID set.
	vecHits  map[int64][]segments.Hit
	textHits map[int64][]segments.Hit
	known    map[segments.SegmentKey]segments.ResolvedSegment
	vecErr   error
	rankErr  error
}

func scopeKey(scope segments.Scope) int64 {
	if scope.DocumentID != 0 {
		return scope.DocumentID
	}
	if len(scope.DocumentIDs) > 0 {
		return sampleKey
	}
	return 0
}

func (f *fakeStore) TopDocuments(ctx context.Context, embedding []float32, limit int) ([]segments.DocumentRef, error) {
	if f.rankErr != nil {
		return nil, f.rankErr
	}
	return f.docs, nil
}

func (f *fakeStore) SearchVector(ctx context.Context, embedding []float32, limit int, scope segments.Scope) ([]segments.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vecErr != nil {
		return nil, f.vecErr
	}
	hits := f.vecHits[scopeKey(scope)]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *fakeStore) SearchText(ctx context.Context, query string, limit int, scope segments.Scope) ([]segments.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hits := f.textHits[scopeKey(scope)]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *fakeStore) ResolveSegments(ctx context.Context, keys []segments.SegmentKey) (map[segments.SegmentKey]segments.ResolvedSegment, error) {
	out := make(map[segments.SegmentKey]segments.ResolvedSegment)
	for _, key := range keys {
		if seg, ok := f.known[key]; ok {
			out[key] = seg
		}
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeLLM struct {
	mu           sync.Mutex
	decomposeOut string
	synthOut     string
	synthErr     error
}

func (f *fakeLLM) Complete(ctx context.Context, req llms.Request) (*llms.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(req.Messages) == 1 {
		return &llms.Completion{Text: f.decomposeOut}, nil
	}
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return &llms.Completion{Text: f.synthOut}, nil
}

func (f *fakeLLM) StreamComplete(ctx context.Context, req llms.Request) (<-chan llms.StreamChunk, error) {
	ch := make(chan llms.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakeLLM) ModelName() string { return "fake" }
func (f *fakeLLM) Close() error      { return nil }

func strongHit(docID int64, ordinal int) segments.Hit {
	return segments.Hit{
		DocumentID: docID,
		Ordinal:    ordinal,
		Title:      fmt.Sprintf("doc-%d", docID),
		Text:       "segment evidence",
		Score:      0.9,
	}
}

// newStreamer wires a full pipeline over the fakes.
func newStreamer(store *fakeStore, llm *fakeLLM) *Streamer {
	cfg := config.AgentConfig{}
	cfg.SetDefaults()

	embedder := &fakeEmbedder{}
	probe := routing.NewProbe(store, embedder, cfg.Probe, cfg.Escalation)
	router := routing.NewRouter(cfg.Router, cfg.Escalation)
	retriever := retrieval.NewRetriever(store, embedder)
	synth := retrieval.NewSynthesizer(llm, cfg.Response, nil)
	orch := orchestrator.New(llm, retriever, nil, nil, cfg)
	resolver := citations.NewResolver(store)

	return NewStreamer(probe, router, retriever, synth, orch, resolver, nil, cfg)
}

// shortPathStore yields strong probe signals and retrievable evidence.
func shortPathStore() *fakeStore {
	hits := []segments.Hit{strongHit(1, 0), strongHit(1, 1), strongHit(2, 0)}
	return &fakeStore{
		docs: []segments.DocumentRef{{ID: 1, Title: "doc-1"}, {ID: 2, Title: "doc-2"}},
		vecHits: map[int64][]segments.Hit{
			0:         hits,
			sampleKey: hits,
			1:         {strongHit(1, 0), strongHit(1, 1)},
			2:         {strongHit(2, 0)},
		},
		textHits: map[int64][]segments.Hit{
			0:         hits,
			sampleKey: hits,
			1:         {strongHit(1, 0)},
			2:         {strongHit(2, 0)},
		},
		known: map[segments.SegmentKey]segments.ResolvedSegment{
			{DocumentID: 1, Ordinal: 0}: {Key: segments.SegmentKey{DocumentID: 1, Ordinal: 0}, Title: "doc-1", Snippet: "snippet"},
		},
	}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestHandleQueryShortPath(t *testing.T) {
	store := shortPathStore()
	llm := &fakeLLM{synthOut: "the clause says X [[doc:1, seg:0]]"}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "what does the clause say"}))

	if len(events) < 4 {
		t.Fatalf("too few events: %v", eventTypes(events))
	}

	last := events[len(events)-1]
	if last.Type != EventStreamEnd {
		t.Errorf("stream must end with stream_end, got %s", last.Type)
	}

	var complete *Event
	for i := range events {
		if events[i].Type == EventResponseComplete {
			complete = &events[i]
		}
		if events[i].Type == EventError {
			t.Errorf("unexpected error event: %s", events[i].Message)
		}
	}
	if complete == nil {
		t.Fatal("missing response_complete event")
	}

	if complete.Content != "the clause says X [1]" {
		t.Errorf("unexpected display content %q", complete.Content)
	}
	if len(complete.Citations) != 1 {
		t.Errorf("expected 1 citation, got %d", len(complete.Citations))
	}
	if complete.Meta == nil || complete.Meta.Path != "short" {
		t.Errorf("expected short path meta, got %+v", complete.Meta)
	}
	if complete.Meta.Reason != "" {
		t.Errorf("short path must carry no reason, got %q", complete.Meta.Reason)
	}
}

func TestHandleQueryEventOrdering(t *testing.T) {
	store := shortPathStore()
	llm := &fakeLLM{synthOut: "answer [[doc:1, seg:0]]"}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "question"}))

	// thinking_step(s) strictly precede thinking_complete, which
	// precedes content, response_complete, stream_end.
	rank := map[EventType]int{
		EventThinkingStep:     1,
		EventThinkingComplete: 2,
		EventContent:          3,
		EventResponseComplete: 4,
		EventStreamEnd:        5,
	}
	lastRank := 0
	for _, ev := range events {
		r, ok := rank[ev.Type]
		if !ok {
			t.Fatalf("unexpected event type %s", ev.Type)
		}
		if r < lastRank {
			t.Fatalf("event %s out of order in %v", ev.Type, eventTypes(events))
		}
		lastRank = r
	}

	ends := 0
	for _, ev := range events {
		if ev.Type == EventStreamEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("expected exactly one stream_end, got %d", ends)
	}
}

func TestHandleQueryEmptyQuery(t *testing.T) {
	streamer := newStreamer(shortPathStore(), &fakeLLM{})

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "   "}))

	types := eventTypes(events)
	if len(types) != 2 || types[0] != EventError || types[1] != EventStreamEnd {
		t.Errorf("expected [error stream_end], got %v", types)
	}
}

func TestHandleQueryProbeFailureForcesLongPath(t *testing.T) {
	store := shortPathStore()
	store.rankErr = errors.New("store down")
	// The long path still works off unscoped search results.
	llm := &fakeLLM{
		decomposeOut: "sub question",
		synthOut:     "long path answer [[doc:1, seg:0]]",
	}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "question"}))

	var complete *Event
	for i := range events {
		if events[i].Type == EventResponseComplete {
			complete = &events[i]
		}
	}
	if complete == nil {
		t.Fatalf("expected response_complete, got %v", eventTypes(events))
	}
	if complete.Meta.Path != "long" {
		t.Errorf("expected long path, got %s", complete.Meta.Path)
	}
	if complete.Meta.Reason != string(routing.ReasonForced) {
		t.Errorf("expected FORCED reason, got %q", complete.Meta.Reason)
	}
	if events[len(events)-1].Type != EventStreamEnd {
		t.Error("stream must still end with stream_end")
	}
}

func TestHandleQueryShortPathEmptyEscalates(t *testing.T) {
	// Probe signals look fine, but the actual retrieval yields nothing:
	// the pipeline must fall through to the long path with FORCED.
	store := shortPathStore()
	store.vecHits[0] = nil
	store.textHits[0] = nil

	llm := &fakeLLM{
		decomposeOut: "sub question",
		synthOut:     "recovered answer",
	}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "question"}))

	var complete *Event
	for i := range events {
		if events[i].Type == EventResponseComplete {
			complete = &events[i]
		}
	}
	if complete == nil {
		t.Fatalf("expected response_complete, got %v", eventTypes(events))
	}
	if complete.Meta.Path != "long" || complete.Meta.Reason != string(routing.ReasonForced) {
		t.Errorf("expected forced long path, got %+v", complete.Meta)
	}
}

func TestHandleQueryLongPathMeta(t *testing.T) {
	// Scatter the sampled candidates across many documents so the router
	// escalates on document spread.
	store := shortPathStore()
	var docs []segments.DocumentRef
	for i := int64(1); i <= 8; i++ {
		docs = append(docs, segments.DocumentRef{ID: i})
	}
	store.docs = docs
	store.vecHits[sampleKey] = []segments.Hit{strongHit(1, 0), strongHit(2, 0), strongHit(3, 0)}
	store.textHits[sampleKey] = []segments.Hit{strongHit(4, 0), strongHit(5, 0), strongHit(6, 0)}

	llm := &fakeLLM{
		decomposeOut: "first aspect\nsecond aspect",
		synthOut:     "broad answer [[doc:1, seg:0]]",
	}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "compare everything"}))

	var complete *Event
	var thinkingSteps int
	for i := range events {
		switch events[i].Type {
		case EventResponseComplete:
			complete = &events[i]
		case EventThinkingStep:
			thinkingSteps++
		}
	}
	if complete == nil {
		t.Fatalf("expected response_complete, got %v", eventTypes(events))
	}
	if complete.Meta.Path != "long" {
		t.Errorf("expected long path, got %s", complete.Meta.Path)
	}
	if complete.Meta.Reason != string(routing.ReasonSparseDocs) {
		t.Errorf("expected SPARSE_DOCS, got %q", complete.Meta.Reason)
	}
	if complete.Meta.SubQueries != 2 {
		t.Errorf("expected 2 sub-queries in meta, got %d", complete.Meta.SubQueries)
	}
	if complete.Meta.Termination != string(orchestrator.PhaseDone) {
		t.Errorf("expected DONE termination, got %q", complete.Meta.Termination)
	}
	// Decompose + per-subquery searches + synthesis announcements.
	if thinkingSteps < 3 {
		t.Errorf("expected progress events from the orchestrator, got %d", thinkingSteps)
	}
}

func TestHandleQueryTotalFailure(t *testing.T) {
	store := shortPathStore()
	store.rankErr = errors.New("store down")
	store.vecErr = errors.New("store down")
	llm := &fakeLLM{synthErr: errors.New("model down")}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "question"}))

	types := eventTypes(events)
	var sawError, sawEnd bool
	for _, typ := range types {
		if typ == EventError {
			sawError = true
		}
		if typ == EventStreamEnd {
			sawEnd = true
		}
	}
	if !sawError || !sawEnd {
		t.Errorf("expected error and stream_end, got %v", types)
	}
	if types[len(types)-1] != EventStreamEnd {
		t.Errorf("stream_end must be last, got %v", types)
	}
}

func TestHandleQueryDanglingCitations(t *testing.T) {
	store := shortPathStore()
	llm := &fakeLLM{synthOut: "known [[doc:1, seg:0]] unknown [[doc:9, seg:9]]"}
	streamer := newStreamer(store, llm)

	events := collect(t, streamer.HandleQuery(context.Background(), Query{Text: "question"}))

	var complete *Event
	for i := range events {
		if events[i].Type == EventResponseComplete {
			complete = &events[i]
		}
	}
	if complete == nil {
		t.Fatal("expected response_complete")
	}
	if strings.Contains(complete.Content, "[[") {
		t.Errorf("raw token syntax leaked into display: %q", complete.Content)
	}
	if len(complete.Citations) != 1 {
		t.Errorf("dangling citation must be omitted, got %d", len(complete.Citations))
	}
}
