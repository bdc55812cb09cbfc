package citations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/doclens/doclens/pkg/segments"
)

type fakeResolver struct {
	known map[segments.SegmentKey]segments.ResolvedSegment
	err   error
	calls int
}

func (f *fakeResolver) ResolveSegments(ctx context.Context, keys []segments.SegmentKey) (map[segments.SegmentKey]segments.ResolvedSegment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[segments.SegmentKey]segments.ResolvedSegment)
	for _, key := range keys {
		if seg, ok := f.known[key]; ok {
			out[key] = seg
		}
	}
	return out, nil
}

func knownSegment(docID int64, ordinal int, title string) segments.ResolvedSegment {
	return segments.ResolvedSegment{
		Key:     segments.SegmentKey{DocumentID: docID, Ordinal: ordinal},
		Title:   title,
		Snippet: "snippet for " + title,
		Link:    "/documents/" + title,
	}
}

func newTestResolver() (*Resolver, *fakeResolver) {
	fake := &fakeResolver{
		known: map[segments.SegmentKey]segments.ResolvedSegment{
			{DocumentID: 12, Ordinal: 3}: knownSegment(12, 3, "contract"),
			{DocumentID: 12, Ordinal: 7}: knownSegment(12, 7, "contract"),
			{DocumentID: 40, Ordinal: 1}: knownSegment(40, 1, "report"),
		},
	}
	return NewResolver(fake), fake
}

func TestResolveAssignsDenseIndices(t *testing.T) {
	resolver, fake := newTestResolver()

	raw := "First [[doc:12, seg:3]], then [[doc:40, seg:1]], again [[doc:12, seg:3]]."
	display, list, err := resolver.Resolve(context.Background(), raw)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	want := "First [1], then [2], again [1]."
	if display != want {
		t.Errorf("display = %q, want %q", display, want)
	}

	if len(list) != 2 {
		t.Fatalf("expected 2 citations, got %d", len(list))
	}
	if list[0].Index != 1 || list[0].DocumentID != 12 || list[0].Ordinal != 3 {
		t.Errorf("unexpected first citation: %+v", list[0])
	}
	if list[1].Index != 2 || list[1].DocumentID != 40 {
		t.Errorf("unexpected second citation: %+v", list[1])
	}

	if fake.calls != 1 {
		t.Errorf("expected one batch store call, got %d", fake.calls)
	}
}

func TestResolveOptionalWhitespace(t *testing.T) {
	resolver, _ := newTestResolver()

	display, list, err := resolver.Resolve(context.Background(), "see [[doc:12,seg:3]]")
	if err != nil {
		t.Fatal(err)
	}
	if display != "see [1]" {
		t.Errorf("display = %q", display)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 citation, got %d", len(list))
	}
}

func TestResolveDanglingToken(t *testing.T) {
	resolver, _ := newTestResolver()

	raw := "Known [[doc:12, seg:3]] and unknown [[doc:99, seg:5]]."
	display, list, err := resolver.Resolve(context.Background(), raw)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	// The dangling token still degrades to its numeral marker.
	if strings.Contains(display, "[[") {
		t.Errorf("display must not contain raw token syntax: %q", display)
	}
	if !strings.Contains(display, "[2]") {
		t.Errorf("dangling token should keep its index marker: %q", display)
	}

	if len(list) != 1 {
		t.Fatalf("dangling citation must be omitted from the list, got %d entries", len(list))
	}
	if list[0].DocumentID != 12 {
		t.Errorf("unexpected citation %+v", list[0])
	}
}

func TestResolveNoTokens(t *testing.T) {
	resolver, fake := newTestResolver()

	raw := "An answer without any citations."
	display, list, err := resolver.Resolve(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}
	if display != raw {
		t.Errorf("text without tokens must pass through unchanged")
	}
	if list != nil {
		t.Errorf("expected no citations, got %v", list)
	}
	if fake.calls != 0 {
		t.Errorf("store must not be queried when there are no tokens")
	}
}

func TestResolveStoreError(t *testing.T) {
	fake := &fakeResolver{err: errors.New("db down")}
	resolver := NewResolver(fake)

	_, _, err := resolver.Resolve(context.Background(), "see [[doc:1, seg:1]]")
	if err == nil {
		t.Fatal("expected error when the store fails")
	}
}

func TestResolveIndexStabilityAcrossRepeats(t *testing.T) {
	resolver, _ := newTestResolver()

	raw := "[[doc:40, seg:1]] [[doc:12, seg:3]] [[doc:40, seg:1]] [[doc:12, seg:7]] [[doc:12, seg:3]]"
	display, list, err := resolver.Resolve(context.Background(), raw)
	if err != nil {
		t.Fatal(err)
	}

	if display != "[1] [2] [1] [3] [2]" {
		t.Errorf("display = %q", display)
	}
	for i, c := range list {
		if c.Index != i+1 {
			t.Errorf("citation list must be dense and ordered, got index %d at position %d", c.Index, i)
		}
	}
}

func TestResolveKeysPreservesOrder(t *testing.T) {
	resolver, _ := newTestResolver()

	keys := []segments.SegmentKey{
		{DocumentID: 40, Ordinal: 1},
		{DocumentID: 99, Ordinal: 9}, // unknown
		{DocumentID: 12, Ordinal: 3},
	}
	list, err := resolver.ResolveKeys(context.Background(), keys)
	if err != nil {
		t.Fatal(err)
	}

	if len(list) != 2 {
		t.Fatalf("expected 2 resolved citations, got %d", len(list))
	}
	if list[0].DocumentID != 40 || list[1].DocumentID != 12 {
		t.Errorf("request order not preserved: %+v", list)
	}
}

func TestFormatTokenRoundTrip(t *testing.T) {
	key := segments.SegmentKey{DocumentID: 12, Ordinal: 3}
	token := FormatToken(key)

	match := tokenPattern.FindStringSubmatch(token)
	parsed, ok := parseKey(match)
	if !ok {
		t.Fatalf("formatted token %q does not parse", token)
	}
	if parsed != key {
		t.Errorf("round trip mismatch: %+v != %+v", parsed, key)
	}
}
