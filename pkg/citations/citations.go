// Package citations handles inline citation tokens in model output.
//
// The model is instructed to cite evidence as [[doc:<id>, seg:<ordinal>]].
// Resolution scans the raw answer, assigns dense 1-based indices in order
// of first appearance, replaces every token with [n], and resolves the
// cited segments in one batch against the store.
package citations

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/doclens/doclens/pkg/segments"
)

// tokenPattern matches [[doc:12, seg:3]]; the whitespace after the comma
// is optional since models are inconsistent about it.
var tokenPattern = regexp.MustCompile(`\[\[doc:(\d+),\s*seg:(\d+)\]\]`)

// Citation is one resolved entry of the answer's citation list.
type Citation struct {
	Index      int    `json:"index"`
	DocumentID int64  `json:"document_id"`
	Ordinal    int    `json:"segment_ordinal"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Link       string `json:"link,omitempty"`
	PageHint   string `json:"page_hint,omitempty"`
}

// FormatToken renders the wire form of a citation token. Retrieval uses
// it when assembling context so the model sees tokens it can copy.
func FormatToken(key segments.SegmentKey) string {
	return fmt.Sprintf("[[doc:%d, seg:%d]]", key.DocumentID, key.Ordinal)
}

// Resolver resolves citation tokens against the segment store.
type Resolver struct {
	store segments.Resolver
}

// NewResolver creates a resolver.
func NewResolver(store segments.Resolver) *Resolver {
	return &Resolver{store: store}
}

// Resolve rewrites raw model output for display.
//
// Every token is replaced with [n], where n is the dense 1-based index of
// the cited segment in order of first appearance; repeated citations of
// the same segment reuse their index. Tokens whose segment cannot be
// resolved keep their numeral marker but are omitted from the citation
// list, so the display text never regresses to raw token syntax.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, []Citation, error) {
	matches := tokenPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return raw, nil, nil
	}

	indexByKey := make(map[segments.SegmentKey]int)
	var order []segments.SegmentKey
	for _, match := range matches {
		key, ok := parseKey(match)
		if !ok {
			continue
		}
		if _, seen := indexByKey[key]; !seen {
			order = append(order, key)
			indexByKey[key] = len(order)
		}
	}

	resolved, err := r.store.ResolveSegments(ctx, order)
	if err != nil {
		return "", nil, fmt.Errorf("citation resolution failed: %w", err)
	}

	display := tokenPattern.ReplaceAllStringFunc(raw, func(token string) string {
		key, ok := parseKey(tokenPattern.FindStringSubmatch(token))
		if !ok {
			return token
		}
		return fmt.Sprintf("[%d]", indexByKey[key])
	})

	citationList := make([]Citation, 0, len(order))
	for _, key := range order {
		seg, ok := resolved[key]
		if !ok {
			slog.Warn("dangling citation token",
				"document_id", key.DocumentID,
				"segment_ordinal", key.Ordinal)
			continue
		}
		citationList = append(citationList, Citation{
			Index:      indexByKey[key],
			DocumentID: key.DocumentID,
			Ordinal:    key.Ordinal,
			Title:      seg.Title,
			Snippet:    seg.Snippet,
			Link:       seg.Link,
			PageHint:   seg.PageHint,
		})
	}

	return display, citationList, nil
}

// ResolveKeys resolves an explicit key list, preserving request order.
// Unresolvable keys are omitted. Used by the batch re-resolution endpoint.
func (r *Resolver) ResolveKeys(ctx context.Context, keys []segments.SegmentKey) ([]Citation, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	resolved, err := r.store.ResolveSegments(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("citation resolution failed: %w", err)
	}

	citationList := make([]Citation, 0, len(keys))
	for i, key := range keys {
		seg, ok := resolved[key]
		if !ok {
			continue
		}
		citationList = append(citationList, Citation{
			Index:      i + 1,
			DocumentID: key.DocumentID,
			Ordinal:    key.Ordinal,
			Title:      seg.Title,
			Snippet:    seg.Snippet,
			Link:       seg.Link,
			PageHint:   seg.PageHint,
		})
	}

	return citationList, nil
}

func parseKey(match []string) (segments.SegmentKey, bool) {
	if len(match) != 3 {
		return segments.SegmentKey{}, false
	}
	docID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return segments.SegmentKey{}, false
	}
	ordinal, err := strconv.Atoi(match[2])
	if err != nil {
		return segments.SegmentKey{}, false
	}
	return segments.SegmentKey{DocumentID: docID, Ordinal: ordinal}, true
}
