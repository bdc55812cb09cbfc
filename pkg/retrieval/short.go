// Package retrieval implements the single-pass hybrid retrieval path.
//
// Vector and full-text search run in parallel, their rankings are fused
// with reciprocal rank fusion, and the fused hits are grouped per document
// into a citation-tagged context for synthesis.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/doclens/doclens/pkg/citations"
	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/embedders"
	"github.com/doclens/doclens/pkg/segments"
)

// rrfK dampens the rank contribution in reciprocal rank fusion.
const rrfK = 60.0

// Block is the retrieved evidence from one document.
type Block struct {
	DocumentID int64
	Title      string
	Segments   []ScoredSegment
}

// ScoredSegment is one fused hit.
type ScoredSegment struct {
	Key   segments.SegmentKey
	Title string
	Text  string
	Score float64
}

// Context is the assembled evidence for synthesis.
type Context struct {
	Blocks       []Block
	Text         string
	SegmentCount int
	UniqueDocs   int
	Truncated    bool
}

// Empty reports whether retrieval produced no usable evidence.
func (c *Context) Empty() bool {
	return c == nil || c.SegmentCount == 0
}

// Limits bounds one retrieval pass. The short path and each long-path
// step use different values.
type Limits struct {
	VectorLimit     int
	TextLimit       int
	TopDocs         int
	PerDoc          int
	Alpha           float64
	MaxContextChars int
}

// ShortLimits derives the short path limits from config.
func ShortLimits(short config.ShortPathConfig, response config.ResponseConfig) Limits {
	return Limits{
		VectorLimit:     short.VectorLimit,
		TextLimit:       short.TextLimit,
		TopDocs:         short.TopDocs,
		PerDoc:          short.PerDoc,
		Alpha:           short.Alpha,
		MaxContextChars: response.MaxContextChars,
	}
}

// StepLimits derives the per-subquery limits for the long path.
func StepLimits(long config.LongPathConfig, short config.ShortPathConfig, response config.ResponseConfig) Limits {
	return Limits{
		VectorLimit:     long.StepVectorLimit,
		TextLimit:       long.StepTextLimit,
		TopDocs:         long.StepTopDocs,
		PerDoc:          long.StepPerDoc,
		Alpha:           short.Alpha,
		MaxContextChars: response.MaxContextChars,
	}
}

// Retriever runs hybrid retrieval against the segment store.
type Retriever struct {
	store    segments.Store
	embedder embedders.Embedder
}

// NewRetriever creates a retriever.
func NewRetriever(store segments.Store, embedder embedders.Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// Retrieve runs one hybrid retrieval pass.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope segments.Scope, limits Limits) (*Context, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	var vecHits, textHits []segments.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecHits, err = r.store.SearchVector(gctx, embedding, limits.VectorLimit, scope)
		return err
	})
	g.Go(func() error {
		var err error
		textHits, err = r.store.SearchText(gctx, query, limits.TextLimit, scope)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	fused := fuse(vecHits, textHits, limits.Alpha)
	result := group(fused, limits)

	slog.Debug("retrieval pass",
		"vector_hits", len(vecHits),
		"text_hits", len(textHits),
		"fused", len(fused),
		"segments", result.SegmentCount,
		"docs", result.UniqueDocs,
		"truncated", result.Truncated)

	return result, nil
}

// fuse merges the two rankings with reciprocal rank fusion. A hit absent
// from one ranking simply gets no contribution from it. Results are
// ordered by fused score, ties broken by segment key for determinism.
func fuse(vecHits, textHits []segments.Hit, alpha float64) []ScoredSegment {
	type entry struct {
		hit   segments.Hit
		score float64
	}
	entries := make(map[segments.SegmentKey]*entry)

	for rank, hit := range vecHits {
		key := hit.Key()
		e, ok := entries[key]
		if !ok {
			e = &entry{hit: hit}
			entries[key] = e
		}
		e.score += alpha / (rrfK + float64(rank+1))
	}
	for rank, hit := range textHits {
		key := hit.Key()
		e, ok := entries[key]
		if !ok {
			e = &entry{hit: hit}
			entries[key] = e
		}
		e.score += (1 - alpha) / (rrfK + float64(rank+1))
	}

	fused := make([]ScoredSegment, 0, len(entries))
	for key, e := range entries {
		fused = append(fused, ScoredSegment{
			Key:   key,
			Title: e.hit.Title,
			Text:  e.hit.Text,
			Score: e.score,
		})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if fused[i].Key.DocumentID != fused[j].Key.DocumentID {
			return fused[i].Key.DocumentID < fused[j].Key.DocumentID
		}
		return fused[i].Key.Ordinal < fused[j].Key.Ordinal
	})

	return fused
}

// group caps segments per document and documents per context, in fused
// rank order, then renders the context text.
func group(fused []ScoredSegment, limits Limits) *Context {
	blockByDoc := make(map[int64]*Block)
	var docOrder []int64

	for _, seg := range fused {
		docID := seg.Key.DocumentID
		block, ok := blockByDoc[docID]
		if !ok {
			if len(docOrder) >= limits.TopDocs {
				continue
			}
			block = &Block{DocumentID: docID, Title: seg.Title}
			blockByDoc[docID] = block
			docOrder = append(docOrder, docID)
		}
		if len(block.Segments) >= limits.PerDoc {
			continue
		}
		block.Segments = append(block.Segments, seg)
	}

	result := &Context{}
	for _, docID := range docOrder {
		block := blockByDoc[docID]
		result.Blocks = append(result.Blocks, *block)
		result.SegmentCount += len(block.Segments)
	}
	result.UniqueDocs = len(result.Blocks)
	renderText(result, limits.MaxContextChars)

	return result
}

// renderText assembles the context string with inline citation tokens.
// When the text exceeds the char budget, each block's segment texts are
// shortened proportionally rather than dropping whole documents.
func renderText(c *Context, maxChars int) {
	if len(c.Blocks) == 0 {
		c.Text = ""
		return
	}

	total := 0
	for _, block := range c.Blocks {
		for _, seg := range block.Segments {
			total += len(seg.Text)
		}
	}

	ratio := 1.0
	if maxChars > 0 && total > maxChars {
		ratio = float64(maxChars) / float64(total)
		c.Truncated = true
	}

	var b strings.Builder
	for _, block := range c.Blocks {
		title := block.Title
		if title == "" {
			title = fmt.Sprintf("Document %d", block.DocumentID)
		}
		fmt.Fprintf(&b, "## %s\n", title)
		for _, seg := range block.Segments {
			text := seg.Text
			if ratio < 1.0 {
				text = Truncate(text, int(float64(len(text))*ratio))
			}
			b.WriteString(text)
			b.WriteString(" ")
			b.WriteString(citations.FormatToken(seg.Key))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	c.Text = strings.TrimRight(b.String(), "\n")
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 rune
// and without leaving a citation token cut open at the end.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	s = s[:cut]

	if open := strings.LastIndex(s, "[["); open > strings.LastIndex(s, "]]") {
		s = s[:open]
	} else if strings.HasSuffix(s, "[") {
		s = s[:len(s)-1]
	}
	return strings.TrimRight(s, " ")
}
