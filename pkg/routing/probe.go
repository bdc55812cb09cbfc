package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/doclens/doclens/pkg/config"
	"github.com/doclens/doclens/pkg/embedders"
	"github.com/doclens/doclens/pkg/segments"
)

// Probe samples the segment store cheaply before any full retrieval.
//
// It embeds the query once, prefilters to the most relevant documents,
// then takes a handful of vector and full-text candidates across that
// document set. The resulting Stats drive the routing decision.
type Probe struct {
	store    segments.Store
	embedder embedders.Embedder
	probeCfg config.ProbeConfig
	escCfg   config.EscalationConfig
}

// NewProbe creates a probe.
func NewProbe(store segments.Store, embedder embedders.Embedder, probeCfg config.ProbeConfig, escCfg config.EscalationConfig) *Probe {
	return &Probe{
		store:    store,
		embedder: embedder,
		probeCfg: probeCfg,
		escCfg:   escCfg,
	}
}

// Collect gathers evidence signals for the query.
//
// On store or embedder failure it returns zero-evidence stats together
// with the error; callers treat that as grounds for forced escalation,
// never as a hard stop.
func (p *Probe) Collect(ctx context.Context, query string, scope segments.Scope) (Stats, error) {
	stats := Stats{
		TopDocShare:         1.0,
		QuoteIDCount:        CountQuoteIDs(query),
		TemporalMarkerCount: CountTemporalMarkers(query),
	}

	embedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return stats, fmt.Errorf("probe embedding failed: %w", err)
	}

	var docs []segments.DocumentRef
	if scope.DocumentID != 0 {
		docs = []segments.DocumentRef{{ID: scope.DocumentID}}
	} else {
		docs, err = p.store.TopDocuments(ctx, embedding, p.probeCfg.DocLimit)
		if err != nil {
			return stats, fmt.Errorf("probe document prefilter failed: %w", err)
		}
	}

	if len(docs) == 0 {
		return stats, nil
	}

	// Each sample type gets CandidatesPerType slots total across the
	// prefiltered set, not per document; concentration and spread are
	// judged on where those few candidates land.
	perType := p.probeCfg.CandidatesPerType
	docIDs := make([]int64, len(docs))
	for i, doc := range docs {
		docIDs[i] = doc.ID
	}
	sampleScope := segments.Scope{DocumentIDs: docIDs}

	docCounts := make(map[int64]int)
	simSum := 0.0

	vecHits, err := p.store.SearchVector(ctx, embedding, perType, sampleScope)
	if err != nil {
		return stats, fmt.Errorf("probe vector sampling failed: %w", err)
	}
	for _, hit := range vecHits {
		sim := clamp01(hit.Score)
		simSum += sim
		if sim >= p.escCfg.StrongSimCutoff {
			stats.StrongSegments++
		}
		docCounts[hit.DocumentID]++
	}
	stats.VectorCandidates = len(vecHits)

	textHits, err := p.store.SearchText(ctx, query, perType, sampleScope)
	if err != nil {
		return stats, fmt.Errorf("probe text sampling failed: %w", err)
	}
	for _, hit := range textHits {
		docCounts[hit.DocumentID]++
	}

	stats.FTSHits = len(textHits)
	if stats.VectorCandidates > 0 {
		stats.AvgVecSim = clamp01(simSum / float64(stats.VectorCandidates))
	}
	stats.FTSHitRate = clamp01(float64(stats.FTSHits) / float64(len(docs)*perType))
	stats.UniqueDocs = len(docCounts)
	stats.TopDocShare = topShare(docCounts)

	slog.Debug("probe collected",
		"vector_candidates", stats.VectorCandidates,
		"fts_hits", stats.FTSHits,
		"avg_vec_sim", stats.AvgVecSim,
		"fts_hit_rate", stats.FTSHitRate,
		"unique_docs", stats.UniqueDocs,
		"top_doc_share", stats.TopDocShare,
		"strong_segments", stats.StrongSegments)

	return stats, nil
}

// topShare is the fraction of all sampled candidates held by the
// most-represented document. 1.0 when the sample is empty.
func topShare(docCounts map[int64]int) float64 {
	total := 0
	max := 0
	for _, count := range docCounts {
		total += count
		if count > max {
			max = count
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(max) / float64(total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
