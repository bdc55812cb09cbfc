// Package routing decides, per query, between single-pass retrieval and
// multi-step orchestration.
//
// A cheap probe samples the segment store and the query text for evidence
// signals; a linear model scores them; hard overrides escalate regardless
// of the score when any single signal indicates the short path would
// produce a weak answer.
package routing

import "fmt"

// Stats are the evidence signals collected by the probe.
type Stats struct {
	// AvgVecSim is the mean vector similarity of sampled candidates,
	// clamped to [0,1]. Zero when no candidates were found.
	AvgVecSim float64

	// FTSHitRate is the fraction of full-text sampling slots that
	// produced a hit, in [0,1].
	FTSHitRate float64

	// TopDocShare is the share of sampled candidates belonging to the
	// most-represented document. Defaults to 1.0 when nothing was
	// sampled: an empty result is maximally concentrated.
	TopDocShare float64

	// UniqueDocs is the number of distinct documents among candidates.
	UniqueDocs int

	// StrongSegments is the number of vector candidates at or above the
	// strong-similarity cutoff.
	StrongSegments int

	// QuoteIDCount and TemporalMarkerCount are pattern matches against
	// the query text itself.
	QuoteIDCount        int
	TemporalMarkerCount int

	// Raw counters kept for the explain surface.
	VectorCandidates int
	FTSHits          int
}

// Validate rejects stats outside their documented domains.
func (s Stats) Validate() error {
	if s.AvgVecSim < 0 || s.AvgVecSim > 1 {
		return fmt.Errorf("avg_vec_sim out of range [0,1]: %g", s.AvgVecSim)
	}
	if s.FTSHitRate < 0 || s.FTSHitRate > 1 {
		return fmt.Errorf("fts_hit_rate out of range [0,1]: %g", s.FTSHitRate)
	}
	if s.TopDocShare < 0 || s.TopDocShare > 1 {
		return fmt.Errorf("top_doc_share out of range [0,1]: %g", s.TopDocShare)
	}
	if s.UniqueDocs < 0 {
		return fmt.Errorf("unique_docs must be non-negative: %d", s.UniqueDocs)
	}
	if s.StrongSegments < 0 {
		return fmt.Errorf("strong_segments must be non-negative: %d", s.StrongSegments)
	}
	if s.QuoteIDCount < 0 || s.TemporalMarkerCount < 0 {
		return fmt.Errorf("pattern counts must be non-negative")
	}
	return nil
}
