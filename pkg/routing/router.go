package routing

import (
	"fmt"
	"log/slog"

	"github.com/doclens/doclens/pkg/config"
)

// Path is the selected answering strategy.
type Path string

const (
	PathShort Path = "short"
	PathLong  Path = "long"
)

// Reason explains why the long path was selected.
type Reason string

const (
	// ReasonScoreThreshold: the soft score fell below the threshold.
	ReasonScoreThreshold Reason = "SCORE_THRESHOLD"

	// ReasonSparseDocs: evidence is scattered over too many documents.
	ReasonSparseDocs Reason = "SPARSE_DOCS"

	// ReasonLowSimilarity: neither vector nor text signals anchor the
	// query strongly enough in the corpus.
	ReasonLowSimilarity Reason = "LOW_SIMILARITY"

	// ReasonHighConcentration: too few individually strong segments to
	// trust a single-pass answer.
	ReasonHighConcentration Reason = "HIGH_CONCENTRATION"

	// ReasonForced: escalation was imposed from outside the router,
	// e.g. after a failed short-path retrieval.
	ReasonForced Reason = "FORCED"
)

// Decision is the routing outcome. Reason is empty for the short path.
type Decision struct {
	Path   Path
	Score  float64
	Reason Reason
}

// Scorer computes the soft routing score.
type Scorer struct {
	cfg config.RouterConfig
}

// NewScorer creates a scorer.
func NewScorer(cfg config.RouterConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score applies the linear model. Higher means the short path is safer.
// The score is unbounded in both directions; only the threshold matters.
func (s *Scorer) Score(stats Stats) (float64, error) {
	if err := stats.Validate(); err != nil {
		return 0, fmt.Errorf("invalid stats: %w", err)
	}

	score := s.cfg.WeightAvgVecSim*stats.AvgVecSim +
		s.cfg.WeightFTSHitRate*stats.FTSHitRate +
		s.cfg.WeightTopDocShare*stats.TopDocShare +
		s.cfg.WeightUniqueDocs*(float64(stats.UniqueDocs)/10.0) +
		s.cfg.WeightQuoteIDs*float64(stats.QuoteIDCount) +
		s.cfg.WeightTemporalMarkers*float64(stats.TemporalMarkerCount)

	return score, nil
}

// Router turns probe stats into a path decision.
//
// Hard overrides are checked first, in fixed priority order; any trigger
// escalates regardless of the soft score. The decision is a pure function
// of the stats and configuration.
type Router struct {
	scorer *Scorer
	escCfg config.EscalationConfig
	cfg    config.RouterConfig
}

// NewRouter creates a router.
func NewRouter(routerCfg config.RouterConfig, escCfg config.EscalationConfig) *Router {
	return &Router{
		scorer: NewScorer(routerCfg),
		escCfg: escCfg,
		cfg:    routerCfg,
	}
}

// Route decides the path for the given stats.
func (r *Router) Route(stats Stats) (Decision, error) {
	score, err := r.scorer.Score(stats)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{Path: PathShort, Score: score}

	switch {
	case stats.UniqueDocs > r.escCfg.MaxDistinctDocs:
		decision.Path = PathLong
		decision.Reason = ReasonSparseDocs
	case stats.AvgVecSim < r.escCfg.MinAvgVecSim:
		decision.Path = PathLong
		decision.Reason = ReasonLowSimilarity
	case stats.FTSHitRate < r.escCfg.MinFTSHitRate:
		decision.Path = PathLong
		decision.Reason = ReasonLowSimilarity
	case stats.StrongSegments < r.escCfg.MinStrongSegments:
		decision.Path = PathLong
		decision.Reason = ReasonHighConcentration
	case score < r.cfg.Threshold:
		decision.Path = PathLong
		decision.Reason = ReasonScoreThreshold
	}

	slog.Debug("routing decision",
		"path", decision.Path,
		"score", decision.Score,
		"reason", decision.Reason)

	return decision, nil
}

// Threshold exposes the configured score threshold for the explain surface.
func (r *Router) Threshold() float64 {
	return r.cfg.Threshold
}
