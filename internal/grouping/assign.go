package grouping

import (
	"go.uber.org/zap"

	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/similarity"
)

// Assigner runs the three-way assignment decision for one article against
// the open groups in its category.
type Assigner struct {
	scorer   *similarity.Scorer
	resolver *Resolver
	margin   float64
}

// NewAssigner creates an Assigner from the grouping config.
func NewAssigner(cfg config.GroupingConfig) *Assigner {
	return &Assigner{
		scorer:   similarity.NewScorer(cfg),
		resolver: NewResolver(cfg),
		margin:   cfg.AmbiguityMargin,
	}
}

// Decide compares sig against every candidate and resolves to assign,
// create, or escalate. Candidates must all share sig's category; a mismatch
// is a contract violation from the store layer and fails this article only.
//
// The best candidate is the highest composite score, ties broken by the
// smallest group ID. The tie-break is an arbitrary but documented policy:
// it keeps repeated runs over the same inputs reproducible.
func (a *Assigner) Decide(sig model.Signature, candidates []model.Group) (model.Decision, error) {
	if len(candidates) == 0 {
		return model.Decision{Outcome: model.OutcomeCreate}, nil
	}

	var (
		best      *model.Group
		bestScore float64
		bestThr   float64
	)
	for i := range candidates {
		cand := &candidates[i]
		if cand.Category != sig.Category {
			return model.Decision{}, eris.Errorf(
				"assign: candidate group %d category %q does not match article %s category %q",
				cand.ID, cand.Category, sig.ArticleID, sig.Category)
		}

		bd := a.scorer.ScoreAgainst(sig, cand.Representative)
		thr := a.resolver.Threshold(cand.Category, cand.ArticleCount())

		zap.L().Debug("assign: scored candidate",
			zap.String("article_id", sig.ArticleID),
			zap.Int64("group_id", cand.ID),
			zap.Float64("score", bd.Composite),
			zap.Float64("threshold", thr),
			zap.Float64("entity", bd.Entity),
			zap.Float64("company", bd.Company),
			zap.Float64("cve", bd.CVE),
			zap.Float64("event", bd.Event),
		)

		if best == nil || bd.Composite > bestScore || (bd.Composite == bestScore && cand.ID < best.ID) {
			best = cand
			bestScore = bd.Composite
			bestThr = thr
		}
	}

	d := model.Decision{
		GroupID:    best.ID,
		Score:      bestScore,
		Threshold:  bestThr,
		Candidates: len(candidates),
	}
	switch {
	case bestScore >= bestThr+a.margin:
		d.Outcome = model.OutcomeAssign
	case bestScore < bestThr-a.margin:
		d.Outcome = model.OutcomeCreate
		d.GroupID = 0
	default:
		// Inside the ambiguity zone around the threshold: too close to
		// call locally, hand off to the adjudicator.
		d.Outcome = model.OutcomeEscalate
	}
	return d, nil
}
