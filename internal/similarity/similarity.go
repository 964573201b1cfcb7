package similarity

import (
	"math"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
)

// Breakdown reports per-channel similarity values for one comparison.
// A channel where neither side carries any members is absent: it holds no
// signal and is excluded from the composite, rather than counted as a
// mismatch.
type Breakdown struct {
	Entity     float64 `json:"entity"`
	Company    float64 `json:"company"`
	CVE        float64 `json:"cve"`
	Event      float64 `json:"event"`
	HasEntity  bool    `json:"has_entity"`
	HasCompany bool    `json:"has_company"`
	HasCVE     bool    `json:"has_cve"`
	HasEvent   bool    `json:"has_event"`

	Temporal float64 `json:"temporal,omitempty"` // recency adjustment, if enabled
	Source   float64 `json:"source,omitempty"`   // same-source bonus, if enabled
	Core     float64 `json:"core,omitempty"`     // core-entity bonus, if enabled

	Composite float64 `json:"composite"`
}

// Scorer computes composite signature similarity. Pure and deterministic:
// the same pair always produces the same score, and Score is symmetric.
type Scorer struct {
	cfg config.GroupingConfig
}

// NewScorer creates a Scorer with the given grouping weights.
func NewScorer(cfg config.GroupingConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the composite similarity of two signatures in [0,1].
func (s *Scorer) Score(a, b model.Signature) float64 {
	bd := s.compare(
		entitySet(a.Entities), entitySet(b.Entities),
		foldSet(a.Companies), foldSet(b.Companies),
		foldSet(a.CVEs), foldSet(b.CVEs),
		foldSet(a.Events), foldSet(b.Events),
	)
	return bd.Composite
}

// ScoreAgainst compares an article's signature with a group representative.
// Comparing against the aggregate keeps the per-candidate cost independent
// of group size.
func (s *Scorer) ScoreAgainst(sig model.Signature, rep model.Representative) Breakdown {
	bd := s.compare(
		entitySet(sig.Entities), entitySet(rep.Entities),
		foldSet(sig.Companies), foldSet(rep.Companies),
		foldSet(sig.CVEs), foldSet(rep.CVEs),
		foldSet(sig.Events), foldSet(rep.Events),
	)

	if s.cfg.TemporalAdjust {
		bd.Temporal = temporalAdjustment(sig, rep)
		bd.Composite += bd.Temporal
	}
	if s.cfg.SourceBonus {
		if _, ok := rep.Sources[sig.Source]; ok && sig.Source != "" {
			bd.Source = sameSourceBonus
			bd.Composite += bd.Source
		}
	}
	if s.cfg.CoreEntityBonus {
		bd.Core = coreEntityAdjustment(sig, rep)
		bd.Composite += bd.Core
	}
	bd.Composite = clamp01(bd.Composite)
	return bd
}

const (
	// Recency shaping, from production tuning: articles within two days of
	// the group's newest member get a decaying boost, articles more than a
	// week stale get a growing penalty.
	recencyWindow   = 48 * 60 * 60 // seconds
	staleCutoff     = 7 * 24 * 60 * 60
	recencyBonusMax = 0.05
	stalePenaltyMax = 0.03

	sameSourceBonus = 0.03

	coreEntityBonus = 0.20
)

// coreKinds are the entity kinds likely to name the story's subject rather
// than a participant. A shared top person or location says far less about
// two articles covering the same story than a shared top product does.
var coreKinds = map[model.EntityKind]struct{}{
	model.EntityProduct:      {},
	model.EntityOrganization: {},
	model.EntityTechnology:   {},
}

// compare computes the weighted composite over present channels only,
// renormalizing the configured weights to sum to 1 across those channels.
func (s *Scorer) compare(entA, entB map[string]float64, compA, compB, cveA, cveB, evA, evB map[string]struct{}) Breakdown {
	var bd Breakdown

	bd.Entity, bd.HasEntity = weightedJaccard(entA, entB)
	bd.Company, bd.HasCompany = jaccard(compA, compB)
	bd.CVE, bd.HasCVE = jaccard(cveA, cveB)
	bd.Event, bd.HasEvent = jaccard(evA, evB)

	type channel struct {
		value   float64
		weight  float64
		present bool
	}
	channels := []channel{
		{bd.Entity, s.cfg.EntityWeight, bd.HasEntity},
		{bd.Company, s.cfg.CompanyWeight, bd.HasCompany},
		{bd.CVE, s.cfg.CVEWeight, bd.HasCVE},
		{bd.Event, s.cfg.EventWeight, bd.HasEvent},
	}

	var sum, weightSum float64
	for _, ch := range channels {
		if !ch.present {
			continue
		}
		sum += ch.value * ch.weight
		weightSum += ch.weight
	}
	if weightSum > 0 {
		bd.Composite = sum / weightSum
	}
	return bd
}

// weightedJaccard computes entity overlap where each shared entity
// contributes the minimum of its two relevance weights: an entity the
// extractor was unsure about on one side should not fully count even when
// present in both. Normalized by the maximum relevance over the union, so
// identical entity sets score exactly 1. The second return is false when
// both sides are empty (absent channel).
func weightedJaccard(a, b map[string]float64) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}

	var intersection, union float64
	for name, ra := range a {
		if rb, ok := b[name]; ok {
			intersection += math.Min(ra, rb)
			union += math.Max(ra, rb)
		} else {
			union += ra
		}
	}
	for name, rb := range b {
		if _, ok := a[name]; !ok {
			union += rb
		}
	}
	if union == 0 {
		return 0, true
	}
	return intersection / union, true
}

// jaccard computes plain set overlap. The second return is false when both
// sets are empty.
func jaccard(a, b map[string]struct{}) (float64, bool) {
	if len(a) == 0 && len(b) == 0 {
		return 0, false
	}

	var intersection int
	for v := range a {
		if _, ok := b[v]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0, true
	}
	return float64(intersection) / float64(union), true
}

// coreEntityAdjustment grants a flat bonus when the article and the group
// agree on their single most relevant entity and that entity's kind is a
// plausible story subject.
func coreEntityAdjustment(sig model.Signature, rep model.Representative) float64 {
	topSig := sig.TopEntity()
	topRep := rep.TopEntity()
	if topSig == nil || topRep == nil {
		return 0
	}
	if model.FoldName(topSig.Name) != model.FoldName(topRep.Name) {
		return 0
	}
	if _, ok := coreKinds[topSig.Kind]; !ok {
		return 0
	}
	return coreEntityBonus
}

func temporalAdjustment(sig model.Signature, rep model.Representative) float64 {
	if sig.PublishedAt.IsZero() || rep.LatestAt.IsZero() {
		return 0
	}
	diff := math.Abs(sig.PublishedAt.Sub(rep.LatestAt).Seconds())
	switch {
	case diff <= recencyWindow:
		return recencyBonusMax * (1 - diff/recencyWindow)
	case diff > staleCutoff:
		factor := math.Min(diff/staleCutoff-1, 1.0)
		return -stalePenaltyMax * factor
	default:
		return 0
	}
}

func entitySet(entities []model.Entity) map[string]float64 {
	out := make(map[string]float64, len(entities))
	for _, e := range entities {
		key := model.FoldName(e.Name)
		if prev, ok := out[key]; !ok || e.Relevance > prev {
			out[key] = e.Relevance
		}
	}
	return out
}

func foldSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[model.FoldName(v)] = struct{}{}
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
