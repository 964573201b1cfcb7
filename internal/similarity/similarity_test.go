package similarity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
)

func scorerConfig() config.GroupingConfig {
	return config.GroupingConfig{
		EntityWeight:  0.40,
		CompanyWeight: 0.25,
		CVEWeight:     0.15,
		EventWeight:   0.10,
	}
}

func entities(pairs ...any) []model.Entity {
	var out []model.Entity
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, model.Entity{
			Name:      pairs[i].(string),
			Kind:      model.EntityOrganization,
			Relevance: pairs[i+1].(float64),
		})
	}
	return out
}

func TestScorer_IdenticalSignaturesScoreOne(t *testing.T) {
	s := NewScorer(scorerConfig())
	sig := model.Signature{
		Entities:  entities("Acme Cloud", 0.9, "Globex", 0.6),
		Companies: []string{"Acme Cloud"},
		CVEs:      []string{"CVE-2026-12345"},
		Events:    []string{"data breach"},
	}
	assert.InDelta(t, 1.0, s.Score(sig, sig), 1e-9)
}

func TestScorer_DisjointSignaturesScoreZero(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{Entities: entities("Acme Cloud", 1.0), Companies: []string{"Acme Cloud"}}
	b := model.Signature{Entities: entities("Initech", 1.0), Companies: []string{"Initech"}}
	assert.Zero(t, s.Score(a, b))
}

func TestScorer_BothSidesEmptyScoreZero(t *testing.T) {
	s := NewScorer(scorerConfig())
	assert.Zero(t, s.Score(model.Signature{}, model.Signature{}))
}

func TestScorer_IsSymmetric(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{
		Entities:  entities("Acme Cloud", 0.9, "Globex", 0.4),
		Companies: []string{"Acme Cloud", "Initech"},
		Events:    []string{"acquisition"},
	}
	b := model.Signature{
		Entities:  entities("Acme Cloud", 0.7),
		Companies: []string{"Acme Cloud"},
		CVEs:      []string{"CVE-2026-99999"},
	}
	assert.Equal(t, s.Score(a, b), s.Score(b, a))
}

// An absent channel carries no signal: two signatures that only share an
// entity channel must not be diluted by the channels neither side has.
func TestScorer_AbsentChannelsAreExcluded(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{Entities: entities("Acme Cloud", 1.0)}
	b := model.Signature{Entities: entities("Acme Cloud", 1.0)}
	assert.InDelta(t, 1.0, s.Score(a, b), 1e-9)
}

// A channel one side populates and the other does not is present, and the
// empty side counts as total mismatch there.
func TestScorer_OneSidedChannelIsAMismatch(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{
		Entities: entities("Acme Cloud", 1.0),
		CVEs:     []string{"CVE-2026-12345"},
	}
	b := model.Signature{Entities: entities("Acme Cloud", 1.0)}

	// entity 1.0 at weight 0.40, cve 0.0 at weight 0.15, renormalized.
	want := 0.40 / (0.40 + 0.15)
	assert.InDelta(t, want, s.Score(a, b), 1e-9)
}

func TestScorer_WeightedEntityOverlapUsesMinRelevance(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{Entities: entities("Acme Cloud", 0.9, "Globex", 0.5)}
	b := model.Signature{Entities: entities("Acme Cloud", 0.3)}

	// intersection min(0.9, 0.3) = 0.3; union max(0.9, 0.3) + 0.5 = 1.4.
	assert.InDelta(t, 0.3/1.4, s.Score(a, b), 1e-9)
}

func TestScorer_EntityNamesAreFoldedForComparison(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{Entities: entities("ACME Cloud", 1.0)}
	b := model.Signature{Entities: entities("acme cloud", 1.0)}
	assert.InDelta(t, 1.0, s.Score(a, b), 1e-9)
}

func TestScorer_CompositeMixesChannelsByWeight(t *testing.T) {
	s := NewScorer(scorerConfig())
	a := model.Signature{
		Entities:  entities("Acme Cloud", 1.0),
		Companies: []string{"Acme Cloud", "Globex"},
	}
	b := model.Signature{
		Entities:  entities("Acme Cloud", 1.0),
		Companies: []string{"Acme Cloud"},
	}

	// entity 1.0 at 0.40, company 0.5 at 0.25, renormalized over 0.65.
	want := (1.0*0.40 + 0.5*0.25) / 0.65
	assert.InDelta(t, want, s.Score(a, b), 1e-9)
}

func TestScoreAgainst_TemporalAdjustment(t *testing.T) {
	cfg := scorerConfig()
	cfg.TemporalAdjust = true
	s := NewScorer(cfg)

	latest := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := model.Representative{
		Entities: entities("Acme Cloud", 1.0),
		LatestAt: latest,
	}

	fresh := model.Signature{
		Entities:    entities("Acme Cloud", 0.5),
		PublishedAt: latest,
	}
	bd := s.ScoreAgainst(fresh, rep)
	assert.InDelta(t, 0.05, bd.Temporal, 1e-9)

	stale := fresh
	stale.PublishedAt = latest.Add(-21 * 24 * time.Hour)
	bd = s.ScoreAgainst(stale, rep)
	assert.Negative(t, bd.Temporal)

	neutral := fresh
	neutral.PublishedAt = latest.Add(-4 * 24 * time.Hour)
	bd = s.ScoreAgainst(neutral, rep)
	assert.Zero(t, bd.Temporal)
}

func TestScoreAgainst_SourceBonus(t *testing.T) {
	cfg := scorerConfig()
	cfg.SourceBonus = true
	s := NewScorer(cfg)

	rep := model.Representative{
		Entities: entities("Acme Cloud", 1.0),
		Sources:  map[string]int{"wire-a": 2},
	}
	sig := model.Signature{
		Entities: entities("Acme Cloud", 1.0),
		Source:   "wire-a",
	}
	bd := s.ScoreAgainst(sig, rep)
	assert.InDelta(t, 0.03, bd.Source, 1e-9)
	// Composite clamps at 1 even with the bonus on a perfect match.
	assert.Equal(t, 1.0, bd.Composite)

	sig.Source = "wire-b"
	bd = s.ScoreAgainst(sig, rep)
	assert.Zero(t, bd.Source)
}

func TestScoreAgainst_CoreEntityBonus(t *testing.T) {
	cfg := scorerConfig()
	cfg.CoreEntityBonus = true
	s := NewScorer(cfg)

	rep := model.Representative{
		Entities: entities("Acme Cloud", 1.0, "Globex", 0.4),
	}
	sig := model.Signature{
		Entities: entities("acme cloud", 0.8, "Initech", 0.3),
	}

	bd := s.ScoreAgainst(sig, rep)
	assert.InDelta(t, 0.20, bd.Core, 1e-9)

	// A top person is a participant, not a story subject.
	person := model.Signature{
		Entities: []model.Entity{{Name: "Acme Cloud", Kind: model.EntityPerson, Relevance: 0.8}},
	}
	bd = s.ScoreAgainst(person, rep)
	assert.Zero(t, bd.Core)

	// Different top entities get nothing even when both sets overlap.
	other := model.Signature{
		Entities: entities("Globex", 0.9, "Acme Cloud", 0.2),
	}
	bd = s.ScoreAgainst(other, rep)
	assert.Zero(t, bd.Core)

	// Off by default.
	bd = NewScorer(scorerConfig()).ScoreAgainst(sig, rep)
	assert.Zero(t, bd.Core)
}

func TestScoreAgainst_BreakdownReportsChannels(t *testing.T) {
	s := NewScorer(scorerConfig())
	rep := model.Representative{
		Entities:  entities("Acme Cloud", 1.0),
		Companies: []string{"Acme Cloud"},
	}
	sig := model.Signature{
		Entities: entities("Acme Cloud", 1.0),
		CVEs:     []string{"CVE-2026-12345"},
	}

	bd := s.ScoreAgainst(sig, rep)
	assert.True(t, bd.HasEntity)
	assert.True(t, bd.HasCompany)
	assert.True(t, bd.HasCVE)
	assert.False(t, bd.HasEvent)
	assert.InDelta(t, 1.0, bd.Entity, 1e-9)
	assert.Zero(t, bd.Company)
	assert.Zero(t, bd.CVE)
}
