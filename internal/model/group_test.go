package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRepresentative(t *testing.T) {
	sig := validSignature()
	sig.Companies = []string{"Acme Cloud"}
	sig.Events = []string{"data breach"}

	rep := NewRepresentative(sig)

	require.Len(t, rep.Entities, 1)
	assert.Equal(t, "Acme Cloud", rep.Entities[0].Name)
	assert.Equal(t, []string{"Acme Cloud"}, rep.Companies)
	assert.Equal(t, []string{"CVE-2026-12345"}, rep.CVEs)
	assert.Equal(t, []string{"data breach"}, rep.Events)
	assert.Equal(t, sig.PublishedAt, rep.EarliestAt)
	assert.Equal(t, sig.PublishedAt, rep.LatestAt)
	assert.Equal(t, map[string]int{"example.com": 1}, rep.Sources)
}

func TestRepresentativeMergeKeepsMaxRelevance(t *testing.T) {
	first := validSignature()
	first.Entities = []Entity{{Name: "Acme Cloud", Kind: EntityOrganization, Relevance: 0.6}}

	second := validSignature()
	second.ArticleID = "art-2"
	second.Entities = []Entity{
		{Name: "ACME CLOUD", Kind: EntityOrganization, Relevance: 0.9},
		{Name: "Globex", Kind: EntityOrganization, Relevance: 0.4},
	}

	rep := NewRepresentative(first).Merge(second)

	require.Len(t, rep.Entities, 2)
	assert.Equal(t, "Acme Cloud", rep.Entities[0].Name) // first spelling kept
	assert.InDelta(t, 0.9, rep.Entities[0].Relevance, 1e-9)
	assert.Equal(t, "Globex", rep.Entities[1].Name)
}

func TestRepresentativeMergeTimeBounds(t *testing.T) {
	early := validSignature()
	early.PublishedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	late := validSignature()
	late.ArticleID = "art-2"
	late.PublishedAt = time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)

	rep := NewRepresentative(late).Merge(early)

	assert.Equal(t, early.PublishedAt, rep.EarliestAt)
	assert.Equal(t, late.PublishedAt, rep.LatestAt)
}

func TestRepresentativeMergeTalliesSources(t *testing.T) {
	a := validSignature()
	a.Source = "example.com"
	b := validSignature()
	b.ArticleID = "art-2"
	b.Source = "other.example"
	c := validSignature()
	c.ArticleID = "art-3"
	c.Source = "example.com"

	rep := NewRepresentative(a).Merge(b).Merge(c)

	assert.Equal(t, map[string]int{"example.com": 2, "other.example": 1}, rep.Sources)
}

func TestRepresentativeMergeDoesNotModifyReceiver(t *testing.T) {
	base := NewRepresentative(validSignature())

	other := validSignature()
	other.ArticleID = "art-2"
	other.Entities = []Entity{{Name: "Globex", Relevance: 0.5}}
	other.CVEs = []string{"CVE-2026-99999"}

	_ = base.Merge(other)

	assert.Len(t, base.Entities, 1)
	assert.Equal(t, []string{"CVE-2026-12345"}, base.CVEs)
	assert.Equal(t, map[string]int{"example.com": 1}, base.Sources)
}

func TestMergeSetDeduplicatesCaseInsensitive(t *testing.T) {
	out := mergeSet([]string{"Acme Cloud", "Globex"}, []string{"ACME CLOUD", "Initech"})
	assert.Equal(t, []string{"Acme Cloud", "Globex", "Initech"}, out)
}

func TestGroupArticleCount(t *testing.T) {
	g := Group{Members: []string{"a", "b", "c"}}
	assert.Equal(t, 3, g.ArticleCount())

	empty := Group{}
	assert.Equal(t, 0, empty.ArticleCount())
}

func TestRepresentativeTopEntity(t *testing.T) {
	rep := Representative{Entities: []Entity{
		{Name: "Acme Cloud", Relevance: 0.6},
		{Name: "Globex", Relevance: 0.8},
	}}
	top := rep.TopEntity()
	require.NotNil(t, top)
	assert.Equal(t, "Globex", top.Name)

	var empty Representative
	assert.Nil(t, empty.TopEntity())
}
