package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// EntityKind categorizes a named entity extracted from an article.
type EntityKind string

const (
	EntityPerson       EntityKind = "person"
	EntityOrganization EntityKind = "organization"
	EntityLocation     EntityKind = "location"
	EntityProduct      EntityKind = "product"
	EntityTechnology   EntityKind = "technology"
	EntityOther        EntityKind = "other"
)

// Entity is one named entity with an extraction-confidence relevance weight.
type Entity struct {
	Name      string     `json:"name"`
	Kind      EntityKind `json:"kind"`
	Relevance float64    `json:"relevance"`
}

// Signature is an immutable snapshot of one article's comparable facts.
// It is a pure function of the article's extracted data; re-extraction
// produces a new Signature, it is never mutated in place.
type Signature struct {
	ArticleID    string    `json:"article_id"`
	Title        string    `json:"title,omitempty"`
	Link         string    `json:"link,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	Source       string    `json:"source"`
	Category     Category  `json:"category"`
	Entities     []Entity  `json:"entities,omitempty"`
	Companies    []string  `json:"companies,omitempty"`
	CVEs         []string  `json:"cves,omitempty"`
	Technologies []string  `json:"technologies,omitempty"`
	Products     []string  `json:"products,omitempty"`
	Events       []string  `json:"events,omitempty"`
	Quotes       []string  `json:"quotes,omitempty"`
	Author       string    `json:"author,omitempty"`
	References   []string  `json:"references,omitempty"`
}

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Validate rejects signatures that must not enter the assigner. A rejected
// article is queued for re-extraction rather than force-placed into a group
// with a degraded signature.
func (s *Signature) Validate() error {
	if s.ArticleID == "" {
		return eris.New("signature: missing article id")
	}
	if s.PublishedAt.IsZero() {
		return eris.Errorf("signature: article %s has no published_at", s.ArticleID)
	}
	if !s.Category.Valid() {
		return eris.Errorf("signature: article %s has unknown category %q", s.ArticleID, s.Category)
	}
	for _, e := range s.Entities {
		if e.Name == "" {
			return eris.Errorf("signature: article %s has unnamed entity", s.ArticleID)
		}
		if e.Relevance < 0 || e.Relevance > 1 {
			return eris.Errorf("signature: article %s entity %q relevance %.3f out of [0,1]", s.ArticleID, e.Name, e.Relevance)
		}
	}
	for _, cve := range s.CVEs {
		if !cvePattern.MatchString(cve) {
			return eris.Errorf("signature: article %s has malformed CVE %q", s.ArticleID, cve)
		}
	}
	return nil
}

// TopEntity returns the entity with the highest relevance, or nil when the
// signature has none.
func (s *Signature) TopEntity() *Entity {
	var top *Entity
	for i := range s.Entities {
		if top == nil || s.Entities[i].Relevance > top.Relevance {
			top = &s.Entities[i]
		}
	}
	return top
}

// FoldName produces the canonical comparison key for an entity or company
// name. Upstream extraction already deduplicates at the string level; this
// is only unicode normalization plus case folding so that set membership
// does not depend on encoding form.
func FoldName(name string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(name)))
}
