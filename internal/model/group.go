package model

import (
	"sort"
	"time"
)

// Group is a growing cluster of articles believed to cover one story.
// Category is fixed at creation; membership is append-only.
type Group struct {
	ID             int64          `json:"id"`
	Category       Category       `json:"category"`
	Label          string         `json:"label"`
	Description    string         `json:"description"`
	Representative Representative `json:"representative"`
	Members        []string       `json:"members"` // article IDs in arrival order
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ArticleCount is derived from membership, never stored independently.
func (g *Group) ArticleCount() int {
	return len(g.Members)
}

// Representative is the aggregate signature summarizing all current members
// of a group. It is recomputed-and-swapped as a whole on every membership
// change, never mutated in place, so concurrent readers always see a
// consistent value.
type Representative struct {
	Entities     []Entity       `json:"entities,omitempty"`
	Companies    []string       `json:"companies,omitempty"`
	CVEs         []string       `json:"cves,omitempty"`
	Technologies []string       `json:"technologies,omitempty"`
	Products     []string       `json:"products,omitempty"`
	Events       []string       `json:"events,omitempty"`
	EarliestAt   time.Time      `json:"earliest_at"`
	LatestAt     time.Time      `json:"latest_at"`
	Sources      map[string]int `json:"sources,omitempty"` // source → member tally
}

// NewRepresentative builds the representative of a single-member group:
// the signature's own sets, verbatim.
func NewRepresentative(sig Signature) Representative {
	return Representative{}.Merge(sig)
}

// Merge returns a new Representative with sig's sets unioned in. A repeated
// entity keeps the maximum relevance seen across members; EarliestAt is the
// minimum published_at; Sources tallies every member's origin. The receiver
// is not modified.
func (r Representative) Merge(sig Signature) Representative {
	out := Representative{
		EarliestAt: r.EarliestAt,
		LatestAt:   r.LatestAt,
		Sources:    make(map[string]int, len(r.Sources)+1),
	}
	for src, n := range r.Sources {
		out.Sources[src] = n
	}
	if sig.Source != "" {
		out.Sources[sig.Source]++
	}
	if out.EarliestAt.IsZero() || (!sig.PublishedAt.IsZero() && sig.PublishedAt.Before(out.EarliestAt)) {
		out.EarliestAt = sig.PublishedAt
	}
	if sig.PublishedAt.After(out.LatestAt) {
		out.LatestAt = sig.PublishedAt
	}

	out.Entities = mergeEntities(r.Entities, sig.Entities)
	out.Companies = mergeSet(r.Companies, sig.Companies)
	out.CVEs = mergeSet(r.CVEs, sig.CVEs)
	out.Technologies = mergeSet(r.Technologies, sig.Technologies)
	out.Products = mergeSet(r.Products, sig.Products)
	out.Events = mergeSet(r.Events, sig.Events)
	return out
}

// TopEntity returns the highest-relevance aggregate entity, or nil.
func (r *Representative) TopEntity() *Entity {
	var top *Entity
	for i := range r.Entities {
		if top == nil || r.Entities[i].Relevance > top.Relevance {
			top = &r.Entities[i]
		}
	}
	return top
}

func mergeEntities(existing, incoming []Entity) []Entity {
	byKey := make(map[string]Entity, len(existing)+len(incoming))
	for _, e := range existing {
		byKey[FoldName(e.Name)] = e
	}
	for _, e := range incoming {
		key := FoldName(e.Name)
		if prev, ok := byKey[key]; ok {
			if e.Relevance > prev.Relevance {
				prev.Relevance = e.Relevance
			}
			byKey[key] = prev
			continue
		}
		byKey[key] = e
	}
	out := make([]Entity, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return FoldName(out[i].Name) < FoldName(out[j].Name)
	})
	return out
}

func mergeSet(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, lst := range [][]string{existing, incoming} {
		for _, v := range lst {
			key := FoldName(v)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
