// Package trending ranks story groups by how actively they are growing.
package trending

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pulsefeed/grouper/internal/model"
	"github.com/pulsefeed/grouper/internal/store"
)

// Entry is one ranked group.
type Entry struct {
	Group    model.Group `json:"group"`
	Score    float64     `json:"score"`
	Articles int         `json:"articles"`
}

// Ranker scores groups by size and recency of growth.
type Ranker struct {
	store store.Store
}

func NewRanker(st store.Store) *Ranker {
	return &Ranker{store: st}
}

// Half-life of the recency factor. A group last extended 12 hours ago
// carries half the freshness weight of one extended just now.
const recencyHalfLife = 12 * time.Hour

// Rank returns the top groups updated within the window, best first. An
// empty category ranks across all categories.
func (r *Ranker) Rank(ctx context.Context, category model.Category, window time.Duration, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	groups, err := r.store.ListGroups(ctx, store.GroupFilter{
		Category:     category,
		UpdatedSince: time.Now().UTC().Add(-window),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "trending: list groups")
	}

	now := time.Now().UTC()
	entries := make([]Entry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, Entry{
			Group:    g,
			Score:    score(g, now),
			Articles: g.ArticleCount(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Group.ID < entries[j].Group.ID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// score is member count weighted by how recently the group last grew.
// log2(1+n) keeps a 100-article megastory from drowning out everything
// smaller; the exponential decay keeps stale stories from ranking on size
// alone.
func score(g model.Group, now time.Time) float64 {
	size := math.Log2(1 + float64(g.ArticleCount()))
	age := now.Sub(g.UpdatedAt)
	if age < 0 {
		age = 0
	}
	freshness := math.Exp2(-age.Hours() / recencyHalfLife.Hours())
	return size * freshness
}
