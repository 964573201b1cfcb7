package grouping

import (
	"math"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
)

// Resolver computes the dynamic acceptance threshold for a candidate group.
// It is a pure function of the loaded config: category is data here, not a
// code branch.
type Resolver struct {
	cfg config.GroupingConfig
}

// NewResolver creates a Resolver over the given grouping rules.
func NewResolver(cfg config.GroupingConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Threshold returns base + category adjustment + size-step adjustment,
// clamped to [0,1]. Small groups get a looser threshold so an early story
// is not fragmented into singletons; large groups get a stricter one to
// protect them from topic drift.
func (r *Resolver) Threshold(category model.Category, groupSize int) float64 {
	thr := r.cfg.BaseThreshold
	thr += r.cfg.CategoryAdjust[string(category)]
	thr += r.sizeAdjust(groupSize)
	return math.Max(0, math.Min(1, thr))
}

// sizeAdjust evaluates the configured step function. With breakpoints
// [1,5,10] and adjustments [a0,a1,a2,a3]: size<=1 → a0, size<=5 → a1,
// size<=10 → a2, size>10 → a3.
func (r *Resolver) sizeAdjust(size int) float64 {
	if len(r.cfg.SizeAdjustments) != len(r.cfg.SizeBreakpoints)+1 {
		return 0
	}
	idx := 0
	for i, bp := range r.cfg.SizeBreakpoints {
		if size > bp {
			idx = i + 1
		} else {
			break
		}
	}
	return r.cfg.SizeAdjustments[idx]
}
