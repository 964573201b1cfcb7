package grouping

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pulsefeed/grouper/internal/config"
	"github.com/pulsefeed/grouper/internal/model"
)

func resolverConfig() config.GroupingConfig {
	return config.GroupingConfig{
		BaseThreshold: 0.40,
		CategoryAdjust: map[string]float64{
			string(model.CategoryCybersec): 0.05,
			string(model.CategoryOther):    -0.03,
		},
		SizeBreakpoints: []int{1, 5, 10},
		SizeAdjustments: []float64{-0.05, 0.0, 0.03, 0.05},
	}
}

func TestResolver_Threshold_CategoryAdjust(t *testing.T) {
	r := NewResolver(resolverConfig())

	// Size 3 sits in the neutral band, isolating the category term.
	assert.InDelta(t, 0.45, r.Threshold(model.CategoryCybersec, 3), 1e-9)
	assert.InDelta(t, 0.37, r.Threshold(model.CategoryOther, 3), 1e-9)
	assert.InDelta(t, 0.40, r.Threshold(model.CategoryAI, 3), 1e-9)
}

func TestResolver_Threshold_SizeSteps(t *testing.T) {
	r := NewResolver(resolverConfig())

	tests := []struct {
		size int
		want float64
	}{
		{0, 0.35},
		{1, 0.35},
		{2, 0.40},
		{5, 0.40},
		{6, 0.43},
		{10, 0.43},
		{11, 0.45},
		{100, 0.45},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, r.Threshold(model.CategoryAI, tt.size), 1e-9,
			"size %d", tt.size)
	}
}

func TestResolver_Threshold_ClampsToUnitInterval(t *testing.T) {
	cfg := resolverConfig()
	cfg.BaseThreshold = 0.99
	cfg.CategoryAdjust = map[string]float64{string(model.CategoryCybersec): 0.5}
	r := NewResolver(cfg)
	assert.Equal(t, 1.0, r.Threshold(model.CategoryCybersec, 20))

	cfg.BaseThreshold = 0.01
	cfg.CategoryAdjust = map[string]float64{string(model.CategoryOther): -0.5}
	r = NewResolver(cfg)
	assert.Equal(t, 0.0, r.Threshold(model.CategoryOther, 1))
}

func TestResolver_Threshold_MalformedStepsFallBackToNoAdjust(t *testing.T) {
	cfg := resolverConfig()
	cfg.SizeAdjustments = []float64{-0.05} // wrong length
	r := NewResolver(cfg)
	assert.InDelta(t, 0.40, r.Threshold(model.CategoryAI, 1), 1e-9)
}
