package config

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// rulesFile is the shape of a standalone grouping-rules yaml file. Only the
// keys present in the file override the loaded configuration, so a rules
// file can pin thresholds while weights keep their defaults.
type rulesFile struct {
	Rules struct {
		BaseThreshold   *float64           `yaml:"base_threshold"`
		CategoryAdjust  map[string]float64 `yaml:"category_adjust"`
		SizeBreakpoints []int              `yaml:"size_breakpoints"`
		SizeAdjustments []float64          `yaml:"size_adjustments"`
		AmbiguityMargin *float64           `yaml:"ambiguity_margin"`
	} `yaml:"rules"`
}

// applyRulesFile overlays threshold rules from a yaml file onto the
// grouping config.
func (g *GroupingConfig) applyRulesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "config: read rules file %s", path)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return eris.Wrapf(err, "config: parse rules file %s", path)
	}

	if rf.Rules.BaseThreshold != nil {
		g.BaseThreshold = *rf.Rules.BaseThreshold
	}
	if rf.Rules.CategoryAdjust != nil {
		g.CategoryAdjust = rf.Rules.CategoryAdjust
	}
	if len(rf.Rules.SizeBreakpoints) > 0 {
		g.SizeBreakpoints = rf.Rules.SizeBreakpoints
	}
	if len(rf.Rules.SizeAdjustments) > 0 {
		g.SizeAdjustments = rf.Rules.SizeAdjustments
	}
	if rf.Rules.AmbiguityMargin != nil {
		g.AmbiguityMargin = *rf.Rules.AmbiguityMargin
	}
	return nil
}
