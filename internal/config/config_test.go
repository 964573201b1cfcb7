package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chTempDir(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "grouper.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, int64(512), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 2.0, cfg.Anthropic.RPS, 0.001)

	assert.InDelta(t, 0.40, cfg.Grouping.EntityWeight, 0.001)
	assert.InDelta(t, 0.25, cfg.Grouping.CompanyWeight, 0.001)
	assert.InDelta(t, 0.15, cfg.Grouping.CVEWeight, 0.001)
	assert.InDelta(t, 0.10, cfg.Grouping.EventWeight, 0.001)
	assert.InDelta(t, 0.40, cfg.Grouping.BaseThreshold, 0.001)
	assert.InDelta(t, 0.05, cfg.Grouping.CategoryAdjust["Cybersecurity & Data Privacy"], 0.001)
	assert.Equal(t, []int{1, 5, 10}, cfg.Grouping.SizeBreakpoints)
	assert.Equal(t, []float64{-0.05, 0.0, 0.03, 0.05}, cfg.Grouping.SizeAdjustments)
	assert.InDelta(t, 0.05, cfg.Grouping.AmbiguityMargin, 0.001)
	assert.False(t, cfg.Grouping.TemporalAdjust)
	assert.Equal(t, []int{2, 5}, cfg.Grouping.LabelRefreshSizes)

	assert.Equal(t, 15, cfg.Run.IntervalMinutes)
	assert.Equal(t, 200, cfg.Run.BatchLimit)
	assert.Equal(t, 4, cfg.Run.MaxParallelCategories)
	assert.Equal(t, 3, cfg.Run.StoreRetryAttempts)

	assert.Equal(t, 24, cfg.Monitoring.LookbackHours)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.InDelta(t, 0.25, cfg.Monitoring.FallbackRateThreshold, 0.001)
	assert.Equal(t, 50, cfg.Monitoring.DLQDepthThreshold)
	assert.Equal(t, 100, cfg.Monitoring.UnplacedThreshold)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/grouper
log:
  level: debug
  format: console
grouping:
  base_threshold: 0.5
  ambiguity_margin: 0.1
run:
  batch_limit: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/grouper", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.InDelta(t, 0.5, cfg.Grouping.BaseThreshold, 0.001)
	assert.InDelta(t, 0.1, cfg.Grouping.AmbiguityMargin, 0.001)
	assert.Equal(t, 50, cfg.Run.BatchLimit)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.40, cfg.Grouping.EntityWeight, 0.001)
	assert.Equal(t, 15, cfg.Run.IntervalMinutes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GROUPER_STORE_DRIVER", "postgres")
	t.Setenv("GROUPER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chTempDir(t)

	t.Setenv("GROUPER_SERVER_PORT", "3000")
	t.Setenv("GROUPER_ANTHROPIC_KEY", "sk-ant-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
}

func TestLoadEnvEnablesScoreAdjustments(t *testing.T) {
	chTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Grouping.TemporalAdjust)
	assert.False(t, cfg.Grouping.SourceBonus)
	assert.False(t, cfg.Grouping.CoreEntityBonus)

	t.Setenv("GROUPER_GROUPING_TEMPORAL_ADJUST", "true")
	t.Setenv("GROUPER_GROUPING_SOURCE_BONUS", "true")
	t.Setenv("GROUPER_GROUPING_CORE_ENTITY_BONUS", "true")

	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.Grouping.TemporalAdjust)
	assert.True(t, cfg.Grouping.SourceBonus)
	assert.True(t, cfg.Grouping.CoreEntityBonus)
}

func TestLoadRulesFileOverlay(t *testing.T) {
	dir := chTempDir(t)

	rules := `
rules:
  base_threshold: 0.45
  category_adjust:
    Other: -0.05
  size_breakpoints: [3]
  size_adjustments: [-0.02, 0.02]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rules), 0644))

	yaml := `
grouping:
  rules_file: rules.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.45, cfg.Grouping.BaseThreshold, 0.001)
	assert.Equal(t, map[string]float64{"Other": -0.05}, cfg.Grouping.CategoryAdjust)
	assert.Equal(t, []int{3}, cfg.Grouping.SizeBreakpoints)
	assert.Equal(t, []float64{-0.02, 0.02}, cfg.Grouping.SizeAdjustments)
	// Keys absent from the rules file keep their loaded values
	assert.InDelta(t, 0.05, cfg.Grouping.AmbiguityMargin, 0.001)
}

func TestLoadRulesFilePartialOverlay(t *testing.T) {
	dir := chTempDir(t)

	rules := `
rules:
  ambiguity_margin: 0.08
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rules), 0644))
	yaml := `
grouping:
  rules_file: rules.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.InDelta(t, 0.08, cfg.Grouping.AmbiguityMargin, 0.001)
	assert.InDelta(t, 0.40, cfg.Grouping.BaseThreshold, 0.001)
	assert.Equal(t, []int{1, 5, 10}, cfg.Grouping.SizeBreakpoints)
}

func TestLoadRulesFileMissing(t *testing.T) {
	dir := chTempDir(t)

	yaml := `
grouping:
  rules_file: nope.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rules file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes Validate for commands that do not
// need an API key.
func validConfig() *Config {
	return &Config{
		Store: StoreConfig{Driver: "sqlite", DatabaseURL: "grouper.db"},
		Grouping: GroupingConfig{
			SizeBreakpoints: []int{1, 5, 10},
			SizeAdjustments: []float64{-0.05, 0.0, 0.03, 0.05},
		},
	}
}

func TestValidateRunRequiresKey(t *testing.T) {
	cfg := validConfig()

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key")

	cfg.Anthropic.Key = "sk-ant-test"
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRetryRequiresKey(t *testing.T) {
	cfg := validConfig()
	err := cfg.Validate("retry")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key")
}

func TestValidateReadOnlyCommandsSkipKey(t *testing.T) {
	cfg := validConfig()
	for _, command := range []string{"serve", "status", "trending", "list", "show", "ingest"} {
		assert.NoError(t, cfg.Validate(command), command)
	}
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store driver")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestValidateSizeStepLengths(t *testing.T) {
	cfg := validConfig()
	cfg.Grouping.SizeAdjustments = []float64{-0.05, 0.05}

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size_adjustments")
}
