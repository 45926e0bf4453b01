package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	content := `
sink: jsonl
signal:
  dedupe_ms: 9000
components:
  fusion:
    method: zsum
    w_ofi: 0.5
    w_cvd: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jsonl", cfg.Sink)
	assert.Equal(t, int64(9000), cfg.Signal.DedupeMs)
	assert.Equal(t, "zsum", cfg.Components.Fusion.Method)
	// untouched defaults survive the overlay
	assert.InDelta(t, 4.0, cfg.Backtest.TakerFeeBps, 1e-9)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("V13_SINK", "sqlite")
	t.Setenv("RUN_ID", "env-run")
	t.Setenv("SQLITE_BATCH_N", "17")
	t.Setenv("ROLLOVER_TZ", "Asia/Tokyo")
	t.Setenv("IGNORE_GATING", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Sink)
	assert.Equal(t, "env-run", cfg.RunID)
	assert.Equal(t, 17, cfg.Sqlite.BatchN)
	assert.Equal(t, "Asia/Tokyo", cfg.Backtest.RolloverTimezone)
	assert.True(t, cfg.Backtest.IgnoreGatingInBacktest)
}

func TestEnvRejectsBadValues(t *testing.T) {
	t.Setenv("SQLITE_BATCH_N", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "SQLITE_BATCH_N")
}

func TestValidateEnums(t *testing.T) {
	cfg := Default()
	cfg.Sink = "kafka"
	assert.ErrorContains(t, cfg.Validate(), "invalid sink")

	cfg = Default()
	cfg.Backtest.FeeModel = "free"
	assert.ErrorContains(t, cfg.Validate(), "fee_model")

	cfg = Default()
	cfg.Components.CVD.ZMode = "log"
	assert.ErrorContains(t, cfg.Validate(), "z_mode")
}

func TestValidateFusionWeights(t *testing.T) {
	cfg := Default()
	cfg.Components.Fusion.WOFI = 0.7
	cfg.Components.Fusion.WCVD = 0.4
	assert.ErrorContains(t, cfg.Validate(), "sum to 1")
}

func TestValidateRollover(t *testing.T) {
	cfg := Default()
	cfg.Backtest.RolloverHour = 24
	assert.ErrorContains(t, cfg.Validate(), "rollover_hour")

	cfg = Default()
	cfg.Backtest.RolloverTimezone = "Mars/Olympus"
	assert.ErrorContains(t, cfg.Validate(), "rollover_timezone")
}

func TestValidateOFIWeightsLength(t *testing.T) {
	cfg := Default()
	cfg.Components.OFI.Levels = 3
	cfg.Components.OFI.Weights = []float64{0.5, 0.5}
	assert.ErrorContains(t, cfg.Validate(), "ofi.weights")
}

func TestHashIsStableAndSensitive(t *testing.T) {
	a := Default()
	b := Default()
	require.NotEmpty(t, a.Hash())
	assert.Equal(t, a.Hash(), b.Hash())

	b.Signal.DedupeMs = 1
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
