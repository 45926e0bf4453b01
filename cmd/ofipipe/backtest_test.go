package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacktestFlagSurface(t *testing.T) {
	cmd := newBacktestCmd()

	for _, name := range []string{
		"mode", "features-dir", "signals-src", "symbols",
		"start", "end", "tz", "out-dir", "run-id",
		"gating-mode", "ignore-gating", "quality",
		"legacy", "legacy-min-score", "reemit-signals",
	} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "missing flag --%s", name)
	}

	assert.Equal(t, "A", cmd.Flags().Lookup("mode").DefValue)
	assert.Equal(t, "strict", cmd.Flags().Lookup("gating-mode").DefValue)
	assert.Equal(t, "false", cmd.Flags().Lookup("ignore-gating").DefValue)
	assert.Equal(t, "false", cmd.Flags().Lookup("reemit-signals").DefValue)
}

func TestParseTimeMs(t *testing.T) {
	ms, err := parseTimeMs("2026-03-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1772366400000), ms)

	ms, err = parseTimeMs("1772366400000")
	require.NoError(t, err)
	assert.Equal(t, int64(1772366400000), ms)

	ms, err = parseTimeMs("")
	require.NoError(t, err)
	assert.Zero(t, ms)

	_, err = parseTimeMs("yesterday")
	assert.Error(t, err)
}
