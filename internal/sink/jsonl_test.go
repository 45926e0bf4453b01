package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

func testSignal(ts int64, symbol string) *model.Signal {
	return &model.Signal{
		TsMs:          ts,
		RunID:         "run1",
		Symbol:        symbol,
		SignalID:      model.SignalIDFor("run1", symbol, ts, 0),
		SchemaVersion: model.SchemaVersion,
		Score:         1.0,
		SignalType:    model.SignalBuy,
		SideHint:      model.SideBuy,
		Confirm:       true,
		Gating:        []string{},
		Regime:        model.RegimeActive,
		QualityTier:   model.QualityNormal,
		ConfigHash:    "cfghash",
		DecisionCode:  "confirmed",
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestJSONLWriteAndPromoteOnClose(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 1000, MaxSec: 300}, 10)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Write(context.Background(), testSignal(ts, "BTCUSDT")))
	require.NoError(t, s.Write(context.Background(), testSignal(ts+1000, "BTCUSDT")))

	final := layout.ReadyFile(paths.KindSignals, "BTCUSDT", time.UnixMilli(ts), 0)
	_, err := os.Stat(final)
	assert.True(t, os.IsNotExist(err), "file promotes only on rotation or close")

	require.NoError(t, s.Close(context.Background()))
	lines := readLines(t, final)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], `{"ts_ms":`), "canonical form leads with ts_ms")

	// nothing half-written left behind
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(final), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJSONLMinuteRotationUsesPartSuffix(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 1000, MaxSec: 300}, 10)

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	require.NoError(t, s.Write(context.Background(), testSignal(base.UnixMilli(), "BTCUSDT")))
	// crossing the minute boundary rotates within the same hour partition
	require.NoError(t, s.Write(context.Background(), testSignal(base.Add(45*time.Second).UnixMilli(), "BTCUSDT")))
	require.NoError(t, s.Close(context.Background()))

	first := layout.ReadyFile(paths.KindSignals, "BTCUSDT", base, 0)
	second := layout.ReadyFile(paths.KindSignals, "BTCUSDT", base, 1)
	assert.Len(t, readLines(t, first), 1)
	assert.Len(t, readLines(t, second), 1)
	assert.Contains(t, second, ".part001.")
	assert.Equal(t, int64(2), s.Rotated, "the minute rotation and the close both promote")
}

func TestJSONLRowCapRotation(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 2, MaxSec: 300}, 10)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Write(context.Background(), testSignal(ts+i*100, "BTCUSDT")))
	}
	require.NoError(t, s.Close(context.Background()))

	dir := layout.ReadyDir(paths.KindSignals, "BTCUSDT", time.UnixMilli(ts))
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, matches, 3, "2+2+1 rows across three parts")
	assert.Equal(t, int64(5), s.Written)
}

func TestJSONLPerSymbolPartitions(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	s := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 1000, MaxSec: 300}, 10)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	require.NoError(t, s.Write(context.Background(), testSignal(ts, "BTCUSDT")))
	require.NoError(t, s.Write(context.Background(), testSignal(ts, "ETHUSDT")))
	require.NoError(t, s.Close(context.Background()))

	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		lines := readLines(t, layout.ReadyFile(paths.KindSignals, sym, time.UnixMilli(ts), 0))
		require.Len(t, lines, 1)
		var sig model.Signal
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &sig))
		assert.Equal(t, sym, sig.Symbol)
	}
}
