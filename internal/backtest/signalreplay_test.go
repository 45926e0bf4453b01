package backtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/policy"
)

func replaySignal(ts int64, symbol string, mid float64, typ model.SignalType, hint model.SideHint) *model.Signal {
	return &model.Signal{
		TsMs: ts, RunID: "run1", Symbol: symbol,
		SignalID:   model.SignalIDFor("run1", symbol, ts, 0),
		SignalType: typ, SideHint: hint, Score: 1.0,
		Confirm: true, Gating: []string{},
		MidPx: mid, SpreadBps: 2.0, Regime: model.RegimeActive,
		Meta: map[string]string{"scenario_2x2": string(model.ScenarioAL)},
	}
}

func writeSignals(t *testing.T, path string, sigs ...*model.Signal) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, s := range sigs {
		line, err := s.CanonicalJSON()
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}

func replayConfig() *config.Config {
	cfg := config.Default()
	cfg.Backtest.MinHoldTimeSec = 0
	cfg.Backtest.ReverseOnSignal = true
	cfg.Backtest.TakeProfitBps = 0
	cfg.Backtest.StopLossBps = 0
	cfg.Backtest.MaxHoldTimeSec = 0
	return cfg
}

func TestSignalReplayOpensAndReverses(t *testing.T) {
	dir := t.TempDir()
	writeSignals(t, filepath.Join(dir, "BTCUSDT", "signals.jsonl"),
		replaySignal(1000, "BTCUSDT", 100.0, model.SignalBuy, model.SideBuy),
		replaySignal(61000, "BTCUSDT", 101.0, model.SignalSell, model.SideSell),
	)

	r := NewSignalReplay(replayConfig(), policy.Policy{Mode: policy.ModeStrict, Quality: policy.QualityAll}, "run1")
	sigs, err := r.LoadSignals(dir, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.NoError(t, r.Run(context.Background(), sigs))

	trades := r.Simulator().Trades()
	require.Len(t, trades, 3, "entry, reverse, final close")
	assert.Equal(t, model.TradeEntry, trades[0].Reason)
	assert.Equal(t, model.TradeReverse, trades[1].Reason)
	assert.Equal(t, model.PositionShort, trades[1].Side)
	assert.Positive(t, trades[1].GrossPnl, "long closed 1 point up")
	assert.Equal(t, model.ScenarioAL, trades[0].Scenario2x2, "scenario restored from signal meta")
	assert.Equal(t, int64(2), r.Stats.Tradeable)
	assert.Equal(t, 1, r.Stats.ForceClosed)
}

func TestSignalReplayFiltersAndCountsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeSignals(t, filepath.Join(dir, "signals.jsonl"),
		replaySignal(1000, "BTCUSDT", 100.0, model.SignalBuy, model.SideBuy),
		replaySignal(2000, "ETHUSDT", 2000.0, model.SignalBuy, model.SideBuy),
		replaySignal(9000, "BTCUSDT", 100.5, model.SignalBuy, model.SideBuy),
	)
	f, err := os.OpenFile(filepath.Join(dir, "signals.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r := NewSignalReplay(replayConfig(), policy.Policy{Mode: policy.ModeStrict, Quality: policy.QualityAll}, "run1")
	sigs, err := r.LoadSignals(dir, []string{"BTCUSDT"}, 0, 9000)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, int64(1000), sigs[0].TsMs)
	assert.Equal(t, int64(2), r.Stats.Filtered)
	assert.Equal(t, int64(1), r.Stats.Malformed)
}

func TestSignalReplayErrorsOnEmptySource(t *testing.T) {
	r := NewSignalReplay(replayConfig(), policy.Policy{Mode: policy.ModeStrict, Quality: policy.QualityAll}, "run1")
	_, err := r.LoadSignals(t.TempDir(), nil, 0, 0)
	assert.Error(t, err)
}
