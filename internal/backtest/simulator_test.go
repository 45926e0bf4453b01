package backtest

import (
	"context"
	"encoding/json"
	"io/fs"
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
	"ofipipe/internal/sink"
)

func simCfg() config.BacktestConfig {
	return config.BacktestConfig{
		TakerFeeBps:      4.0,
		SlippageBps:      2.0,
		NotionalPerTrade: 1000.0,
		ReverseOnSignal:  true,
		TakeProfitBps:    25.0,
		StopLossBps:      15.0,
		MinHoldTimeSec:   0,
		MaxHoldTimeSec:   1800,
		RolloverTimezone: "UTC",
		RolloverHour:     0,
		SlippageModel:    "static",
		FeeModel:         "taker_static",
	}
}

func newTestSim(cfg config.BacktestConfig) *Simulator {
	return NewSimulator(cfg, config.FeeMakerTakerConfig{}, "run1", time.UTC)
}

func simRow(ts int64, mid float64) *model.AlignedFeatureRow {
	return &model.AlignedFeatureRow{
		Symbol: "BTCUSDT", SecondTs: ts / 1000, TsMs: ts,
		Mid: mid, SpreadBps: 2.0, Scenario2x2: model.ScenarioAL,
	}
}

func buySignal(ts int64) *model.Signal {
	return &model.Signal{TsMs: ts, Symbol: "BTCUSDT", SignalType: model.SignalBuy, Confirm: true}
}

func TestEntryBooksOneTrade(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	trades := s.Trades()
	require.Len(t, trades, 1)
	e := trades[0]
	assert.Equal(t, model.TradeEntry, e.Reason)
	assert.Equal(t, model.PositionLong, e.Side)
	assert.InDelta(t, 100.02, e.ExecPx, 1e-9, "entry pays 2bps of slippage")
	assert.InDelta(t, 10.0, e.Qty, 1e-3)
	assert.InDelta(t, 0.4, e.Fee, 1e-9, "4bps on 1000 notional")

	pos := s.OpenPositions()["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, model.PositionLong, pos.Side)
}

func TestSameDirectionSignalIsIgnored(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)
	s.OnSignal(buySignal(2000), model.SideBuy, simRow(2000, 100.5))
	assert.Len(t, s.Trades(), 1)
}

func TestReverseIsOneRecord(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	later := simRow(61000, 100.1)
	s.OnSignal(buySignal(61000), model.SideSell, later)

	trades := s.Trades()
	require.Len(t, trades, 2, "entry plus one reverse record")
	r := trades[1]
	assert.Equal(t, model.TradeReverse, r.Reason)
	assert.Equal(t, model.PositionShort, r.Side, "record carries the new direction")
	assert.Equal(t, int64(1000), r.EntryTsMs, "PnL fields describe the closed leg")
	assert.InDelta(t, 60.0, r.HoldTimeS, 1e-9)
	assert.Equal(t, int64(1), s.Reverses)

	pos := s.OpenPositions()["BTCUSDT"]
	require.NotNil(t, pos)
	assert.Equal(t, model.PositionShort, pos.Side)
	assert.Equal(t, int64(61000), pos.EntryTsMs)
}

func TestStopLossTriggers(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	// entry at 100.02; a drop past 15bps stops out
	s.OnRow(simRow(5000, 99.8))

	trades := s.Trades()
	require.Len(t, trades, 2)
	x := trades[1]
	assert.Equal(t, model.TradeStopLoss, x.Reason)
	assert.Negative(t, x.GrossPnl)
	assert.Less(t, x.NetPnl, x.GrossPnl, "fees come off both legs")
	assert.Empty(t, s.OpenPositions())
}

func TestTakeProfitRespectsMinHold(t *testing.T) {
	cfg := simCfg()
	cfg.MinHoldTimeSec = 30
	s := newTestSim(cfg)
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	// profit target hit but hold too short
	s.OnRow(simRow(11000, 100.5))
	assert.Len(t, s.Trades(), 1)

	s.OnRow(simRow(32000, 100.5))
	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeTakeProfit, trades[1].Reason)
	assert.Positive(t, trades[1].NetPnl)
}

func TestMinHoldBlocksReverse(t *testing.T) {
	cfg := simCfg()
	cfg.MinHoldTimeSec = 30
	s := newTestSim(cfg)
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	s.OnSignal(buySignal(11000), model.SideSell, simRow(11000, 100.0))
	assert.Len(t, s.Trades(), 1, "reversal inside min hold is dropped")
}

func TestMaxHoldTimeout(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	s.OnRow(simRow(1000+1800*1000, 100.0))
	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeTimeout, trades[1].Reason)
}

func TestTimeoutBeatsStopLossOnSameRow(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	// the row both exceeds max hold and sits far below the stop; the
	// timeout wins
	s.OnRow(simRow(1000+1800*1000, 99.0))
	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeTimeout, trades[1].Reason)
}

func TestRolloverClose(t *testing.T) {
	s := newTestSim(simCfg())

	// enter five minutes before UTC midnight
	entryTs := time.Date(2026, 3, 1, 23, 55, 0, 0, time.UTC).UnixMilli()
	row := simRow(entryTs, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(entryTs), model.SideBuy, row)

	afterMidnight := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC).UnixMilli()
	s.OnRow(simRow(afterMidnight, 100.0))

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeRolloverClose, trades[1].Reason)
}

func TestCloseAllFlattens(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)
	s.OnRow(simRow(2000, 100.05))

	s.CloseAll()
	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeRolloverClose, trades[1].Reason, "end-of-run close on a signaled symbol")
	assert.Empty(t, s.OpenPositions())
}

func TestCloseAllDeterministicOrder(t *testing.T) {
	symbols := []string{"SOLUSDT", "BTCUSDT", "ETHUSDT"}
	s := newTestSim(simCfg())
	for _, sym := range symbols {
		row := &model.AlignedFeatureRow{
			Symbol: sym, SecondTs: 1, TsMs: 1000,
			Mid: 100.0, SpreadBps: 2.0, Scenario2x2: model.ScenarioAL,
		}
		s.OnRow(row)
		sig := &model.Signal{TsMs: 1000, Symbol: sym, SignalType: model.SignalBuy, Confirm: true}
		s.OnSignal(sig, model.SideBuy, row)
	}

	s.CloseAll()
	trades := s.Trades()
	require.Len(t, trades, 6)
	closes := trades[3:]
	assert.Equal(t, "BTCUSDT", closes[0].Symbol)
	assert.Equal(t, "ETHUSDT", closes[1].Symbol)
	assert.Equal(t, "SOLUSDT", closes[2].Symbol)
	for _, tr := range closes {
		assert.Equal(t, model.TradeRolloverClose, tr.Reason)
	}
	assert.Empty(t, s.OpenPositions())
}

func TestCloseAllWithoutSignalMarksTimeout(t *testing.T) {
	s := newTestSim(simCfg())
	s.positions["BTCUSDT"] = &model.Position{
		Symbol:    "BTCUSDT",
		Side:      model.PositionLong,
		Qty:       10,
		EntryPx:   100.0,
		EntryTsMs: 1000,
		Notional:  1000,
	}
	s.lastMid["BTCUSDT"] = 100.2
	s.lastTs["BTCUSDT"] = 5000

	s.CloseAll()
	trades := s.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.TradeTimeout, trades[0].Reason)
}

func TestEntryScenarioStaysOnClosingRecord(t *testing.T) {
	s := newTestSim(simCfg())
	row := simRow(1000, 100.0)
	row.Scenario2x2 = model.ScenarioQH
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)

	exitRow := simRow(5000, 99.8)
	exitRow.Scenario2x2 = model.ScenarioAL
	s.OnRow(exitRow)

	trades := s.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, model.ScenarioQH, trades[1].Scenario2x2)
}

func TestExeclogMirrorsBookedTrades(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	sl := sink.NewJSONL(layout, paths.KindExeclog, config.RotateConfig{}, 0)

	s := newTestSim(simCfg())
	s.SetExeclog(sl)
	row := simRow(1000, 100.0)
	s.OnRow(row)
	s.OnSignal(buySignal(1000), model.SideBuy, row)
	require.NoError(t, sl.Close(context.Background()))

	var lines []string
	err := filepath.WalkDir(filepath.Join(layout.ReadyRoot(), paths.KindExeclog), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		lines = append(lines, strings.Split(strings.TrimSpace(string(data)), "\n")...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, lines, 1)

	var tr model.Trade
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &tr))
	assert.Equal(t, model.TradeEntry, tr.Reason)
	assert.Equal(t, "BTCUSDT", tr.Symbol)
}
