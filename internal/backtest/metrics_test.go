package backtest

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

func TestTradingDayRollover(t *testing.T) {
	loc := time.UTC

	before := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC).UnixMilli()
	after := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli()

	// hour-8 boundary: 07:00 still belongs to the previous session
	assert.Equal(t, "2026-03-01", tradingDay(before, loc, 8))
	assert.Equal(t, "2026-03-02", tradingDay(after, loc, 8))

	// midnight boundary is plain calendar attribution
	assert.Equal(t, "2026-03-02", tradingDay(before, loc, 0))
}

func TestTradingDayTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 23:00 UTC on Mar 1 is 08:00 Mar 2 in Tokyo
	ts := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2026-03-02", tradingDay(ts, tokyo, 0))
	assert.Equal(t, "2026-03-01", tradingDay(ts, tokyo, 9), "pre-rollover in Tokyo")
}

func TestSharpeConventions(t *testing.T) {
	assert.Zero(t, sharpe(nil))
	assert.Zero(t, sharpe([]float64{0.01}), "single day has no deviation")
	assert.Zero(t, sharpe([]float64{0.01, 0.01, 0.01}), "zero std yields zero")

	s := sharpe([]float64{0.01, 0.02, -0.005, 0.015})
	assert.Positive(t, s)
}

func TestSortinoConventions(t *testing.T) {
	assert.Zero(t, sortino(nil))
	assert.True(t, math.IsInf(sortino([]float64{0.01, 0.02}), 1), "no downside and positive mean")
	assert.Zero(t, sortino([]float64{0, 0}))
	assert.Negative(t, sortino([]float64{-0.01, -0.02, 0.005}))
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, maxDrawdown(nil))
	assert.Zero(t, maxDrawdown([]float64{0.01, 0.02}))

	// peak 0.03 then down to -0.02 cumulative: dd = 0.05
	dd := maxDrawdown([]float64{0.01, 0.02, -0.03, -0.02})
	assert.InDelta(t, 0.05, dd, 1e-9)
}

func TestMARConventions(t *testing.T) {
	assert.Zero(t, mar(nil, 0))
	assert.True(t, math.IsInf(mar([]float64{0.01, 0.02}, 0), 1), "profit with no drawdown")
	assert.Zero(t, mar([]float64{0, 0}, 0))

	got := mar([]float64{0.01, -0.005}, 0.005)
	want := (0.005 / 2 * annualizationDays) / 0.005
	assert.InDelta(t, want, got, 1e-9)
}

func aggCfg() *config.Config {
	cfg := config.Default()
	cfg.Backtest.NotionalPerTrade = 1000
	return cfg
}

func closingTrade(ts int64, symbol string, net float64) model.Trade {
	return model.Trade{
		TsMs: ts, EntryTsMs: ts - 60000, Symbol: symbol,
		Side: model.PositionLong, Reason: model.TradeExit,
		ExecPx: 100, Qty: 10, Fee: 0.4, SlippageBps: 2.0,
		GrossPnl: net + 0.8, NetPnl: net,
		Scenario2x2: model.ScenarioAL, HoldTimeS: 60,
	}
}

func TestAggregatorTotalsAndBuckets(t *testing.T) {
	a := NewAggregator(aggCfg(), "run1")

	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	a.Add(closingTrade(day, "BTCUSDT", 5.0))
	a.Add(closingTrade(day+3600_000, "BTCUSDT", -2.0))
	a.Add(closingTrade(day+7200_000, "ETHUSDT", 1.0))

	m := a.Compute()
	assert.Equal(t, 3, m.Trades)
	assert.Equal(t, 3, m.RoundTrips)
	assert.Equal(t, 2, m.Wins)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	assert.InDelta(t, 4.0, m.NetPnl, 1e-9)
	assert.InDelta(t, 1.2, m.Fees, 1e-9)
	assert.InDelta(t, 3000.0, m.Turnover, 1e-9)
	assert.Positive(t, m.CostBpsOnTurnover)

	require.Contains(t, m.BySymbol, "BTCUSDT")
	assert.Equal(t, 2, m.BySymbol["BTCUSDT"].Trades)
	assert.InDelta(t, 3.0, m.BySymbol["BTCUSDT"].NetPnl, 1e-9)
	require.Contains(t, m.ByScenario, "A_L")
	assert.Equal(t, 3, m.ByScenario["A_L"].Trades)
}

func TestAggregatorDailyAttribution(t *testing.T) {
	a := NewAggregator(aggCfg(), "run1")

	d1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	d2 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC).UnixMilli()
	a.Add(closingTrade(d1, "BTCUSDT", 5.0))
	a.Add(closingTrade(d1+60000, "BTCUSDT", 1.0))
	a.Add(closingTrade(d2, "BTCUSDT", -1.0))

	daily := a.Daily()
	require.Len(t, daily, 2)
	assert.Equal(t, "2026-03-01", daily[0].Date)
	assert.InDelta(t, 6.0, daily[0].NetPnl, 1e-9)
	assert.Equal(t, 2, daily[0].Trades)
	assert.Equal(t, "2026-03-02", daily[1].Date)
}

func TestEntryRecordsCountFeesNotRoundTrips(t *testing.T) {
	a := NewAggregator(aggCfg(), "run1")
	a.Add(model.Trade{
		TsMs: 1000, Symbol: "BTCUSDT", Side: model.PositionLong,
		Reason: model.TradeEntry, ExecPx: 100, Qty: 10, Fee: 0.4,
	})
	m := a.Compute()
	assert.Equal(t, 1, m.Trades)
	assert.Equal(t, 0, m.RoundTrips)
	assert.InDelta(t, 0.4, m.Fees, 1e-9)
	assert.Empty(t, a.Daily())
}

func TestWriteArtifacts(t *testing.T) {
	layout := paths.NewLayout(t.TempDir())
	a := NewAggregator(aggCfg(), "run1")
	a.Add(closingTrade(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), "BTCUSDT", 5.0))

	m := a.Compute()
	dir, err := a.WriteArtifacts(layout, m)
	require.NoError(t, err)

	for _, name := range []string{"metrics.json", "pnl_daily.jsonl", "trades.jsonl", "scenario_breakdown.json"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
