package backtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

const annualizationDays = 252

// BucketMetrics is one breakdown cell (symbol, hour, or scenario).
type BucketMetrics struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	WinRate  float64 `json:"win_rate"`
	GrossPnl float64 `json:"gross_pnl"`
	NetPnl   float64 `json:"net_pnl"`
	Fees     float64 `json:"fees"`
	Turnover float64 `json:"turnover"`
}

// Metrics is the full backtest result summary written to metrics.json.
type Metrics struct {
	RunID      string `json:"run_id"`
	ConfigHash string `json:"config_hash"`

	Trades       int     `json:"trades"`
	RoundTrips   int     `json:"round_trips"`
	Wins         int     `json:"wins"`
	WinRate      float64 `json:"win_rate"`
	GrossPnl     float64 `json:"gross_pnl"`
	NetPnl       float64 `json:"net_pnl"`
	Fees         float64 `json:"fees"`
	SlippageCost float64 `json:"slippage_cost"`
	Turnover     float64 `json:"turnover"`

	// total cost in bps of traded notional
	CostBpsOnTurnover float64 `json:"cost_bps_on_turnover"`

	Sharpe      float64 `json:"sharpe"`
	Sortino     float64 `json:"sortino"`
	MaxDrawdown float64 `json:"max_drawdown"`
	MAR         float64 `json:"mar"`

	MakerFills   int     `json:"maker_fills"`
	TakerFills   int     `json:"taker_fills"`
	AvgHoldTimeS float64 `json:"avg_hold_time_s"`

	BySymbol   map[string]*BucketMetrics `json:"by_symbol"`
	ByHour     map[string]*BucketMetrics `json:"by_hour"`
	ByScenario map[string]*BucketMetrics `json:"by_scenario"`
}

// Aggregator folds booked trades into the result summary and the daily
// PnL series. Days follow the configured rollover boundary and a round
// trip is attributed to the day its position was entered.
type Aggregator struct {
	runID      string
	configHash string
	loc        *time.Location
	rollHour   int
	notional   float64

	trades []model.Trade
	daily  map[string]*model.DailyPnl // key: date|symbol
}

// NewAggregator builds an aggregator for one run.
func NewAggregator(cfg *config.Config, runID string) *Aggregator {
	return &Aggregator{
		runID:      runID,
		configHash: cfg.Hash(),
		loc:        cfg.RolloverLocation(),
		rollHour:   cfg.Backtest.RolloverHour,
		notional:   cfg.Backtest.NotionalPerTrade,
		daily:      make(map[string]*model.DailyPnl),
	}
}

// Add folds one trade record.
func (a *Aggregator) Add(t model.Trade) {
	a.trades = append(a.trades, t)
	if !t.Reason.IsExit() {
		return
	}
	day := tradingDay(t.EntryTsMs, a.loc, a.rollHour)
	key := day + "|" + t.Symbol
	d, ok := a.daily[key]
	if !ok {
		d = &model.DailyPnl{Date: day, Symbol: t.Symbol}
		a.daily[key] = d
	}
	d.GrossPnl += t.GrossPnl
	d.NetPnl += t.NetPnl
	d.Fee += t.Fee
	d.Slippage += execNotional(t) * t.SlippageBps / 10000.0
	d.Turnover += execNotional(t)
	d.Trades++
	if t.NetPnl > 0 {
		d.Wins++
	}
}

// AddAll folds a batch of trades.
func (a *Aggregator) AddAll(trades []model.Trade) {
	for _, t := range trades {
		a.Add(t)
	}
}

func execNotional(t model.Trade) float64 {
	return t.ExecPx * t.Qty
}

// Compute produces the summary from everything folded so far.
func (a *Aggregator) Compute() *Metrics {
	m := &Metrics{
		RunID:      a.runID,
		ConfigHash: a.configHash,
		BySymbol:   make(map[string]*BucketMetrics),
		ByHour:     make(map[string]*BucketMetrics),
		ByScenario: make(map[string]*BucketMetrics),
	}

	var holdSum float64
	for _, t := range a.trades {
		m.Trades++
		m.Fees += t.Fee
		m.Turnover += execNotional(t)
		m.SlippageCost += execNotional(t) * t.SlippageBps / 10000.0
		if t.IsMakerActual {
			m.MakerFills++
		} else {
			m.TakerFills++
		}
		if !t.Reason.IsExit() {
			continue
		}
		m.RoundTrips++
		m.GrossPnl += t.GrossPnl
		m.NetPnl += t.NetPnl
		holdSum += t.HoldTimeS
		if t.NetPnl > 0 {
			m.Wins++
		}

		hour := fmt.Sprintf("%02d", time.UnixMilli(t.TsMs).UTC().Hour())
		bucketAdd(m.BySymbol, t.Symbol, t)
		bucketAdd(m.ByHour, hour, t)
		bucketAdd(m.ByScenario, string(t.Scenario2x2), t)
	}
	if m.RoundTrips > 0 {
		m.WinRate = float64(m.Wins) / float64(m.RoundTrips)
		m.AvgHoldTimeS = holdSum / float64(m.RoundTrips)
	}
	if m.Turnover > 0 {
		m.CostBpsOnTurnover = (m.Fees + m.SlippageCost) / m.Turnover * 10000.0
	}

	returns := a.dailyReturns()
	m.Sharpe = sharpe(returns)
	m.Sortino = sortino(returns)
	m.MaxDrawdown = maxDrawdown(returns)
	m.MAR = mar(returns, m.MaxDrawdown)
	return m
}

func bucketAdd(buckets map[string]*BucketMetrics, key string, t model.Trade) {
	b, ok := buckets[key]
	if !ok {
		b = &BucketMetrics{}
		buckets[key] = b
	}
	b.Trades++
	b.GrossPnl += t.GrossPnl
	b.NetPnl += t.NetPnl
	b.Fees += t.Fee
	b.Turnover += execNotional(t)
	if t.NetPnl > 0 {
		b.Wins++
	}
	b.WinRate = float64(b.Wins) / float64(b.Trades)
}

// dailyReturns collapses the per-symbol daily PnL into a portfolio daily
// return series ordered by date, each day's net normalized by the trade
// notional.
func (a *Aggregator) dailyReturns() []float64 {
	byDate := make(map[string]float64)
	for _, d := range a.daily {
		byDate[d.Date] += d.NetPnl
	}
	dates := make([]string, 0, len(byDate))
	for date := range byDate {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	out := make([]float64, 0, len(dates))
	for _, date := range dates {
		if a.notional > 0 {
			out = append(out, byDate[date]/a.notional)
		} else {
			out = append(out, byDate[date])
		}
	}
	return out
}

// Daily returns the per-symbol daily rows sorted by (date, symbol).
func (a *Aggregator) Daily() []model.DailyPnl {
	out := make([]model.DailyPnl, 0, len(a.daily))
	for _, d := range a.daily {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func sharpe(returns []float64) float64 {
	mean, std := meanStd(returns)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(annualizationDays)
}

// sortino penalizes downside deviation only; an all-positive series with
// positive mean returns +Inf by convention.
func sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	mean, _ := meanStd(returns)
	var downSS float64
	for _, r := range returns {
		if r < 0 {
			downSS += r * r
		}
	}
	down := math.Sqrt(downSS / float64(len(returns)))
	if down == 0 {
		if mean > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return mean / down * math.Sqrt(annualizationDays)
}

// maxDrawdown is the deepest peak-to-trough drop of the cumulative return
// series, reported as a positive number.
func maxDrawdown(returns []float64) float64 {
	var cum, peak, maxDD float64
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// mar is annualized return over max drawdown. A profitable series with no
// drawdown returns +Inf; a flat series returns 0; a losing series with no
// drawdown cannot occur since any loss is itself a drawdown.
func mar(returns []float64, maxDD float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var total float64
	for _, r := range returns {
		total += r
	}
	annualized := total / float64(len(returns)) * annualizationDays
	if maxDD == 0 {
		if annualized > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return annualized / maxDD
}

// WriteArtifacts stores metrics.json, pnl_daily.jsonl, trades.jsonl, and
// scenario_breakdown.json under the run's artifacts directory. Every file
// is written to a tmp path and promoted by rename.
func (a *Aggregator) WriteArtifacts(layout *paths.Layout, m *Metrics) (string, error) {
	dir := filepath.Join(layout.ArtifactsRoot(), "backtests", a.runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir artifacts: %w", err)
	}

	// JSON has no Inf; cap the ratio metrics for serialization only
	flat := *m
	flat.Sharpe = jsonSafe(flat.Sharpe)
	flat.Sortino = jsonSafe(flat.Sortino)
	flat.MAR = jsonSafe(flat.MAR)
	if err := writeJSON(filepath.Join(dir, "metrics.json"), &flat); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, "scenario_breakdown.json"), m.ByScenario); err != nil {
		return "", err
	}
	if err := a.writeDaily(filepath.Join(dir, "pnl_daily.jsonl")); err != nil {
		return "", err
	}
	if err := a.writeTrades(filepath.Join(dir, "trades.jsonl")); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *Aggregator) writeDaily(path string) error {
	return writeJSONL(path, len(a.daily), func(w *bufio.Writer) error {
		for _, d := range a.Daily() {
			if err := json.NewEncoder(w).Encode(d); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Aggregator) writeTrades(path string) error {
	return writeJSONL(path, len(a.trades), func(w *bufio.Writer) error {
		for _, t := range a.trades {
			if err := json.NewEncoder(w).Encode(t); err != nil {
				return err
			}
		}
		return nil
	})
}

func jsonSafe(x float64) float64 {
	switch {
	case math.IsInf(x, 1):
		return math.MaxFloat64
	case math.IsInf(x, -1):
		return -math.MaxFloat64
	case math.IsNaN(x):
		return 0
	default:
		return x
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func writeJSONL(path string, _ int, emit func(*bufio.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	if err := emit(w); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
