package model

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Direction returns +1 for long, -1 for short.
func (p PositionSide) Direction() int {
	if p == PositionLong {
		return 1
	}
	return -1
}

// TradeReason records why a trade was booked.
type TradeReason string

const (
	TradeEntry         TradeReason = "entry"
	TradeExit          TradeReason = "exit"
	TradeReverse       TradeReason = "reverse"
	TradeStopLoss      TradeReason = "stop_loss"
	TradeTakeProfit    TradeReason = "take_profit"
	TradeTimeout       TradeReason = "timeout"
	TradeRolloverClose TradeReason = "rollover_close"
)

// IsExit reports whether the reason closes a position. A reverse closes the
// old position and opens the new one in the same record.
func (r TradeReason) IsExit() bool {
	switch r {
	case TradeExit, TradeReverse, TradeStopLoss, TradeTakeProfit, TradeTimeout, TradeRolloverClose:
		return true
	}
	return false
}

// Position is the single open position a symbol may hold in the simulator.
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Qty           float64      `json:"qty"`
	EntryPx       float64      `json:"entry_px"`
	EntryTsMs     int64        `json:"entry_ts_ms"`
	Notional      float64      `json:"notional"`
	UnrealizedPnl float64      `json:"unrealized_pnl"`
	EntryFee      float64      `json:"entry_fee"`
	EntryScenario Scenario     `json:"entry_scenario"`
}

// UnrealizedBps returns the signed open PnL in basis points of entry.
func (p *Position) UnrealizedBps(markPx float64) float64 {
	if p.EntryPx == 0 {
		return 0
	}
	return float64(p.Side.Direction()) * (markPx - p.EntryPx) / p.EntryPx * 10000.0
}

// Trade is one booked simulator trade. Slippage is already priced into
// ExecPx; NetPnl = GrossPnl - entry fee - exit fee on closing records.
type Trade struct {
	TsMs             int64        `json:"ts_ms"`
	Symbol           string       `json:"symbol"`
	Side             PositionSide `json:"side"`
	Reason           TradeReason  `json:"reason"`
	ExecPx           float64      `json:"exec_px"`
	Qty              float64      `json:"qty"`
	Fee              float64      `json:"fee"`
	SlippageBps      float64      `json:"slippage_bps"`
	GrossPnl         float64      `json:"gross_pnl"`
	NetPnl           float64      `json:"net_pnl"`
	Scenario2x2      Scenario     `json:"scenario_2x2"`
	HoldTimeS        float64      `json:"hold_time_s"`
	IsMakerActual    bool         `json:"is_maker_actual"`
	MakerProbability float64      `json:"maker_probability"`
	EntryTsMs        int64        `json:"entry_ts_ms,omitempty"`
	Notional         float64      `json:"notional,omitempty"`
}

// DailyPnl is the per-symbol, per-day aggregate written to pnl_daily.jsonl.
// Date is the rollover-timezone day of the position's entry instant.
type DailyPnl struct {
	Date     string  `json:"date"`
	Symbol   string  `json:"symbol"`
	GrossPnl float64 `json:"gross_pnl"`
	NetPnl   float64 `json:"net_pnl"`
	Fee      float64 `json:"fee"`
	Slippage float64 `json:"slippage"`
	Turnover float64 `json:"turnover"`
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
}
