package backtest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/sink"
)

// Simulator books simulated executions against the decision stream. One
// position per symbol; a reversing signal closes and reopens in a single
// trade record. All fills are deterministic for a fixed run id.
type Simulator struct {
	cfg   config.BacktestConfig
	runID string
	slip  SlippageModel
	fees  FeeModel
	loc   *time.Location

	positions  map[string]*model.Position
	lastMid    map[string]float64
	lastTs     map[string]int64
	lastSpread map[string]float64
	lastSig    map[string]*model.Signal
	trades     []model.Trade
	execlog    *sink.JSONLSink

	Entries  int64
	Exits    int64
	Reverses int64
}

// NewSimulator builds a simulator for one run.
func NewSimulator(cfg config.BacktestConfig, mt config.FeeMakerTakerConfig, runID string, loc *time.Location) *Simulator {
	return &Simulator{
		cfg:        cfg,
		runID:      runID,
		slip:       NewSlippageModel(cfg),
		fees:       NewFeeModel(cfg, mt),
		loc:        loc,
		positions:  make(map[string]*model.Position),
		lastMid:    make(map[string]float64),
		lastTs:     make(map[string]int64),
		lastSpread: make(map[string]float64),
		lastSig:    make(map[string]*model.Signal),
	}
}

// SetExeclog streams every booked trade record to an execution log sink
// alongside the in-memory ledger. Log write failures never fail the run.
func (s *Simulator) SetExeclog(sl *sink.JSONLSink) { s.execlog = sl }

// book appends one trade record and mirrors it to the execlog.
func (s *Simulator) book(tr model.Trade) {
	s.trades = append(s.trades, tr)
	if s.execlog == nil {
		return
	}
	line, err := json.Marshal(tr)
	if err == nil {
		err = s.execlog.WriteLine(tr.Symbol, tr.TsMs, line)
	}
	if err != nil {
		log.Error().Err(err).Str("symbol", tr.Symbol).Msg("execlog write failed")
	}
}

// OnRow marks the symbol's open position to the row and runs the exit
// ladder in precedence order: max-hold timeout, stop loss, take profit,
// rollover close. Only take profit respects the minimum hold time.
func (s *Simulator) OnRow(row *model.AlignedFeatureRow) {
	if row.Mid > 0 {
		s.lastMid[row.Symbol] = row.Mid
	}
	s.lastTs[row.Symbol] = row.TsMs
	s.lastSpread[row.Symbol] = row.SpreadBps

	pos, ok := s.positions[row.Symbol]
	if !ok || row.Mid <= 0 {
		return
	}
	pos.UnrealizedPnl = float64(pos.Side.Direction()) * (row.Mid - pos.EntryPx) * pos.Qty

	holdS := float64(row.TsMs-pos.EntryTsMs) / 1000.0
	bps := pos.UnrealizedBps(row.Mid)

	switch {
	case s.cfg.MaxHoldTimeSec > 0 && holdS >= s.cfg.MaxHoldTimeSec:
		s.closePosition(pos, row.TsMs, row.Mid, row.SpreadBps, model.TradeTimeout)
	case s.cfg.StopLossBps > 0 && bps <= -s.cfg.StopLossBps:
		s.closePosition(pos, row.TsMs, row.Mid, row.SpreadBps, model.TradeStopLoss)
	case s.cfg.TakeProfitBps > 0 && bps >= s.cfg.TakeProfitBps && holdS >= s.cfg.MinHoldTimeSec:
		s.closePosition(pos, row.TsMs, row.Mid, row.SpreadBps, model.TradeTakeProfit)
	case s.crossedRollover(pos.EntryTsMs, row.TsMs):
		s.closePosition(pos, row.TsMs, row.Mid, row.SpreadBps, model.TradeRolloverClose)
	}
}

func (s *Simulator) crossedRollover(entryTs, nowTs int64) bool {
	return tradingDay(entryTs, s.loc, s.cfg.RolloverHour) != tradingDay(nowTs, s.loc, s.cfg.RolloverHour)
}

// OnSignal executes one tradeable decision. side must be BUY or SELL; the
// policy has already filtered everything else.
func (s *Simulator) OnSignal(sig *model.Signal, side model.SideHint, row *model.AlignedFeatureRow) {
	s.lastSig[row.Symbol] = sig
	if row.Mid <= 0 {
		return
	}
	want := model.PositionLong
	if side == model.SideSell {
		want = model.PositionShort
	}

	pos, ok := s.positions[row.Symbol]
	if !ok {
		s.openPosition(sig, want, row)
		return
	}
	if pos.Side == want {
		return
	}

	holdS := float64(row.TsMs-pos.EntryTsMs) / 1000.0
	if holdS < s.cfg.MinHoldTimeSec {
		return
	}
	if s.cfg.ReverseOnSignal {
		s.reverse(sig, pos, want, row)
	} else {
		s.closePosition(pos, row.TsMs, row.Mid, row.SpreadBps, model.TradeExit)
	}
}

func (s *Simulator) openPosition(sig *model.Signal, side model.PositionSide, row *model.AlignedFeatureRow) {
	qty := s.cfg.NotionalPerTrade / row.Mid
	slipBps := s.slip.SlippageBps(qty)
	execPx := ApplySlippage(row.Mid, slipBps, side.Direction())
	outcome := s.fees.Price(s.runID, row.TsMs, row.Symbol, sideHint(side), s.cfg.NotionalPerTrade, row.SpreadBps, row.Scenario2x2)
	fee := s.cfg.NotionalPerTrade * outcome.FeeBps / 10000.0

	s.positions[row.Symbol] = &model.Position{
		Symbol:        row.Symbol,
		Side:          side,
		Qty:           qty,
		EntryPx:       execPx,
		EntryTsMs:     row.TsMs,
		Notional:      s.cfg.NotionalPerTrade,
		EntryFee:      fee,
		EntryScenario: row.Scenario2x2,
	}
	s.book(model.Trade{
		TsMs:             row.TsMs,
		Symbol:           row.Symbol,
		Side:             side,
		Reason:           model.TradeEntry,
		ExecPx:           execPx,
		Qty:              qty,
		Fee:              fee,
		SlippageBps:      slipBps,
		Scenario2x2:      row.Scenario2x2,
		IsMakerActual:    outcome.IsMaker,
		MakerProbability: outcome.MakerProb,
		EntryTsMs:        row.TsMs,
		Notional:         s.cfg.NotionalPerTrade,
	})
	s.Entries++
	log.Debug().Str("symbol", row.Symbol).Str("side", string(side)).
		Float64("px", execPx).Msg("position opened")
}

func (s *Simulator) closePosition(pos *model.Position, tsMs int64, markPx, spreadBps float64, reason model.TradeReason) {
	closeDir := -pos.Side.Direction()
	slipBps := s.slip.SlippageBps(pos.Qty)
	execPx := ApplySlippage(markPx, slipBps, closeDir)
	closeNotional := execPx * pos.Qty
	outcome := s.fees.Price(s.runID, tsMs, pos.Symbol, closeSide(pos.Side), closeNotional, spreadBps, pos.EntryScenario)
	fee := closeNotional * outcome.FeeBps / 10000.0

	gross := float64(pos.Side.Direction()) * (execPx - pos.EntryPx) * pos.Qty
	s.book(model.Trade{
		TsMs:             tsMs,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		Reason:           reason,
		ExecPx:           execPx,
		Qty:              pos.Qty,
		Fee:              fee,
		SlippageBps:      slipBps,
		GrossPnl:         gross,
		NetPnl:           gross - pos.EntryFee - fee,
		Scenario2x2:      pos.EntryScenario,
		HoldTimeS:        float64(tsMs-pos.EntryTsMs) / 1000.0,
		IsMakerActual:    outcome.IsMaker,
		MakerProbability: outcome.MakerProb,
		EntryTsMs:        pos.EntryTsMs,
		Notional:         pos.Notional,
	})
	delete(s.positions, pos.Symbol)
	s.Exits++
}

// reverse closes the old position and opens the new one as one record. The
// record's PnL fields describe the closed leg; its side, price, and fill
// outcome describe the new one.
func (s *Simulator) reverse(sig *model.Signal, pos *model.Position, side model.PositionSide, row *model.AlignedFeatureRow) {
	qty := s.cfg.NotionalPerTrade / row.Mid
	slipBps := s.slip.SlippageBps(pos.Qty + qty)
	execPx := ApplySlippage(row.Mid, slipBps, side.Direction())
	outcome := s.fees.Price(s.runID, row.TsMs, row.Symbol, sideHint(side), s.cfg.NotionalPerTrade, row.SpreadBps, row.Scenario2x2)

	closeNotional := execPx * pos.Qty
	closeFee := closeNotional * outcome.FeeBps / 10000.0
	openFee := s.cfg.NotionalPerTrade * outcome.FeeBps / 10000.0

	gross := float64(pos.Side.Direction()) * (execPx - pos.EntryPx) * pos.Qty
	s.book(model.Trade{
		TsMs:             row.TsMs,
		Symbol:           row.Symbol,
		Side:             side,
		Reason:           model.TradeReverse,
		ExecPx:           execPx,
		Qty:              pos.Qty + qty,
		Fee:              closeFee + openFee,
		SlippageBps:      slipBps,
		GrossPnl:         gross,
		NetPnl:           gross - pos.EntryFee - closeFee,
		Scenario2x2:      pos.EntryScenario,
		HoldTimeS:        float64(row.TsMs-pos.EntryTsMs) / 1000.0,
		IsMakerActual:    outcome.IsMaker,
		MakerProbability: outcome.MakerProb,
		EntryTsMs:        pos.EntryTsMs,
		Notional:         pos.Notional,
	})
	s.positions[row.Symbol] = &model.Position{
		Symbol:        row.Symbol,
		Side:          side,
		Qty:           qty,
		EntryPx:       execPx,
		EntryTsMs:     row.TsMs,
		Notional:      s.cfg.NotionalPerTrade,
		EntryFee:      openFee,
		EntryScenario: row.Scenario2x2,
	}
	s.Reverses++
}

// CloseAll flattens every remaining position at the last observed mid, in
// symbol order so reruns book end-of-run closes identically. A symbol that
// saw a signal closes as a rollover close; one opened without any signal
// context closes as a timeout.
func (s *Simulator) CloseAll() {
	symbols := make([]string, 0, len(s.positions))
	for symbol := range s.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		pos := s.positions[symbol]
		mid := s.lastMid[symbol]
		if mid <= 0 {
			mid = pos.EntryPx
		}
		reason := model.TradeTimeout
		if s.lastSig[symbol] != nil {
			reason = model.TradeRolloverClose
		}
		s.closePosition(pos, s.lastTs[symbol], mid, s.lastSpread[symbol], reason)
	}
}

// Trades returns the booked trade records in execution order.
func (s *Simulator) Trades() []model.Trade { return s.trades }

// OpenPositions returns the symbols still holding a position.
func (s *Simulator) OpenPositions() map[string]*model.Position { return s.positions }

func sideHint(side model.PositionSide) model.SideHint {
	if side == model.PositionLong {
		return model.SideBuy
	}
	return model.SideSell
}

func closeSide(side model.PositionSide) model.SideHint {
	if side == model.PositionLong {
		return model.SideSell
	}
	return model.SideBuy
}
