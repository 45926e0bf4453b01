// Package align synchronizes interleaved trade and order-book events into
// one row per (symbol, second). Values are last-value-carried-forward;
// seconds with no raw observation are emitted as gap rows rather than
// dropped so downstream windows keep a fixed cadence.
package align

import (
	"ofipipe/internal/model"
)

// runningMean is an online mean without history.
type runningMean struct {
	count int64
	mean  float64
}

func (m *runningMean) add(x float64) {
	m.count++
	m.mean += (x - m.mean) / float64(m.count)
}

// Aligner builds per-second rows for a single symbol. It is not safe for
// concurrent use; the pipeline runs one Aligner per symbol on one worker.
type Aligner struct {
	symbol          string
	gapThresholdSec int

	started    bool
	currentSec int64

	// carried book state
	tickerBid, tickerAsk   float64
	tickerBidSz, tickerAskSz float64
	depthBid, depthAsk     float64

	lastObsPriceMs int64
	lastObsBookMs  int64
	priceGaps      runningMean
	bookGaps       runningMean

	obsInSec bool
	gapRun   int

	// counters, read by the pipeline for telemetry
	Malformed int64
	OODropped int64
	Emitted   int64
}

// New returns an aligner for symbol with the configured gap threshold in
// seconds (consecutive gap seconds beyond it set the "gap" quality flag).
func New(symbol string, gapThresholdSec int) *Aligner {
	if gapThresholdSec <= 0 {
		gapThresholdSec = 5
	}
	return &Aligner{symbol: symbol, gapThresholdSec: gapThresholdSec}
}

// Push feeds one raw event and returns the rows completed by it, in
// non-decreasing second order. Malformed events are counted and skipped;
// events more than one second behind the head are counted and dropped.
func (a *Aligner) Push(ev model.Event) []model.AlignedFeatureRow {
	if ev.Symbol != a.symbol || !ev.Valid() {
		a.Malformed++
		return nil
	}
	sec := ev.TsMs / 1000

	if !a.started {
		a.started = true
		a.currentSec = sec
	}
	if sec+1 < a.currentSec {
		a.OODropped++
		return nil
	}

	var rows []model.AlignedFeatureRow
	for sec > a.currentSec {
		rows = append(rows, a.emit())
		a.currentSec++
		a.obsInSec = false
	}
	a.apply(ev)
	return rows
}

// Flush emits the in-progress second, if any observation has been seen.
func (a *Aligner) Flush() []model.AlignedFeatureRow {
	if !a.started {
		return nil
	}
	row := a.emit()
	a.started = false
	a.obsInSec = false
	return []model.AlignedFeatureRow{row}
}

func (a *Aligner) apply(ev model.Event) {
	if ev.TsMs/1000 >= a.currentSec {
		a.obsInSec = true
	}
	switch ev.Kind {
	case model.EventTrade:
		if a.lastObsPriceMs > 0 && ev.TsMs >= a.lastObsPriceMs {
			a.priceGaps.add(float64(ev.TsMs - a.lastObsPriceMs))
		}
		if ev.TsMs > a.lastObsPriceMs {
			a.lastObsPriceMs = ev.TsMs
		}
	case model.EventBookTicker:
		a.tickerBid = ev.BestBid
		a.tickerAsk = ev.BestAsk
		a.tickerBidSz = ev.BidSize
		a.tickerAskSz = ev.AskSize
		a.noteBookObs(ev.TsMs)
	case model.EventDepth:
		if len(ev.Bids) > 0 {
			a.depthBid = ev.Bids[0].Price()
		}
		if len(ev.Asks) > 0 {
			a.depthAsk = ev.Asks[0].Price()
		}
		a.noteBookObs(ev.TsMs)
	}
}

func (a *Aligner) noteBookObs(tsMs int64) {
	if a.lastObsBookMs > 0 && tsMs >= a.lastObsBookMs {
		a.bookGaps.add(float64(tsMs - a.lastObsBookMs))
	}
	if tsMs > a.lastObsBookMs {
		a.lastObsBookMs = tsMs
	}
}

func (a *Aligner) emit() model.AlignedFeatureRow {
	endMs := (a.currentSec + 1) * 1000

	bid, ask := a.tickerBid, a.tickerAsk
	if bid == 0 {
		bid = a.depthBid
	}
	if ask == 0 {
		ask = a.depthAsk
	}

	row := model.AlignedFeatureRow{
		Symbol:   a.symbol,
		SecondTs: a.currentSec,
		TsMs:     endMs,
		BestBid:  bid,
		BestAsk:  ask,
	}
	if bid > 0 && ask > 0 {
		row.Mid = (bid + ask) / 2
		row.SpreadBps = (ask - bid) / row.Mid * 10000.0
	}
	if a.lastObsPriceMs > 0 {
		row.LagMsPrice = endMs - a.lastObsPriceMs
	}
	if a.lastObsBookMs > 0 {
		row.LagMsBook = endMs - a.lastObsBookMs
	}
	row.ObsGapMsPriceAvg = a.priceGaps.mean
	row.ObsGapMsBookAvg = a.bookGaps.mean

	if !a.obsInSec {
		row.IsGapSecond = true
		a.gapRun++
		if a.gapRun > a.gapThresholdSec {
			row.QualityFlags = append(row.QualityFlags, model.FlagGap)
		}
	} else {
		a.gapRun = 0
	}

	a.Emitted++
	return row
}
