package feature

import (
	"math"

	"ofipipe/internal/config"
)

// CVD tracks cumulative volume delta: +qty for aggressor buys, -qty for
// aggressor sells, with a sliding delta window and a configurable
// normalization mode.
type CVD struct {
	cfg config.CVDConfig

	cum float64
	win *window

	deltaHist *ring // window-delta history (z_mode=delta)
	cumHist   *ring // cumulative history (z_mode=cumulative)

	lastTradeMs int64
}

// NewCVD builds the calculator; zscoreWindow shares the OFI setting so the
// two features normalize over comparable horizons.
func NewCVD(cfg config.CVDConfig, zscoreWindow int) *CVD {
	return &CVD{
		cfg:       cfg,
		win:       newWindow(cfg.WindowMs),
		deltaHist: newRing(zscoreWindow),
		cumHist:   newRing(zscoreWindow),
	}
}

// OnTrade ingests one trade. isBuy is the aggressor side.
func (c *CVD) OnTrade(tsMs int64, qty float64, isBuy bool) {
	signed := qty
	if !isBuy {
		signed = -qty
	}
	c.cum += signed
	c.win.add(tsMs, signed)
	c.deltaHist.push(c.win.sum)
	c.cumHist.push(c.cum)
	c.lastTradeMs = tsMs
}

// Snapshot returns the normalized CVD as of the end of a second.
func (c *CVD) Snapshot(nowMs int64) float64 {
	c.win.evict(nowMs)
	var z float64
	switch c.cfg.ZMode {
	case "cumulative":
		if std := c.cumHist.std(); std > 0 {
			z = c.win.sum / std
		}
	default: // delta
		z = c.deltaHist.zscore(c.win.sum)
	}
	if math.IsNaN(z) || math.IsInf(z, 0) {
		z = 0
	}
	return z
}

// Cumulative returns the running total since start.
func (c *CVD) Cumulative() float64 { return c.cum }

// SampleCount reports normalization history depth, for warmup gating.
func (c *CVD) SampleCount() int { return c.deltaHist.count() }

// LastTradeMs is the timestamp of the most recent trade.
func (c *CVD) LastTradeMs() int64 { return c.lastTradeMs }
