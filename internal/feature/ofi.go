package feature

import (
	"math"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

// OFI accumulates order-flow imbalance from depth updates: the weighted
// signed size change over the top-N levels, summed over a sliding window
// and normalized to a z-score over a longer history, then EMA-smoothed.
type OFI struct {
	cfg     config.OFIConfig
	weights []float64

	prevBids []float64
	prevAsks []float64
	seeded   bool

	win  *window
	hist *ring

	coalesceMs int64
	lastUpdate int64

	ema     float64
	emaInit bool

	lastDepthMs int64
}

// NewOFI builds the calculator. If no explicit level weights are
// configured, a geometric decay (factor 0.5) over cfg.Levels is used.
func NewOFI(cfg config.OFIConfig, coalesceMs int64) *OFI {
	weights := cfg.Weights
	if len(weights) == 0 {
		weights = make([]float64, cfg.Levels)
		w := 1.0
		for i := range weights {
			weights[i] = w
			w *= 0.5
		}
	}
	// normalize so level weighting does not rescale the z input
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum > 0 {
		norm := make([]float64, len(weights))
		for i, w := range weights {
			norm[i] = w / sum
		}
		weights = norm
	}
	return &OFI{
		cfg:        cfg,
		weights:    weights,
		prevBids:   make([]float64, cfg.Levels),
		prevAsks:   make([]float64, cfg.Levels),
		win:        newWindow(cfg.WindowMs),
		hist:       newRing(cfg.ZscoreWindow),
		coalesceMs: coalesceMs,
	}
}

// OnDepth ingests one depth update. Bid size added is buying pressure
// (+), ask size added is selling pressure (-); removals invert.
func (o *OFI) OnDepth(tsMs int64, bids, asks []model.Level) {
	o.lastDepthMs = tsMs

	curBids := make([]float64, o.cfg.Levels)
	curAsks := make([]float64, o.cfg.Levels)
	for i := 0; i < o.cfg.Levels && i < len(bids); i++ {
		curBids[i] = bids[i].Size()
	}
	for i := 0; i < o.cfg.Levels && i < len(asks); i++ {
		curAsks[i] = asks[i].Size()
	}

	if !o.seeded {
		copy(o.prevBids, curBids)
		copy(o.prevAsks, curAsks)
		o.seeded = true
		o.lastUpdate = tsMs
		return
	}

	var contrib float64
	for i := 0; i < o.cfg.Levels; i++ {
		contrib += o.weights[i] * ((curBids[i] - o.prevBids[i]) - (curAsks[i] - o.prevAsks[i]))
	}
	copy(o.prevBids, curBids)
	copy(o.prevAsks, curAsks)

	if o.coalesceMs > 0 && o.lastUpdate > 0 && tsMs-o.lastUpdate < o.coalesceMs {
		o.win.replaceLast(tsMs, contrib)
	} else {
		o.win.add(tsMs, contrib)
	}
	o.lastUpdate = tsMs

	o.hist.push(o.win.sum)
}

// Snapshot returns the smoothed z-score as of the end of a second.
func (o *OFI) Snapshot(nowMs int64) float64 {
	o.win.evict(nowMs)
	z := o.hist.zscore(o.win.sum)
	if math.IsNaN(z) || math.IsInf(z, 0) {
		z = 0
	}
	if !o.emaInit {
		o.ema = z
		o.emaInit = true
	} else if o.cfg.EmaAlpha > 0 {
		o.ema = o.cfg.EmaAlpha*z + (1-o.cfg.EmaAlpha)*o.ema
	} else {
		o.ema = z
	}
	return o.ema
}

// SampleCount reports normalization history depth, for warmup gating.
func (o *OFI) SampleCount() int { return o.hist.count() }

// LastDepthMs is the timestamp of the most recent depth update.
func (o *OFI) LastDepthMs() int64 { return o.lastDepthMs }
