package backtest

import (
	"fmt"
	"hash/fnv"
	"strings"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

// FillOutcome is the fee decision for one simulated fill.
type FillOutcome struct {
	FeeBps    float64
	IsMaker   bool
	MakerProb float64
}

// FeeModel prices one fill. Implementations must be deterministic for a
// given (run_id, ts_ms, symbol, side) so replays reproduce fills exactly.
type FeeModel interface {
	Price(runID string, tsMs int64, symbol string, side model.SideHint,
		notional, spreadBps float64, scenario model.Scenario) FillOutcome
}

// NewFeeModel builds the configured model.
func NewFeeModel(bt config.BacktestConfig, mt config.FeeMakerTakerConfig) FeeModel {
	switch bt.FeeModel {
	case "tiered":
		return tieredFees{tiers: bt.FeeTiers, fallback: bt.TakerFeeBps}
	case "maker_taker":
		return &makerTakerFees{takerBps: bt.TakerFeeBps, cfg: mt}
	default:
		return staticFees{bps: bt.TakerFeeBps}
	}
}

type staticFees struct{ bps float64 }

func (f staticFees) Price(string, int64, string, model.SideHint, float64, float64, model.Scenario) FillOutcome {
	return FillOutcome{FeeBps: f.bps}
}

// tieredFees picks the fee of the highest (min_notional, bps) tier the fill
// reaches. Tiers are sorted ascending by min_notional.
type tieredFees struct {
	tiers    []config.FeeTier
	fallback float64
}

func (f tieredFees) Price(_ string, _ int64, _ string, _ model.SideHint,
	notional, _ float64, _ model.Scenario) FillOutcome {
	bps := f.fallback
	for _, t := range f.tiers {
		if notional >= t.MinNotional {
			bps = t.Bps
		}
	}
	return FillOutcome{FeeBps: bps}
}

// makerTakerFees draws a maker/taker outcome per fill. The maker probability
// starts from the per-scenario base, decays as the spread widens across the
// [narrow, wide] band, and scales with the per-side bias. The draw is a
// Bernoulli seeded by fill identity, so the same run replays identically.
type makerTakerFees struct {
	takerBps float64
	cfg      config.FeeMakerTakerConfig
}

func (f *makerTakerFees) Price(runID string, tsMs int64, symbol string, side model.SideHint,
	_ float64, spreadBps float64, scenario model.Scenario) FillOutcome {
	p := f.makerProb(side, spreadBps, scenario)
	isMaker := fillUniform(runID, tsMs, symbol, side) < p
	bps := f.takerBps
	if isMaker {
		bps = f.takerBps * f.cfg.MakerFeeRatio
	}
	return FillOutcome{FeeBps: bps, IsMaker: isMaker, MakerProb: p}
}

func (f *makerTakerFees) makerProb(side model.SideHint, spreadBps float64, scenario model.Scenario) float64 {
	base, ok := f.cfg.ScenarioProbs[normalizeScenario(scenario)]
	if !ok {
		base = f.cfg.ScenarioProbs["default"]
	}

	// a widening spread makes the passive fill less likely; rel is the
	// spread position linearized over the [narrow, wide] band
	narrow, wide := f.cfg.SpreadThresholdNarrow, f.cfg.SpreadThresholdWide
	rel := 0.0
	if wide > narrow {
		rel = clamp01((spreadBps - narrow) / (wide - narrow))
	}
	p := base * (1 - f.cfg.SpreadSlope*rel)

	switch side {
	case model.SideBuy:
		if f.cfg.SideBias.Buy > 0 {
			p *= f.cfg.SideBias.Buy
		}
	case model.SideSell:
		if f.cfg.SideBias.Sell > 0 {
			p *= f.cfg.SideBias.Sell
		}
	}
	return clamp01(p)
}

// normalizeScenario folds composite labels down to the 2x2 bucket; any
// leftover maps to the default probability.
func normalizeScenario(s model.Scenario) string {
	label := string(s)
	for _, bucket := range []string{"A_H", "A_L", "Q_H", "Q_L"} {
		if label == bucket || strings.HasPrefix(label, bucket+"_") {
			return bucket
		}
	}
	return "default"
}

// fillUniform maps the fill identity to a uniform draw in [0, 1).
func fillUniform(runID string, tsMs int64, symbol string, side model.SideHint) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%s", runID, tsMs, symbol, side)
	return float64(h.Sum64()>>11) / float64(1<<53)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
