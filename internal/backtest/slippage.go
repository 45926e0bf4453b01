package backtest

import (
	"ofipipe/internal/config"
)

// SlippageModel prices execution slippage in basis points for one fill.
type SlippageModel interface {
	SlippageBps(qty float64) float64
}

// NewSlippageModel builds the configured model. Config validation has
// already proven the model name.
func NewSlippageModel(cfg config.BacktestConfig) SlippageModel {
	switch cfg.SlippageModel {
	case "linear":
		ref := cfg.LinearRefQty
		if ref <= 0 {
			ref = 1.0
		}
		return linearSlippage{base: cfg.SlippageBps, refQty: ref}
	case "piecewise":
		return piecewiseSlippage{steps: cfg.PiecewiseSteps, fallback: cfg.SlippageBps}
	default:
		return staticSlippage{bps: cfg.SlippageBps}
	}
}

type staticSlippage struct{ bps float64 }

func (s staticSlippage) SlippageBps(qty float64) float64 { return s.bps }

// linearSlippage scales with fill size relative to a reference quantity.
type linearSlippage struct {
	base   float64
	refQty float64
}

func (s linearSlippage) SlippageBps(qty float64) float64 {
	return s.base * (1.0 + qty/s.refQty)
}

// piecewiseSlippage looks the fill up in a sorted (max_qty, bps) table.
// The last step is open-ended; an empty table falls back to the static bps.
type piecewiseSlippage struct {
	steps    []config.SlippageStep
	fallback float64
}

func (s piecewiseSlippage) SlippageBps(qty float64) float64 {
	if len(s.steps) == 0 {
		return s.fallback
	}
	for _, step := range s.steps {
		if qty <= step.MaxQty {
			return step.Bps
		}
	}
	return s.steps[len(s.steps)-1].Bps
}

// ApplySlippage moves the mark price against the fill direction. dir is +1
// for a buy fill, -1 for a sell fill.
func ApplySlippage(px float64, bps float64, dir int) float64 {
	return px * (1.0 + float64(dir)*bps/10000.0)
}
