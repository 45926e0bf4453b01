package feature

import "ofipipe/internal/model"

// divergence compares the short-window slope of price against the slope of
// the fusion score. Price rising while flow falls is bearish divergence;
// price falling while flow rises is bullish.
type divergence struct {
	lookback int
	prices   []float64
	scores   []float64
}

func newDivergence(lookbackBars int) *divergence {
	if lookbackBars < 3 {
		lookbackBars = 3
	}
	return &divergence{lookback: lookbackBars}
}

func (d *divergence) push(price, score float64) {
	d.prices = append(d.prices, price)
	d.scores = append(d.scores, score)
	if len(d.prices) > d.lookback {
		d.prices = d.prices[1:]
		d.scores = d.scores[1:]
	}
}

// slope is a least-squares slope over the retained bars.
func slope(xs []float64) float64 {
	n := float64(len(xs))
	if n < 2 {
		return 0
	}
	var sumI, sumX, sumIX, sumII float64
	for i, x := range xs {
		fi := float64(i)
		sumI += fi
		sumX += x
		sumIX += fi * x
		sumII += fi * fi
	}
	denom := n*sumII - sumI*sumI
	if denom == 0 {
		return 0
	}
	return (n*sumIX - sumI*sumX) / denom
}

// label returns bull_div, bear_div, or empty when slopes agree or the
// buffer is not yet full.
func (d *divergence) label() string {
	if len(d.prices) < d.lookback {
		return ""
	}
	ps := slope(d.prices)
	ss := slope(d.scores)
	switch {
	case ps > 0 && ss < 0:
		return model.DivBear
	case ps < 0 && ss > 0:
		return model.DivBull
	default:
		return ""
	}
}
