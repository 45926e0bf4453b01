// Package feature computes the per-symbol microstructure features: order
// flow imbalance, cumulative volume delta, their fused score, market
// context (regime, scenario 2x2, divergence), and row quality.
package feature

import (
	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

const (
	consistencyEps = 1e-9

	// warmup clears once both normalization histories hold this many
	// samples (or the full z-score window when it is shorter)
	warmupMinSamples = 30

	// tier promotion requires at least this much OFI/CVD agreement
	strongConsistencyMin = 0.75

	// flags fire at this fraction of the corresponding hard cap
	borderlineFraction = 0.8
)

// Pipe owns all rolling feature state for one symbol. Like the aligner it
// is single-threaded by construction; the pipeline shards by symbol.
type Pipe struct {
	comp config.ComponentsConfig
	sig  config.SignalConfig

	ofi *OFI
	cvd *CVD
	act *activityTracker
	div *divergence

	minWarmup int
}

// NewPipe builds a feature pipe for one symbol.
func NewPipe(comp config.ComponentsConfig, sig config.SignalConfig) *Pipe {
	minWarmup := warmupMinSamples
	if comp.OFI.ZscoreWindow < minWarmup {
		minWarmup = comp.OFI.ZscoreWindow
	}
	return &Pipe{
		comp:      comp,
		sig:       sig,
		ofi:       NewOFI(comp.OFI, comp.Fusion.BurstCoalesceMs),
		cvd:       NewCVD(comp.CVD, comp.OFI.ZscoreWindow),
		act:       newActivityTracker(comp.Scenario),
		div:       newDivergence(comp.Divergence.LookbackBars),
		minWarmup: minWarmup,
	}
}

// OnEvent routes one raw event into the calculators. Book tickers carry no
// flow information and are consumed by the aligner only.
func (p *Pipe) OnEvent(ev model.Event) {
	switch ev.Kind {
	case model.EventTrade:
		p.cvd.OnTrade(ev.TsMs, ev.Qty, ev.Side == "buy")
		p.act.onTrade(ev.TsMs)
	case model.EventDepth:
		p.ofi.OnDepth(ev.TsMs, ev.Bids, ev.Asks)
	}
}

// Finalize fills the micro, context, and quality fields of an aligned row
// skeleton produced for the just-closed second.
func (p *Pipe) Finalize(row *model.AlignedFeatureRow) {
	row.ZOFI = p.ofi.Snapshot(row.TsMs)
	row.ZCVD = p.cvd.Snapshot(row.TsMs)

	fusion := p.Fuse(row.ZOFI, row.ZCVD)
	row.FusionScore = &fusion

	row.Consistency = consistency(row.ZOFI, row.ZCVD)
	if sgn(row.ZOFI) == sgn(row.ZCVD) {
		row.SignAgree = 1
	}

	row.Regime = classifyRegime(p.act, row.SecondTs)
	row.Scenario2x2 = classifyScenario(p.act, row.SecondTs, row.SpreadBps, p.comp.Scenario)

	if row.Mid > 0 {
		p.div.push(row.Mid, fusion)
		row.DivType = p.div.label()
	}

	row.Warmup = p.ofi.SampleCount() < p.minWarmup || p.cvd.SampleCount() < p.minWarmup

	p.annotateStaleness(row)
	p.grade(row)
}

// Fuse combines the two normalized flows per the configured method.
func (p *Pipe) Fuse(zOFI, zCVD float64) float64 {
	if p.comp.Fusion.Method == "zsum" {
		return clamp(zOFI, -3, 3) + clamp(zCVD, -3, 3)
	}
	return p.comp.Fusion.WOFI*zOFI + p.comp.Fusion.WCVD*zCVD
}

// annotateStaleness records which source stopped updating. A stalled depth
// feed freezes OFI while CVD keeps moving, and vice versa; either case is
// worth a reason code but never aborts the stream.
func (p *Pipe) annotateStaleness(row *model.AlignedFeatureRow) {
	staleHorizon := 2 * p.comp.OFI.WindowMs
	if last := p.ofi.LastDepthMs(); last == 0 || row.TsMs-last > staleHorizon {
		row.ReasonCodes = append(row.ReasonCodes, "ofi_stale")
	}
	staleHorizon = 2 * p.comp.CVD.WindowMs
	if last := p.cvd.LastTradeMs(); last == 0 || row.TsMs-last > staleHorizon {
		row.ReasonCodes = append(row.ReasonCodes, "cvd_stale")
	}
}

// grade assigns quality flags and the tier.
func (p *Pipe) grade(row *model.AlignedFeatureRow) {
	if row.Consistency < p.sig.ConsistencyMin {
		row.QualityFlags = append(row.QualityFlags, model.FlagLowConsistency)
	}
	if p.sig.SpreadBpsCap > 0 && row.SpreadBps > borderlineFraction*p.sig.SpreadBpsCap {
		row.QualityFlags = append(row.QualityFlags, model.FlagSpreadWide)
	}
	if p.sig.LagCapSec > 0 && row.LagSec() > borderlineFraction*p.sig.LagCapSec {
		row.QualityFlags = append(row.QualityFlags, model.FlagLagBorderline)
	}

	switch {
	case row.Warmup || row.HasFlag(model.FlagGap) || row.HasFlag(model.FlagLowConsistency):
		row.QualityTier = model.QualityWeak
	case row.Consistency >= strongConsistencyMin && row.SignAgree == 1 && len(row.QualityFlags) == 0:
		row.QualityTier = model.QualityStrong
	default:
		row.QualityTier = model.QualityNormal
	}
}

func consistency(a, b float64) float64 {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	absA, absB := a, b
	if absA < 0 {
		absA = -absA
	}
	if absB < 0 {
		absB = -absB
	}
	c := 1.0 - diff/(absA+absB+consistencyEps)
	return clamp(c, 0, 1)
}

func sgn(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
