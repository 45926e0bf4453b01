// Package core turns aligned feature rows into typed, deduplicated,
// confirm-gated signals. All decision state is per symbol and owned by a
// single worker; given identical rows and config the output is
// bit-identical, with no wall-clock reads anywhere on the path.
package core

import (
	"strings"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

// Decision codes surfaced on emitted signals.
const (
	DecisionConfirmed = "confirmed"
	DecisionGated     = "gated"
	DecisionWarmup    = "warmup"
	DecisionPending   = "pending"
)

// symState is the per-symbol decision state. It resets on run_id change.
type symState struct {
	seq            int64
	streak         int
	lastDir        int
	lastConfirmDir int
	lastConfirmed  map[model.SignalType]int64
	cooldownUntil  int64
}

// Algorithm is the gating and confirm state machine.
type Algorithm struct {
	sig    config.SignalConfig
	fusion config.FusionConfig

	runID      string
	configHash string
	replayMode bool

	state map[string]*symState

	// counters, read by the feeder and pipeline for stats
	Processed  int64
	Emitted    int64
	Confirmed  int64
	Suppressed int64
}

// New builds the algorithm for one run. replayMode is accepted for parity
// with the live pipeline; the decision path reads no external time either
// way.
func New(sig config.SignalConfig, fusion config.FusionConfig, runID, configHash string, replayMode bool) *Algorithm {
	return &Algorithm{
		sig:        sig,
		fusion:     fusion,
		runID:      runID,
		configHash: configHash,
		replayMode: replayMode,
		state:      make(map[string]*symState),
	}
}

// SetRunID switches runs, dropping all per-symbol decision state.
func (a *Algorithm) SetRunID(runID string) {
	if runID == a.runID {
		return
	}
	a.runID = runID
	a.state = make(map[string]*symState)
}

func (a *Algorithm) sym(symbol string) *symState {
	s, ok := a.state[symbol]
	if !ok {
		s = &symState{lastConfirmed: make(map[model.SignalType]int64)}
		a.state[symbol] = s
	}
	return s
}

// thresholds returns the per-regime set, falling back to active for
// unknown regimes.
func (a *Algorithm) thresholds(regime model.Regime) config.ThresholdSet {
	if ts, ok := a.sig.Thresholds[string(regime)]; ok {
		return ts
	}
	return a.sig.Thresholds[string(model.RegimeActive)]
}

// resolveScore passes the row's fusion score through, or recomputes it
// from the component z-scores when configured to or when the row carries
// none.
func (a *Algorithm) resolveScore(row *model.AlignedFeatureRow) float64 {
	if !a.sig.RecomputeFusion && row.FusionScore != nil {
		return *row.FusionScore
	}
	return a.fusion.WOFI*row.ZOFI + a.fusion.WCVD*row.ZCVD
}

func classify(score float64, ts config.ThresholdSet) model.SignalType {
	switch {
	case score >= ts.StrongBuy:
		return model.SignalStrongBuy
	case score >= ts.Buy:
		return model.SignalBuy
	case score <= ts.StrongSell:
		return model.SignalStrongSell
	case score <= ts.Sell:
		return model.SignalSell
	default:
		return model.SignalNeutral
	}
}

// Process runs the full gating pipeline on one row and returns zero or one
// signal. A clean neutral row emits nothing; every rejection emits an
// unconfirmed signal carrying its gating reasons.
func (a *Algorithm) Process(row *model.AlignedFeatureRow) *model.Signal {
	a.Processed++
	s := a.sym(row.Symbol)
	score := a.resolveScore(row)

	sig := &model.Signal{
		TsMs:          row.TsMs,
		RunID:         a.runID,
		Symbol:        row.Symbol,
		SchemaVersion: model.SchemaVersion,
		Score:         score,
		SignalType:    model.SignalNeutral,
		SideHint:      model.SideNone,
		Regime:        row.Regime,
		Consistency:   row.Consistency,
		ZOFI:          row.ZOFI,
		ZCVD:          row.ZCVD,
		SpreadBps:     row.SpreadBps,
		LagSec:        row.LagSec(),
		MidPx:         row.Mid,
		QualityTier:   row.QualityTier,
		QualityFlags:  row.QualityFlags,
		ConfigHash:    a.configHash,
		Gating:        []string{},
	}
	if row.Scenario2x2 != "" || row.DivType != "" {
		sig.Meta = map[string]string{}
		if row.Scenario2x2 != "" {
			sig.Meta["scenario_2x2"] = string(row.Scenario2x2)
		}
		if row.DivType != "" {
			sig.Meta["div_type"] = row.DivType
		}
	}

	// 1. warmup rows are never confirmable
	if row.Warmup {
		s.streak = 0
		s.lastDir = 0
		sig.SignalType = model.SignalPending
		sig.Gating = append(sig.Gating, model.GuardWarmup)
		sig.DecisionCode = DecisionWarmup
		sig.DecisionReason = "normalization windows not yet filled"
		return a.emit(sig, s)
	}

	// producer-side failures arrive as reason codes and map to hard guards
	for _, rc := range row.ReasonCodes {
		if model.IsHardGuard(rc) {
			sig.Gating = append(sig.Gating, rc)
		}
	}

	// 2-5. hard guard rail checks
	if row.Mid <= 0 {
		sig.Gating = append(sig.Gating, model.GuardNoPrice)
	}
	if a.sig.SpreadBpsCap > 0 && row.SpreadBps > a.sig.SpreadBpsCap {
		sig.Gating = append(sig.Gating, model.GuardSpreadExceeded)
	}
	if a.sig.LagCapSec > 0 && sig.LagSec > a.sig.LagCapSec {
		sig.Gating = append(sig.Gating, model.GuardLagExceeded)
	}
	if a.sig.KillSwitch {
		sig.Gating = append(sig.Gating, model.GuardKillSwitch)
	}

	// soft guard rails
	abs := score
	if abs < 0 {
		abs = -abs
	}
	if abs < a.sig.WeakSignalThreshold {
		sig.Gating = append(sig.Gating, model.GuardWeakSignal)
	}
	if row.Consistency < a.sig.ConsistencyMin {
		sig.Gating = append(sig.Gating, model.GuardLowConsistency)
	}

	// 6. classify and derive direction
	sig.SignalType = classify(score, a.thresholds(row.Regime))
	dir := sig.SignalType.Direction()
	if dir > 0 {
		sig.SideHint = model.SideBuy
	} else if dir < 0 {
		sig.SideHint = model.SideSell
	}

	// 8. consecutive confirmation streak
	if dir == 0 {
		s.streak = 0
	} else if dir == s.lastDir {
		s.streak++
	} else {
		s.streak = 1
	}
	s.lastDir = dir

	if dir != 0 {
		// 7. dedup window against the last confirmed emission of this type
		if last, ok := s.lastConfirmed[sig.SignalType]; ok && row.TsMs-last < a.sig.DedupeMs {
			sig.Gating = append(sig.Gating, model.GuardDuplicate)
		}
		if s.streak < a.sig.MinConsecutiveSameDir {
			sig.Gating = append(sig.Gating, model.GuardInsufficientTicks)
		}
		// 9. adaptive cooldown blocks direction changes, not continuations
		if row.TsMs < s.cooldownUntil && s.lastConfirmDir != 0 && dir != s.lastConfirmDir {
			sig.Gating = append(sig.Gating, model.GuardAdaptiveCooldown)
		}
	}

	// 10. confirm and arm the cooldown
	cooldownMs := int64(a.sig.AdaptiveCooldownK * float64(a.sig.BaseCooldownMs))
	sig.CooldownMs = cooldownMs
	sig.ExpiryMs = row.TsMs + a.sig.ExpiryMs

	if dir != 0 && len(sig.Gating) == 0 {
		sig.Confirm = true
		sig.DecisionCode = DecisionConfirmed
		sig.DecisionReason = string(sig.SignalType)
		s.lastConfirmed[sig.SignalType] = row.TsMs
		s.lastConfirmDir = dir
		s.cooldownUntil = row.TsMs + cooldownMs
		a.Confirmed++
		return a.emit(sig, s)
	}

	if len(sig.Gating) == 0 {
		// clean neutral: nothing to report
		return nil
	}

	sig.DecisionCode = DecisionGated
	sig.DecisionReason = strings.Join(sig.Gating, ",")
	for _, g := range sig.Gating {
		if model.IsHardGuard(g) {
			sig.GuardReason = g
			break
		}
	}
	a.Suppressed++
	return a.emit(sig, s)
}

func (a *Algorithm) emit(sig *model.Signal, s *symState) *model.Signal {
	sig.SignalID = model.SignalIDFor(sig.RunID, sig.Symbol, sig.TsMs, s.seq)
	s.seq++
	a.Emitted++
	return sig
}
