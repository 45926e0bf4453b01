// Package policy decides, as a pure function of a signal, whether it is
// tradeable and in which direction. It holds no state so the live
// pipeline and the backtest share it verbatim.
package policy

import (
	"strings"

	"ofipipe/internal/model"
)

// GatingMode controls how much of the gating list a caller honors.
type GatingMode string

const (
	ModeStrict     GatingMode = "strict"
	ModeIgnoreSoft GatingMode = "ignore_soft"
	ModeIgnoreAll  GatingMode = "ignore_all"
)

// ParseGatingMode validates a CLI/config value.
func ParseGatingMode(s string) (GatingMode, bool) {
	switch GatingMode(s) {
	case ModeStrict, ModeIgnoreSoft, ModeIgnoreAll:
		return GatingMode(s), true
	}
	return "", false
}

// QualityMode optionally narrows tradeable signals by quality tier.
type QualityMode string

const (
	QualityConservative QualityMode = "conservative"
	QualityBalanced     QualityMode = "balanced"
	QualityAggressive   QualityMode = "aggressive"
	QualityAll          QualityMode = "all"
)

// Policy bundles the tradeability knobs.
type Policy struct {
	Mode               GatingMode
	Quality            QualityMode
	MinAbsScoreForSide float64

	// Legacy bypasses confirm and gating entirely and decides on score
	// magnitude alone. Only for backtest regression comparisons.
	Legacy         bool
	LegacyMinScore float64
}

// IsTradeable reports whether the signal may open or reverse a position,
// and the blocking reason when it may not. Hard reasons block in every
// mode.
func (p Policy) IsTradeable(sig *model.Signal) (bool, string) {
	if p.Legacy {
		abs := sig.Score
		if abs < 0 {
			abs = -abs
		}
		if abs >= p.LegacyMinScore && sig.SignalType.Direction() != 0 {
			return true, ""
		}
		return false, "legacy_score_below_min"
	}

	var hard, remaining []string
	for _, g := range sig.Gating {
		if model.IsHardGuard(g) {
			hard = append(hard, g)
			continue
		}
		switch p.Mode {
		case ModeIgnoreAll:
			// everything non-hard is waived
		case ModeIgnoreSoft:
			if !model.IsSoftGuard(g) {
				remaining = append(remaining, g)
			}
		default:
			remaining = append(remaining, g)
		}
	}
	if len(hard) > 0 {
		return false, "gating_hard_" + strings.Join(hard, ",")
	}
	if len(remaining) > 0 {
		return false, "gating_" + strings.Join(remaining, ",")
	}
	if !sig.Confirm && p.Mode == ModeStrict {
		return false, "confirm_false"
	}
	if !p.qualityOK(sig) {
		return false, "quality_" + string(sig.QualityTier)
	}
	return true, ""
}

func (p Policy) qualityOK(sig *model.Signal) bool {
	switch p.Quality {
	case QualityConservative:
		return sig.QualityTier == model.QualityStrong
	case QualityBalanced:
		if sig.QualityTier == model.QualityStrong {
			return true
		}
		if sig.QualityTier != model.QualityNormal {
			return false
		}
		for _, f := range sig.QualityFlags {
			if f == model.FlagLowConsistency {
				return false
			}
		}
		return true
	default: // aggressive, all, or unset
		return true
	}
}

// DecideSide resolves the execution side: signal type first, then the side
// hint, then score sign gated by the minimum magnitude.
func (p Policy) DecideSide(sig *model.Signal) model.SideHint {
	if d := sig.SignalType.Direction(); d > 0 {
		return model.SideBuy
	} else if d < 0 {
		return model.SideSell
	}
	if sig.SideHint == model.SideBuy || sig.SideHint == model.SideSell {
		return sig.SideHint
	}
	abs := sig.Score
	if abs < 0 {
		abs = -abs
	}
	if p.MinAbsScoreForSide > 0 && abs >= p.MinAbsScoreForSide {
		if sig.Score > 0 {
			return model.SideBuy
		}
		return model.SideSell
	}
	return model.SideNone
}
