package feature

import (
	"sort"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

// activityTracker buckets trade counts per second and classifies the
// current second against a rolling quantile of recent activity.
type activityTracker struct {
	cfg    config.ScenarioConfig
	counts []float64 // per-second trade counts, bounded ring
	next   int
	full   bool

	curSec   int64
	curCount float64

	// most recently completed second, for rows finalized after rollover
	doneSec   int64
	doneCount float64
}

func newActivityTracker(cfg config.ScenarioConfig) *activityTracker {
	n := cfg.ActivityWindowS
	if n < 10 {
		n = 10
	}
	return &activityTracker{cfg: cfg, counts: make([]float64, n)}
}

func (a *activityTracker) onTrade(tsMs int64) {
	sec := tsMs / 1000
	if sec != a.curSec {
		a.roll(sec)
	}
	a.curCount++
}

func (a *activityTracker) roll(sec int64) {
	if a.curSec != 0 {
		a.counts[a.next] = a.curCount
		a.next++
		if a.next == len(a.counts) {
			a.next = 0
			a.full = true
		}
		a.doneSec = a.curSec
		a.doneCount = a.curCount
	}
	a.curSec = sec
	a.curCount = 0
}

// secondCount returns the trade count attributed to sec, whether that
// second is still accumulating or already rolled.
func (a *activityTracker) secondCount(sec int64) float64 {
	switch sec {
	case a.curSec:
		return a.curCount
	case a.doneSec:
		return a.doneCount
	default:
		return 0
	}
}

// quantile of the stored per-second counts.
func (a *activityTracker) quantile(q float64) (float64, bool) {
	n := a.next
	if a.full {
		n = len(a.counts)
	}
	if n < 5 {
		return 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, a.counts[:n])
	sort.Float64s(sorted)
	idx := int(q * float64(n-1))
	return sorted[idx], true
}

// activeAt classifies the trade activity of sec against the rolling
// quantile; the second bool is false while history is too short to rank.
func (a *activityTracker) activeAt(sec int64) (bool, bool) {
	threshold, ok := a.quantile(a.cfg.ActivityQuantile)
	if !ok {
		return false, false
	}
	count := a.secondCount(sec)
	return count >= threshold && count > 0, true
}

// classifyScenario maps activity and spread into the 2x2 bucket; unknown
// while the activity history is still too short to rank against.
func classifyScenario(tracker *activityTracker, sec int64, spreadBps float64, cfg config.ScenarioConfig) model.Scenario {
	active, ok := tracker.activeAt(sec)
	if !ok || spreadBps <= 0 {
		return model.ScenarioUnknown
	}
	high := spreadBps >= cfg.SpreadBandBps
	switch {
	case active && high:
		return model.ScenarioAH
	case active && !high:
		return model.ScenarioAL
	case !active && high:
		return model.ScenarioQH
	default:
		return model.ScenarioQL
	}
}

// classifyRegime labels the market state off the same activity ranking:
// clearly above the split is active, zero-trade seconds in a ranked
// history are quiet, everything else is base.
func classifyRegime(tracker *activityTracker, sec int64) model.Regime {
	active, ok := tracker.activeAt(sec)
	if !ok {
		return model.RegimeBase
	}
	if active {
		return model.RegimeActive
	}
	if tracker.secondCount(sec) == 0 {
		return model.RegimeQuiet
	}
	return model.RegimeBase
}
