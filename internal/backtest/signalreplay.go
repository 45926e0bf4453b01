package backtest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/policy"
)

// SignalReplayStats summarizes one signal replay for the run manifest.
type SignalReplayStats struct {
	Files       int   `json:"files"`
	Signals     int64 `json:"signals"`
	Malformed   int64 `json:"malformed"`
	Filtered    int64 `json:"filtered"`
	Tradeable   int64 `json:"tradeable"`
	ForceClosed int   `json:"force_closed"`
}

// SignalReplay drives previously persisted signals straight through the
// tradeability policy and the simulator, skipping feature recomputation.
// Each signal's own mid, spread, and scenario provide the market context,
// so positions mark only at signal instants.
type SignalReplay struct {
	pol policy.Policy
	sim *Simulator

	Stats SignalReplayStats
}

// NewSignalReplay wires the replay-from-signals path.
func NewSignalReplay(cfg *config.Config, pol policy.Policy, runID string) *SignalReplay {
	if cfg.Backtest.IgnoreGatingInBacktest {
		pol.Mode = policy.ModeIgnoreAll
	}
	return &SignalReplay{
		pol: pol,
		sim: NewSimulator(cfg.Backtest, cfg.FeeMakerTaker, runID, cfg.RolloverLocation()),
	}
}

// LoadSignals reads signal JSONL files under src, keeping symbols in the
// filter (empty means all) inside the half-open [fromMs, toMs) window.
// Malformed lines are counted and skipped. Signals come back ordered by
// (ts_ms, symbol, signal_id) so replay is deterministic.
func (r *SignalReplay) LoadSignals(src string, symbols []string, fromMs, toMs int64) ([]*model.Signal, error) {
	keep := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		keep[s] = true
	}

	var sigs []*model.Signal
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return err
		}
		r.Stats.Files++
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var sig model.Signal
			if err := json.Unmarshal(line, &sig); err != nil || sig.Symbol == "" || sig.TsMs <= 0 {
				r.Stats.Malformed++
				continue
			}
			if len(keep) > 0 && !keep[sig.Symbol] {
				r.Stats.Filtered++
				continue
			}
			if fromMs > 0 && sig.TsMs < fromMs || toMs > 0 && sig.TsMs >= toMs {
				r.Stats.Filtered++
				continue
			}
			sigs = append(sigs, &sig)
		}
		return sc.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load signals from %s: %w", src, err)
	}
	if len(sigs) == 0 && r.Stats.Malformed == 0 {
		return nil, fmt.Errorf("no signals under %s", src)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].TsMs != sigs[j].TsMs {
			return sigs[i].TsMs < sigs[j].TsMs
		}
		if sigs[i].Symbol != sigs[j].Symbol {
			return sigs[i].Symbol < sigs[j].Symbol
		}
		return sigs[i].SignalID < sigs[j].SignalID
	})
	return sigs, nil
}

// Run replays the signals in order, then flattens remaining positions.
func (r *SignalReplay) Run(ctx context.Context, sigs []*model.Signal) error {
	for _, sig := range sigs {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.Stats.Signals++

		row := rowFromSignal(sig)
		r.sim.OnRow(row)

		ok, reason := r.pol.IsTradeable(sig)
		if !ok {
			log.Trace().Str("signal_id", sig.SignalID).Str("reason", reason).Msg("not tradeable")
			continue
		}
		side := r.pol.DecideSide(sig)
		if side == model.SideNone {
			continue
		}
		r.Stats.Tradeable++
		r.sim.OnSignal(sig, side, row)
	}

	r.Stats.ForceClosed = len(r.sim.OpenPositions())
	r.sim.CloseAll()
	return nil
}

// Simulator exposes the underlying simulator for artifact collection.
func (r *SignalReplay) Simulator() *Simulator { return r.sim }

// rowFromSignal rebuilds the market context the simulator needs from the
// persisted signal fields.
func rowFromSignal(sig *model.Signal) *model.AlignedFeatureRow {
	row := &model.AlignedFeatureRow{
		Symbol:     sig.Symbol,
		SecondTs:   sig.TsMs / 1000,
		TsMs:       sig.TsMs,
		Mid:        sig.MidPx,
		SpreadBps:  sig.SpreadBps,
		Regime:     sig.Regime,
		LagMsPrice: int64(sig.LagSec * 1000),
	}
	if sc, ok := sig.Meta["scenario_2x2"]; ok {
		row.Scenario2x2 = model.Scenario(sc)
	}
	return row
}
