package backtest

import (
	"context"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/config"
	"ofipipe/internal/core"
	"ofipipe/internal/model"
	"ofipipe/internal/policy"
	"ofipipe/internal/sink"
)

// FeederStats summarizes one replay for the run manifest.
type FeederStats struct {
	Rows        int64 `json:"rows"`
	Signals     int64 `json:"signals"`
	Confirmed   int64 `json:"confirmed"`
	Tradeable   int64 `json:"tradeable"`
	SinkErrors  int64 `json:"sink_errors"`
	ForceClosed int   `json:"force_closed"`
}

// Feeder drives recorded rows through the same decision path the live
// pipeline uses, then through the trade simulator. Rows arrive already
// merged in time order from the reader; the feeder is single-threaded so
// the replay is deterministic.
type Feeder struct {
	cfg  *config.Config
	algo *core.Algorithm
	pol  policy.Policy
	sim  *Simulator
	out  sink.SignalSink // optional signal mirror

	Stats FeederStats
}

// NewFeeder wires the replay path. out may be nil when the caller only
// wants the simulation artifacts.
func NewFeeder(cfg *config.Config, pol policy.Policy, runID string, out sink.SignalSink) *Feeder {
	if cfg.Backtest.IgnoreGatingInBacktest {
		pol.Mode = policy.ModeIgnoreAll
	}
	return &Feeder{
		cfg:  cfg,
		algo: core.New(cfg.Signal, cfg.Components.Fusion, runID, cfg.Hash(), true),
		pol:  pol,
		sim:  NewSimulator(cfg.Backtest, cfg.FeeMakerTaker, runID, cfg.RolloverLocation()),
		out:  out,
	}
}

// Run replays the reader to exhaustion or context cancellation, then
// flattens any remaining positions.
func (f *Feeder) Run(ctx context.Context, r *Reader) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := r.Next()
		if row == nil {
			break
		}
		f.Stats.Rows++

		// exits before entries so a stop and a fresh signal on the same
		// row produce two records, not a reverse
		f.sim.OnRow(row)

		sig := f.algo.Process(row)
		if sig == nil {
			continue
		}
		f.Stats.Signals++
		if sig.Confirm {
			f.Stats.Confirmed++
		}
		if f.out != nil {
			if err := f.out.Write(ctx, sig); err != nil {
				f.Stats.SinkErrors++
				log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("replay sink write failed")
			}
		}

		ok, reason := f.pol.IsTradeable(sig)
		if !ok {
			log.Trace().Str("signal_id", sig.SignalID).Str("reason", reason).Msg("not tradeable")
			continue
		}
		side := f.pol.DecideSide(sig)
		if side == model.SideNone {
			continue
		}
		f.Stats.Tradeable++
		f.sim.OnSignal(sig, side, row)
	}

	f.Stats.ForceClosed = len(f.sim.OpenPositions())
	f.sim.CloseAll()
	return nil
}

// Simulator exposes the underlying simulator for artifact collection.
func (f *Feeder) Simulator() *Simulator { return f.sim }

// Algorithm exposes the decision engine counters.
func (f *Feeder) Algorithm() *core.Algorithm { return f.algo }
