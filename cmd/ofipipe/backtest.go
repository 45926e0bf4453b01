package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ofipipe/internal/backtest"
	"ofipipe/internal/config"
	"ofipipe/internal/manifest"
	"ofipipe/internal/paths"
	"ofipipe/internal/policy"
	"ofipipe/internal/sink"
)

func newBacktestCmd() *cobra.Command {
	var (
		flagMode          string
		flagFeaturesDirs  []string
		flagSignalsSrc    string
		flagSymbols       []string
		flagStart         string
		flagEnd           string
		flagTz            string
		flagOutDir        string
		flagRunID         string
		flagGating        string
		flagIgnoreGating  bool
		flagQuality       string
		flagLegacy        bool
		flagLegacyMin     float64
		flagReemitSignals bool
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "replay recorded feature rows through the decision path and simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return &configError{err}
			}
			switch flagMode {
			case "A":
				if len(flagFeaturesDirs) == 0 {
					return &configError{fmt.Errorf("mode A needs at least one --features-dir")}
				}
			case "B":
				if flagSignalsSrc == "" {
					return &configError{fmt.Errorf("mode B needs --signals-src")}
				}
			default:
				return &configError{fmt.Errorf("invalid --mode %q (want A|B)", flagMode)}
			}
			mode, ok := policy.ParseGatingMode(flagGating)
			if !ok {
				return &configError{fmt.Errorf("invalid --gating-mode %q (want strict|ignore_soft|ignore_all)", flagGating)}
			}
			startMs, err := parseTimeMs(flagStart)
			if err != nil {
				return &configError{fmt.Errorf("invalid --start: %w", err)}
			}
			endMs, err := parseTimeMs(flagEnd)
			if err != nil {
				return &configError{fmt.Errorf("invalid --end: %w", err)}
			}
			if flagTz != "" {
				if _, err := time.LoadLocation(flagTz); err != nil {
					return &configError{fmt.Errorf("invalid --tz: %w", err)}
				}
				cfg.Backtest.RolloverTimezone = flagTz
			}
			if flagOutDir != "" {
				cfg.BaseDir = flagOutDir
			}
			if flagIgnoreGating {
				cfg.Backtest.IgnoreGatingInBacktest = true
			}

			runID := resolveRunID(firstNonEmpty(flagRunID, cfg.RunID))
			layout := paths.NewLayout(cfg.BaseDir)
			inputs := flagFeaturesDirs
			if flagMode == "B" {
				inputs = []string{flagSignalsSrc}
			}
			log.Info().Str("run_id", runID).Str("mode", flagMode).Strs("inputs", inputs).Msg("backtest starting")
			man := manifest.New(runID, "backtest", cfg.Hash())
			man.SetInputs(inputs)

			pol := policy.Policy{
				Mode:               mode,
				Quality:            policy.QualityMode(flagQuality),
				MinAbsScoreForSide: cfg.Signal.MinAbsScoreForSide,
				Legacy:             flagLegacy,
				LegacyMinScore:     flagLegacyMin,
			}

			execlog := sink.NewJSONL(layout, paths.KindExeclog, cfg.Rotate, cfg.FsyncEveryN)

			var (
				runErr error
				sim    *backtest.Simulator
			)
			if flagMode == "B" {
				replay := backtest.NewSignalReplay(cfg, pol, runID)
				replay.Simulator().SetExeclog(execlog)
				sigs, err := replay.LoadSignals(flagSignalsSrc, flagSymbols, startMs, endMs)
				if err != nil {
					return err
				}
				runErr = replay.Run(context.Background(), sigs)
				sim = replay.Simulator()
				man.AddStat("signal_replay", replay.Stats)
			} else {
				var out sink.SignalSink
				if flagReemitSignals {
					out, err = buildSignalSink(cfg, layout)
					if err != nil {
						return err
					}
				}

				reader := backtest.NewReader(flagSymbols, startMs, endMs)
				if err := reader.Open(flagFeaturesDirs...); err != nil {
					return err
				}

				feeder := backtest.NewFeeder(cfg, pol, runID, out)
				feeder.Simulator().SetExeclog(execlog)
				runErr = feeder.Run(context.Background(), reader)
				if out != nil {
					if err := out.Close(context.Background()); err != nil && runErr == nil {
						runErr = err
					}
				}
				sim = feeder.Simulator()
				man.AddStat("reader", reader.Stats)
				man.AddStat("feeder", feeder.Stats)
			}
			if err := execlog.Close(context.Background()); err != nil && runErr == nil {
				runErr = err
			}

			agg := backtest.NewAggregator(cfg, runID)
			agg.AddAll(sim.Trades())
			m := agg.Compute()

			dir, err := agg.WriteArtifacts(layout, m)
			if err != nil && runErr == nil {
				runErr = err
			}

			man.AddStat("metrics", m)
			man.Finish(runErr)
			if _, err := man.Write(layout); err != nil {
				log.Error().Err(err).Msg("manifest write failed")
			}

			log.Info().Str("artifacts", dir).
				Int("round_trips", m.RoundTrips).
				Float64("net_pnl", m.NetPnl).
				Float64("win_rate", m.WinRate).
				Msg("backtest finished")
			return runErr
		},
	}

	cmd.Flags().StringVar(&flagMode, "mode", "A", "A: replay feature rows; B: replay persisted signals")
	cmd.Flags().StringArrayVar(&flagFeaturesDirs, "features-dir", nil, "mode A data file, flat dir, or partition tree (repeatable)")
	cmd.Flags().StringVar(&flagSignalsSrc, "signals-src", "", "mode B signal JSONL directory")
	cmd.Flags().StringSliceVar(&flagSymbols, "symbols", nil, "restrict to these symbols")
	cmd.Flags().StringVar(&flagStart, "start", "", "window start, RFC3339 or epoch ms")
	cmd.Flags().StringVar(&flagEnd, "end", "", "window end (exclusive), RFC3339 or epoch ms")
	cmd.Flags().StringVar(&flagTz, "tz", "", "rollover timezone override (IANA name)")
	cmd.Flags().StringVar(&flagOutDir, "out-dir", "", "base output directory override")
	cmd.Flags().StringVar(&flagRunID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().StringVar(&flagGating, "gating-mode", "strict", "strict|ignore_soft|ignore_all")
	cmd.Flags().BoolVar(&flagIgnoreGating, "ignore-gating", false, "trade every signal regardless of gating outcome")
	cmd.Flags().StringVar(&flagQuality, "quality", "all", "conservative|balanced|aggressive|all")
	cmd.Flags().BoolVar(&flagLegacy, "legacy", false, "legacy score-only tradeability")
	cmd.Flags().Float64Var(&flagLegacyMin, "legacy-min-score", 0.5, "legacy minimum absolute score")
	cmd.Flags().BoolVar(&flagReemitSignals, "reemit-signals", false, "mirror replayed signals into the configured sinks")
	return cmd
}

// parseTimeMs accepts RFC3339 or raw epoch milliseconds; empty means open.
func parseTimeMs(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli(), nil
	}
	var ms int64
	if _, err := fmt.Sscanf(s, "%d", &ms); err != nil || ms <= 0 {
		return 0, fmt.Errorf("want RFC3339 or epoch ms, got %q", s)
	}
	return ms, nil
}
