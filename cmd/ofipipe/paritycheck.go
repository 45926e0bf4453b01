package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ofipipe/internal/config"
	"ofipipe/internal/paths"
	"ofipipe/internal/sink"
)

func newParityCmd() *cobra.Command {
	var flagRunID string

	cmd := &cobra.Command{
		Use:   "paritycheck",
		Short: "verify the JSONL and SQLite views of a run agree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return &configError{err}
			}
			if flagRunID == "" {
				return &configError{fmt.Errorf("need --run-id")}
			}
			layout := paths.NewLayout(cfg.BaseDir)

			rep, err := sink.CheckParity(layout, cfg.Sqlite.Path, flagRunID)
			if err != nil {
				return err
			}
			path, err := sink.WriteParityReport(layout, rep)
			if err != nil {
				return err
			}
			if !rep.Clean {
				log.Error().Int("diffs", len(rep.Diffs)).
					Int("exceeded_minutes", len(rep.ThresholdExceededMinutes)).
					Str("report", path).Msg("parity check failed")
				return fmt.Errorf("parity check found %d diffs, %d divergent minutes (report at %s)",
					len(rep.Diffs), len(rep.ThresholdExceededMinutes), path)
			}
			log.Info().Int("jsonl_rows", rep.JSONLRows).Int("sqlite_rows", rep.SQLiteRows).
				Int("minutes", rep.WindowAlignment.Minutes).
				Str("report", path).Msg("parity check clean")
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRunID, "run-id", "", "run to check")
	return cmd
}

func newReplayDeadletterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay-deadletter",
		Short: "reinsert spilled SQLite batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return &configError{err}
			}
			layout := paths.NewLayout(cfg.BaseDir)

			sq, err := sink.NewSQLite(cfg.Sqlite, layout.DeadletterPath()+".replay")
			if err != nil {
				return err
			}
			defer sq.Close(context.Background())

			replayed, skipped, err := sq.ReplayDeadletter(context.Background(), layout.DeadletterPath())
			if err != nil {
				return err
			}
			log.Info().Int("replayed", replayed).Int("skipped", skipped).
				Msg("deadletter replay done; truncate the file after verifying")
			return nil
		},
	}
	return cmd
}
