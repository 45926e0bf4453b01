// ofipipe is the OFI/CVD microstructure pipeline: live ingestion to
// signal sinks, deterministic backtests over recorded rows, and the
// parity checker for the dual-sink contract.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// exit codes
const (
	exitOK          = 0
	exitOperational = 1
	exitConfig      = 2
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogJSON  bool
)

func main() {
	root := &cobra.Command{
		Use:           "ofipipe",
		Short:         "order-flow microstructure signal pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config YAML path (defaults apply when empty)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "trace|debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "structured JSON logs instead of console")

	root.AddCommand(newRunCmd(), newBacktestCmd(), newParityCmd(), newReplayDeadletterCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return &configError{fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if !flagLogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

// configError marks failures that should exit 2 rather than 1.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var ce *configError
	if errors.As(err, &ce) {
		return exitConfig
	}
	return exitOperational
}

// resolveRunID honors an explicit id and otherwise mints one.
func resolveRunID(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewString()
}
