package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ofipipe/internal/config"
	"ofipipe/internal/ingest"
	"ofipipe/internal/manifest"
	"ofipipe/internal/paths"
	"ofipipe/internal/pipeline"
	"ofipipe/internal/sink"
	"ofipipe/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	var (
		flagEvents      []string
		flagWSURL       string
		flagSubscribe   []string
		flagRunID       string
		flagShards      int
		flagMetricsAddr string
		flagNoFeatures  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the live pipeline from files or a websocket feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return &configError{err}
			}
			if len(flagEvents) == 0 && flagWSURL == "" {
				return &configError{fmt.Errorf("need --events files or --ws-url")}
			}

			runID := resolveRunID(firstNonEmpty(flagRunID, cfg.RunID))
			layout := paths.NewLayout(cfg.BaseDir)
			log.Info().Str("run_id", runID).Str("sink", cfg.Sink).Msg("pipeline starting")

			man := manifest.New(runID, "run", cfg.Hash())
			man.SetInputs(flagEvents)

			signalSink, err := buildSignalSink(cfg, layout)
			if err != nil {
				return err
			}
			var featureSink *sink.JSONLSink
			if !flagNoFeatures {
				featureSink = sink.NewJSONL(layout, paths.KindFeatures, cfg.Rotate, cfg.FsyncEveryN)
			}

			metrics := telemetry.NewMetrics()
			var metricsSrv *telemetry.Server
			if flagMetricsAddr != "" {
				metricsSrv = telemetry.NewServer(flagMetricsAddr, metrics)
				metricsSrv.Start()
			}
			export := telemetry.NewExporter(cfg.Timeseries)

			var src ingest.Source
			srcMan := &manifest.SourceManifest{RunID: runID}
			if flagWSURL != "" {
				src = ingest.NewWSSource(flagWSURL, flagSubscribe)
				srcMan.Kind = "websocket"
				srcMan.URL = flagWSURL
				srcMan.Subscribe = flagSubscribe
			} else {
				src = ingest.NewFileSource(flagEvents...)
				srcMan.Kind = "file"
				srcMan.Files = flagEvents
			}
			if _, err := manifest.WriteSourceManifest(layout, srcMan); err != nil {
				log.Warn().Err(err).Msg("source manifest write failed")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := pipeline.New(cfg, runID, flagShards, metrics, export, signalSink, featureSink)
			runErr := p.Run(ctx, src)

			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(context.Background()); err != nil {
					log.Warn().Err(err).Msg("metrics shutdown failed")
				}
			}

			man.AddStat("timeseries_export", export.Stats())
			man.SetShutdownOrder([]string{"source", "workers", "writer", "sinks", "exporter", "metrics_server"})
			man.Finish(runErr)
			if path, err := man.Write(layout); err != nil {
				log.Error().Err(err).Msg("manifest write failed")
			} else {
				log.Info().Str("manifest", path).Msg("run manifest written")
			}
			return runErr
		},
	}

	cmd.Flags().StringArrayVar(&flagEvents, "events", nil, "JSONL event file(s) to replay as the live feed")
	cmd.Flags().StringVar(&flagWSURL, "ws-url", "", "websocket feed URL")
	cmd.Flags().StringArrayVar(&flagSubscribe, "subscribe", nil, "raw subscription payload(s) sent after connect")
	cmd.Flags().StringVar(&flagRunID, "run-id", "", "run id (generated when empty)")
	cmd.Flags().IntVar(&flagShards, "shards", 4, "symbol worker shards")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Prometheus listen address, e.g. :9109 (disabled when empty)")
	cmd.Flags().BoolVar(&flagNoFeatures, "no-feature-rows", false, "skip writing aligned feature rows")
	return cmd
}

func buildSignalSink(cfg *config.Config, layout *paths.Layout) (sink.SignalSink, error) {
	jsonl := func() *sink.JSONLSink {
		return sink.NewJSONL(layout, paths.KindSignals, cfg.Rotate, cfg.FsyncEveryN)
	}
	switch cfg.Sink {
	case "jsonl":
		return jsonl(), nil
	case "sqlite":
		return sink.NewSQLite(cfg.Sqlite, layout.DeadletterPath())
	default: // dual, validated upstream
		sq, err := sink.NewSQLite(cfg.Sqlite, layout.DeadletterPath())
		if err != nil {
			return nil, err
		}
		return sink.NewDual(jsonl(), sq), nil
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
