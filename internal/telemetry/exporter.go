package telemetry

import (
	"context"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

// Exporter ships rows and signals to an external timeseries store. Export
// is strictly best effort: a failing exporter is counted and skipped, and
// must never stall or reorder the pipeline.
type Exporter interface {
	ExportRow(ctx context.Context, row *model.AlignedFeatureRow) error
	ExportSignal(ctx context.Context, sig *model.Signal) error
	Close(ctx context.Context) error
}

// ExportStats is the per-run export summary written into the manifest.
type ExportStats struct {
	ExportCount int64 `json:"export_count"`
	ErrorCount  int64 `json:"error_count"`
}

// Recorder wraps an Exporter and counts successes and failures. The
// pipeline's writer goroutine is the only caller until Run returns, so
// plain counters are enough.
type Recorder struct {
	inner Exporter
	stats ExportStats
}

func (r *Recorder) ExportRow(ctx context.Context, row *model.AlignedFeatureRow) error {
	return r.record(r.inner.ExportRow(ctx, row))
}

func (r *Recorder) ExportSignal(ctx context.Context, sig *model.Signal) error {
	return r.record(r.inner.ExportSignal(ctx, sig))
}

func (r *Recorder) Close(ctx context.Context) error { return r.inner.Close(ctx) }

func (r *Recorder) record(err error) error {
	if err != nil {
		r.stats.ErrorCount++
		return err
	}
	r.stats.ExportCount++
	return nil
}

// Stats returns the counters accumulated so far.
func (r *Recorder) Stats() ExportStats { return r.stats }

// NewExporter builds the configured exporter. Only the disabled and noop
// kinds are wired here; a concrete store binding registers itself by type
// name when it exists.
func NewExporter(cfg config.TimeseriesConfig) *Recorder {
	if !cfg.Enabled {
		return &Recorder{inner: nopExporter{}}
	}
	switch cfg.Type {
	case "", "noop":
		return &Recorder{inner: &countingExporter{}}
	default:
		log.Warn().Str("type", cfg.Type).Msg("unknown timeseries type, export disabled")
		return &Recorder{inner: nopExporter{}}
	}
}

type nopExporter struct{}

func (nopExporter) ExportRow(context.Context, *model.AlignedFeatureRow) error { return nil }
func (nopExporter) ExportSignal(context.Context, *model.Signal) error         { return nil }
func (nopExporter) Close(context.Context) error                               { return nil }

// countingExporter records volumes without shipping anywhere. Used to
// validate export wiring before a real store is configured.
type countingExporter struct {
	Rows    int64
	Signals int64
}

func (c *countingExporter) ExportRow(context.Context, *model.AlignedFeatureRow) error {
	c.Rows++
	return nil
}

func (c *countingExporter) ExportSignal(context.Context, *model.Signal) error {
	c.Signals++
	return nil
}

func (c *countingExporter) Close(context.Context) error {
	log.Info().Int64("rows", c.Rows).Int64("signals", c.Signals).Msg("exporter closed")
	return nil
}
