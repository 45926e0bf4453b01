package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

func TestNewExporterSelection(t *testing.T) {
	disabled := NewExporter(config.TimeseriesConfig{Enabled: false, Type: "noop"})
	_, isNop := disabled.inner.(nopExporter)
	assert.True(t, isNop, "disabled config yields the nop exporter")

	counting := NewExporter(config.TimeseriesConfig{Enabled: true, Type: "noop"})
	_, isCounting := counting.inner.(*countingExporter)
	assert.True(t, isCounting)

	unknown := NewExporter(config.TimeseriesConfig{Enabled: true, Type: "influx"})
	_, isNop = unknown.inner.(nopExporter)
	assert.True(t, isNop, "unknown types degrade to nop")
}

func TestRecorderCountsExports(t *testing.T) {
	ctx := context.Background()
	rec := NewExporter(config.TimeseriesConfig{Enabled: true, Type: "noop"})

	require.NoError(t, rec.ExportRow(ctx, &model.AlignedFeatureRow{Symbol: "BTCUSDT"}))
	require.NoError(t, rec.ExportSignal(ctx, &model.Signal{Symbol: "BTCUSDT"}))
	require.NoError(t, rec.Close(ctx))

	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.ExportCount)
	assert.Equal(t, int64(0), stats.ErrorCount)
}

type failingExporter struct{}

func (failingExporter) ExportRow(context.Context, *model.AlignedFeatureRow) error {
	return errors.New("down")
}
func (failingExporter) ExportSignal(context.Context, *model.Signal) error { return errors.New("down") }
func (failingExporter) Close(context.Context) error                       { return nil }

func TestRecorderCountsErrors(t *testing.T) {
	ctx := context.Background()
	rec := &Recorder{inner: failingExporter{}}

	assert.Error(t, rec.ExportRow(ctx, &model.AlignedFeatureRow{}))
	assert.Error(t, rec.ExportSignal(ctx, &model.Signal{}))

	stats := rec.Stats()
	assert.Equal(t, int64(0), stats.ExportCount)
	assert.Equal(t, int64(2), stats.ErrorCount)
}
