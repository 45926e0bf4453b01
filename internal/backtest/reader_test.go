package backtest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/model"
)

func featureRow(ts int64, symbol string, mid float64) model.AlignedFeatureRow {
	return model.AlignedFeatureRow{
		Symbol: symbol, SecondTs: ts / 1000, TsMs: ts,
		Mid: mid, SpreadBps: 2.0, Regime: model.RegimeActive,
	}
}

func writeRows(t *testing.T, path string, rows ...model.AlignedFeatureRow) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, r := range rows {
		require.NoError(t, enc.Encode(r))
	}
}

func drain(r *Reader) []model.AlignedFeatureRow {
	var out []model.AlignedFeatureRow
	for row := r.Next(); row != nil; row = r.Next() {
		out = append(out, *row)
	}
	return out
}

func TestReaderMergesFilesInTimeOrder(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, filepath.Join(dir, "btc.jsonl"),
		featureRow(1000, "BTCUSDT", 100),
		featureRow(3000, "BTCUSDT", 101),
	)
	writeRows(t, filepath.Join(dir, "eth.jsonl"),
		featureRow(2000, "ETHUSDT", 2000),
		featureRow(4000, "ETHUSDT", 2001),
	)

	r := NewReader(nil, 0, 0)
	require.NoError(t, r.Open(dir))
	rows := drain(r)

	require.Len(t, rows, 4)
	assert.Equal(t, int64(1000), rows[0].TsMs)
	assert.Equal(t, int64(2000), rows[1].TsMs)
	assert.Equal(t, int64(3000), rows[2].TsMs)
	assert.Equal(t, int64(4000), rows[3].TsMs)
	assert.Equal(t, int64(4), r.Stats.Rows)
}

func TestReaderReadyWinsOverPreview(t *testing.T) {
	base := t.TempDir()
	writeRows(t, filepath.Join(base, "ready", "features", "BTCUSDT", "rows.jsonl"),
		featureRow(1000, "BTCUSDT", 100.0),
	)
	preview := featureRow(1000, "BTCUSDT", 999.0)
	writeRows(t, filepath.Join(base, "preview", "features", "BTCUSDT", "rows.jsonl"),
		preview,
		featureRow(2000, "BTCUSDT", 101.0),
	)

	r := NewReader(nil, 0, 0)
	require.NoError(t, r.Open(base))
	rows := drain(r)

	require.Len(t, rows, 2)
	assert.InDelta(t, 100.0, rows[0].Mid, 1e-9, "ready row wins the duplicate key")
	assert.InDelta(t, 101.0, rows[1].Mid, 1e-9, "preview-only keys survive")
	assert.Equal(t, int64(1), r.Stats.Deduped)
}

func TestReaderSymbolAndWindowFilter(t *testing.T) {
	dir := t.TempDir()
	writeRows(t, filepath.Join(dir, "rows.jsonl"),
		featureRow(1000, "BTCUSDT", 100),
		featureRow(2000, "ETHUSDT", 2000),
		featureRow(3000, "BTCUSDT", 101),
		featureRow(9000, "BTCUSDT", 102),
	)

	r := NewReader([]string{"BTCUSDT"}, 2000, 9000)
	require.NoError(t, r.Open(dir))
	rows := drain(r)

	require.Len(t, rows, 1)
	assert.Equal(t, int64(3000), rows[0].TsMs)
	assert.Equal(t, int64(3), r.Stats.Filtered)
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	good, err := json.Marshal(featureRow(1000, "BTCUSDT", 100))
	require.NoError(t, err)
	content := string(good) + "\nnot json\n" + `{"symbol":""}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	r := NewReader(nil, 0, 0)
	require.NoError(t, r.Open(path))
	rows := drain(r)

	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), r.Stats.Malformed)
}

func TestReaderErrorsOnEmptyInput(t *testing.T) {
	r := NewReader(nil, 0, 0)
	assert.Error(t, r.Open(t.TempDir()))
}
