package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

func testSqliteCfg(t *testing.T) config.SqliteConfig {
	t.Helper()
	return config.SqliteConfig{
		BatchN:  2,
		FlushMs: 50,
		Path:    filepath.Join(t.TempDir(), "signals.db"),
	}
}

func countRows(t *testing.T, path, runID string) int {
	t.Helper()
	db, err := sqlx.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.Get(&n, "SELECT COUNT(*) FROM signals WHERE run_id = ?", runID))
	return n
}

func TestSQLiteBatchedInsertAndClose(t *testing.T) {
	cfg := testSqliteCfg(t)
	dead := filepath.Join(t.TempDir(), "failed_batches.jsonl")
	s, err := NewSQLite(cfg, dead)
	require.NoError(t, err)

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.Write(ctx, testSignal(1000+i*1000, "BTCUSDT")))
	}
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, 5, countRows(t, cfg.Path, "run1"))
	assert.Equal(t, int64(5), s.Written)
	assert.Equal(t, int64(0), s.Deadletter)
}

func TestSQLiteUpsertOnPrimaryKey(t *testing.T) {
	cfg := testSqliteCfg(t)
	s, err := NewSQLite(cfg, filepath.Join(t.TempDir(), "dead.jsonl"))
	require.NoError(t, err)

	ctx := context.Background()
	first := testSignal(1000, "BTCUSDT")
	require.NoError(t, s.Write(ctx, first))

	replay := testSignal(1000, "BTCUSDT")
	replay.Score = 2.5
	require.NoError(t, s.Write(ctx, replay))
	require.NoError(t, s.Close(ctx))

	db, err := sqlx.Open("sqlite", cfg.Path)
	require.NoError(t, err)
	defer db.Close()
	var score float64
	require.NoError(t, db.Get(&score, "SELECT score FROM signals WHERE run_id = ? AND ts_ms = ? AND symbol = ?",
		"run1", 1000, "BTCUSDT"))
	assert.InDelta(t, 2.5, score, 1e-9)
	assert.Equal(t, 1, countRows(t, cfg.Path, "run1"))
}

func TestSQLiteBackgroundFlush(t *testing.T) {
	cfg := testSqliteCfg(t)
	cfg.BatchN = 100 // never fills; the ticker must flush
	s, err := NewSQLite(cfg, filepath.Join(t.TempDir(), "dead.jsonl"))
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.Write(context.Background(), testSignal(1000, "BTCUSDT")))
	assert.Eventually(t, func() bool {
		return countRows(t, cfg.Path, "run1") == 1
	}, 2*time.Second, 25*time.Millisecond)
}

func TestDualSinkParity(t *testing.T) {
	base := t.TempDir()
	layout := paths.NewLayout(base)
	// small batches and row caps so sqlite batching and jsonl rotation
	// both cycle many times over the run
	sqliteCfg := config.SqliteConfig{BatchN: 7, FlushMs: 1000, Path: filepath.Join(base, "signals.db")}

	jsonl := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 512, MaxSec: 300}, 10)
	sq, err := NewSQLite(sqliteCfg, layout.DeadletterPath())
	require.NoError(t, err)
	dual := NewDual(jsonl, sq)

	ctx := context.Background()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	const n = 10000
	for i := int64(0); i < n; i++ {
		require.NoError(t, dual.Write(ctx, testSignal(ts+i*100, symbols[i%4])))
	}
	require.NoError(t, dual.Close(ctx))

	rep, err := CheckParity(layout, sqliteCfg.Path, "run1")
	require.NoError(t, err)
	assert.True(t, rep.Clean, "diffs: %+v exceeded: %v", rep.Diffs, rep.ThresholdExceededMinutes)
	assert.Equal(t, n, rep.JSONLRows)
	assert.Equal(t, n, rep.SQLiteRows)
	assert.Empty(t, rep.Diffs)
	assert.Empty(t, rep.TopMinuteDiffs)
	assert.Empty(t, rep.ThresholdExceededMinutes)
	assert.Equal(t, 17, rep.WindowAlignment.Minutes, "10000 rows at 100ms span 17 minutes")
	assert.Equal(t, ts, rep.WindowAlignment.FirstMinuteTs)

	path, err := WriteParityReport(layout, rep)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestParityDetectsDivergence(t *testing.T) {
	base := t.TempDir()
	layout := paths.NewLayout(base)
	sqliteCfg := config.SqliteConfig{BatchN: 10, FlushMs: 1000, Path: filepath.Join(base, "signals.db")}

	jsonl := NewJSONL(layout, paths.KindSignals, config.RotateConfig{MaxRows: 1000, MaxSec: 300}, 10)
	sq, err := NewSQLite(sqliteCfg, layout.DeadletterPath())
	require.NoError(t, err)

	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()

	shared := testSignal(ts, "BTCUSDT")
	require.NoError(t, jsonl.Write(ctx, shared))
	require.NoError(t, sq.Write(ctx, shared))

	// JSONL gets a row SQLite never sees
	require.NoError(t, jsonl.Write(ctx, testSignal(ts+1000, "BTCUSDT")))

	// SQLite sees a diverged score for a shared key
	diverged := testSignal(ts+2000, "BTCUSDT")
	require.NoError(t, jsonl.Write(ctx, diverged))
	tweaked := *diverged
	tweaked.Score = 9.9
	require.NoError(t, sq.Write(ctx, &tweaked))

	require.NoError(t, jsonl.Close(ctx))
	require.NoError(t, sq.Close(ctx))

	rep, err := CheckParity(layout, sqliteCfg.Path, "run1")
	require.NoError(t, err)
	assert.False(t, rep.Clean)

	fields := make(map[string]bool)
	for _, d := range rep.Diffs {
		fields[d.Field] = true
	}
	assert.True(t, fields["presence"])
	assert.True(t, fields["score"])

	// the dropped row also pushes its minute past the count threshold
	require.Len(t, rep.ThresholdExceededMinutes, 1)
	assert.Equal(t, ts/60000*60000, rep.ThresholdExceededMinutes[0])
	require.NotEmpty(t, rep.TopMinuteDiffs)
	assert.Equal(t, 3, rep.TopMinuteDiffs[0].JSONLCount)
	assert.Equal(t, 2, rep.TopMinuteDiffs[0].SQLiteCount)
}

func TestDeadletterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed_batches.jsonl")
	d, err := NewDeadletter(path)
	require.NoError(t, err)

	batch := []*model.Signal{testSignal(1000, "BTCUSDT"), testSignal(2000, "ETHUSDT")}
	require.NoError(t, d.Spill(batch))
	require.NoError(t, d.Close())

	rows, skipped, err := ReadDeadletter(path)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, rows, 2)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, int64(2000), rows[1].TsMs)
}
