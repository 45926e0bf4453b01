package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

// scoreTolerance bounds acceptable float drift between the two sinks.
// Both sides serialize the same in-memory value, so any larger gap means
// a real divergence, not rounding.
const scoreTolerance = 1e-9

// parityThreshold caps the tolerated per-minute row-count divergence
// between the two sinks: |jsonl - sqlite| / max must stay at or below it.
const parityThreshold = 0.002

// topMinuteDiffs caps how many of the worst minutes the report lists.
const topMinuteDiffs = 10

// ParityDiff is one disagreement between the JSONL and SQLite views of a
// signal, or a row present on only one side.
type ParityDiff struct {
	RunID  string `json:"run_id"`
	TsMs   int64  `json:"ts_ms"`
	Symbol string `json:"symbol"`
	Field  string `json:"field"`
	JSONL  string `json:"jsonl"`
	SQLite string `json:"sqlite"`
}

// MinuteDiff is the per-minute row-count comparison between the two sinks.
type MinuteDiff struct {
	MinuteTs    int64   `json:"minute_ts"`
	JSONLCount  int     `json:"jsonl_count"`
	SQLiteCount int     `json:"sqlite_count"`
	DiffRatio   float64 `json:"diff_ratio"`
}

// WindowAlignment describes the minute window both sinks were compared
// over and the divergence threshold applied per minute.
type WindowAlignment struct {
	FirstMinuteTs int64   `json:"first_minute_ts"`
	LastMinuteTs  int64   `json:"last_minute_ts"`
	Minutes       int     `json:"minutes"`
	Threshold     float64 `json:"threshold"`
}

// ParityReport summarizes a parity check between the two sinks.
type ParityReport struct {
	RunID                    string          `json:"run_id"`
	JSONLRows                int             `json:"jsonl_rows"`
	SQLiteRows               int             `json:"sqlite_rows"`
	WindowAlignment          WindowAlignment `json:"window_alignment"`
	TopMinuteDiffs           []MinuteDiff    `json:"top_minute_diffs"`
	ThresholdExceededMinutes []int64         `json:"threshold_exceeded_minutes"`
	Diffs                    []ParityDiff    `json:"diffs"`
	Clean                    bool            `json:"clean"`
}

type sqliteRow struct {
	RunID         string  `db:"run_id"`
	TsMs          int64   `db:"ts_ms"`
	Symbol        string  `db:"symbol"`
	SignalID      string  `db:"signal_id"`
	SchemaVersion string  `db:"schema_version"`
	SideHint      string  `db:"side_hint"`
	Score         float64 `db:"score"`
	Gating        int     `db:"gating"`
	Confirm       int     `db:"confirm"`
	CooldownMs    int64   `db:"cooldown_ms"`
	ExpiryMs      int64   `db:"expiry_ms"`
	DecisionCode  string  `db:"decision_code"`
	ConfigHash    string  `db:"config_hash"`
	Meta          string  `db:"meta"`
}

type parityKey struct {
	tsMs   int64
	symbol string
}

// CheckParity loads a run's signals from the JSONL ready tree and from the
// SQLite database and reports every field-level disagreement.
func CheckParity(layout *paths.Layout, sqlitePath, runID string) (*ParityReport, error) {
	jsonlRows, err := loadJSONLSignals(layout, runID)
	if err != nil {
		return nil, err
	}
	dbRows, err := loadSQLiteSignals(sqlitePath, runID)
	if err != nil {
		return nil, err
	}

	rep := &ParityReport{
		RunID:      runID,
		JSONLRows:  len(jsonlRows),
		SQLiteRows: len(dbRows),
		Diffs:      []ParityDiff{},
	}

	for key, sig := range jsonlRows {
		row, ok := dbRows[key]
		if !ok {
			rep.add(runID, key, "presence", sig.SignalID, "")
			continue
		}
		rep.compare(runID, key, sig, row)
	}
	for key, row := range dbRows {
		if _, ok := jsonlRows[key]; !ok {
			rep.add(runID, key, "presence", "", row.SignalID)
		}
	}

	sort.Slice(rep.Diffs, func(i, j int) bool {
		a, b := rep.Diffs[i], rep.Diffs[j]
		if a.TsMs != b.TsMs {
			return a.TsMs < b.TsMs
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Field < b.Field
	})
	rep.compareMinutes(jsonlRows, dbRows)
	rep.Clean = len(rep.Diffs) == 0 && len(rep.ThresholdExceededMinutes) == 0
	return rep, nil
}

// compareMinutes buckets both sides at minute granularity and flags every
// minute whose row-count divergence exceeds the parity threshold.
func (r *ParityReport) compareMinutes(jsonlRows map[parityKey]*model.Signal, dbRows map[parityKey]*sqliteRow) {
	jsonlPerMin := make(map[int64]int)
	dbPerMin := make(map[int64]int)
	for key := range jsonlRows {
		jsonlPerMin[minuteTs(key.tsMs)]++
	}
	for key := range dbRows {
		dbPerMin[minuteTs(key.tsMs)]++
	}

	minutes := make(map[int64]bool, len(jsonlPerMin))
	for m := range jsonlPerMin {
		minutes[m] = true
	}
	for m := range dbPerMin {
		minutes[m] = true
	}

	r.TopMinuteDiffs = []MinuteDiff{}
	r.ThresholdExceededMinutes = []int64{}
	r.WindowAlignment = WindowAlignment{Threshold: parityThreshold}

	diffs := make([]MinuteDiff, 0, len(minutes))
	for m := range minutes {
		a, b := jsonlPerMin[m], dbPerMin[m]
		ratio := 0.0
		if bigger := max(a, b); bigger > 0 {
			ratio = math.Abs(float64(a-b)) / float64(bigger)
		}
		diffs = append(diffs, MinuteDiff{MinuteTs: m, JSONLCount: a, SQLiteCount: b, DiffRatio: ratio})
		if ratio > parityThreshold {
			r.ThresholdExceededMinutes = append(r.ThresholdExceededMinutes, m)
		}
		if r.WindowAlignment.Minutes == 0 || m < r.WindowAlignment.FirstMinuteTs {
			r.WindowAlignment.FirstMinuteTs = m
		}
		if m > r.WindowAlignment.LastMinuteTs {
			r.WindowAlignment.LastMinuteTs = m
		}
		r.WindowAlignment.Minutes++
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].DiffRatio != diffs[j].DiffRatio {
			return diffs[i].DiffRatio > diffs[j].DiffRatio
		}
		return diffs[i].MinuteTs < diffs[j].MinuteTs
	})
	for _, d := range diffs {
		if d.DiffRatio == 0 || len(r.TopMinuteDiffs) == topMinuteDiffs {
			break
		}
		r.TopMinuteDiffs = append(r.TopMinuteDiffs, d)
	}
	sort.Slice(r.ThresholdExceededMinutes, func(i, j int) bool {
		return r.ThresholdExceededMinutes[i] < r.ThresholdExceededMinutes[j]
	})
}

func minuteTs(tsMs int64) int64 { return tsMs / 60000 * 60000 }

func (r *ParityReport) add(runID string, key parityKey, field, jsonl, sqlite string) {
	r.Diffs = append(r.Diffs, ParityDiff{
		RunID: runID, TsMs: key.tsMs, Symbol: key.symbol,
		Field: field, JSONL: jsonl, SQLite: sqlite,
	})
}

func (r *ParityReport) compare(runID string, key parityKey, sig *model.Signal, row *sqliteRow) {
	if sig.SignalID != row.SignalID {
		r.add(runID, key, "signal_id", sig.SignalID, row.SignalID)
	}
	if sig.SchemaVersion != row.SchemaVersion {
		r.add(runID, key, "schema_version", sig.SchemaVersion, row.SchemaVersion)
	}
	if string(sig.SideHint) != row.SideHint {
		r.add(runID, key, "side_hint", string(sig.SideHint), row.SideHint)
	}
	if math.Abs(sig.Score-row.Score) > scoreTolerance {
		r.add(runID, key, "score", fmt.Sprintf("%v", sig.Score), fmt.Sprintf("%v", row.Score))
	}
	if len(sig.Gating) != row.Gating {
		r.add(runID, key, "gating", fmt.Sprintf("%d", len(sig.Gating)), fmt.Sprintf("%d", row.Gating))
	}
	confirm := 0
	if sig.Confirm {
		confirm = 1
	}
	if confirm != row.Confirm {
		r.add(runID, key, "confirm", fmt.Sprintf("%d", confirm), fmt.Sprintf("%d", row.Confirm))
	}
	if sig.CooldownMs != row.CooldownMs {
		r.add(runID, key, "cooldown_ms", fmt.Sprintf("%d", sig.CooldownMs), fmt.Sprintf("%d", row.CooldownMs))
	}
	if sig.ExpiryMs != row.ExpiryMs {
		r.add(runID, key, "expiry_ms", fmt.Sprintf("%d", sig.ExpiryMs), fmt.Sprintf("%d", row.ExpiryMs))
	}
	if sig.DecisionCode != row.DecisionCode {
		r.add(runID, key, "decision_code", sig.DecisionCode, row.DecisionCode)
	}
	if sig.ConfigHash != row.ConfigHash {
		r.add(runID, key, "config_hash", sig.ConfigHash, row.ConfigHash)
	}

	var m signalMeta
	if err := json.Unmarshal([]byte(row.Meta), &m); err != nil {
		r.add(runID, key, "meta", "parseable", err.Error())
		return
	}
	if sig.SignalType != m.SignalType {
		r.add(runID, key, "signal_type", string(sig.SignalType), string(m.SignalType))
	}
	if strings.Join(sig.Gating, ",") != strings.Join(m.Gating, ",") {
		r.add(runID, key, "gating_list", strings.Join(sig.Gating, ","), strings.Join(m.Gating, ","))
	}
}

func loadJSONLSignals(layout *paths.Layout, runID string) (map[parityKey]*model.Signal, error) {
	out := make(map[parityKey]*model.Signal)
	root := filepath.Join(layout.ReadyRoot(), paths.KindSignals)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var sig model.Signal
			if err := json.Unmarshal(sc.Bytes(), &sig); err != nil {
				continue
			}
			if sig.RunID != runID {
				continue
			}
			out[parityKey{sig.TsMs, sig.Symbol}] = &sig
		}
		return sc.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("walk ready tree: %w", err)
	}
	return out, nil
}

func loadSQLiteSignals(path, runID string) (map[parityKey]*sqliteRow, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	defer db.Close()

	var rows []sqliteRow
	q := `SELECT run_id, ts_ms, symbol, signal_id, schema_version, side_hint,
		score, gating, confirm, cooldown_ms, expiry_ms, decision_code,
		config_hash, meta FROM signals WHERE run_id = ?`
	if err := db.Select(&rows, q, runID); err != nil {
		return nil, fmt.Errorf("select signals: %w", err)
	}
	out := make(map[parityKey]*sqliteRow, len(rows))
	for i := range rows {
		r := &rows[i]
		out[parityKey{r.TsMs, r.Symbol}] = r
	}
	return out, nil
}

// WriteParityReport stores the report as parity_diff.json under artifacts.
func WriteParityReport(layout *paths.Layout, rep *ParityReport) (string, error) {
	path := filepath.Join(layout.ArtifactsRoot(), fmt.Sprintf("parity_diff_%s.json", rep.RunID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir artifacts: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode parity report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write parity report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("promote parity report: %w", err)
	}
	return path, nil
}
