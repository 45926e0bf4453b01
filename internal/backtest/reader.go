// Package backtest replays recorded feature rows through the live decision
// path and simulates executions against them. Determinism is the contract:
// the same inputs, config, and run id produce byte-identical artifacts.
package backtest

import (
	"bufio"
	"container/heap"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog/log"

	"ofipipe/internal/model"
)

// source ranks. Ready rows win over preview rows at the same key.
const (
	rankReady   = 0
	rankPreview = 1
)

// ReaderStats summarizes one read pass for the run manifest.
type ReaderStats struct {
	FilesJSONL   int   `json:"files_jsonl"`
	FilesParquet int   `json:"files_parquet"`
	Rows         int64 `json:"rows"`
	Malformed    int64 `json:"malformed"`
	Deduped      int64 `json:"deduped"`
	Filtered     int64 `json:"filtered"`
}

// Reader merges feature rows from JSONL and parquet files into one stream
// ordered by (ts_ms, symbol). Files are assumed internally time-sorted, as
// the writers guarantee; across files a k-way heap merge restores global
// order. Duplicate (symbol, ts_ms) keys keep the first occurrence, which
// by rank ordering is the ready-tree row.
type Reader struct {
	symbols map[string]bool
	fromMs  int64
	toMs    int64

	cursors mergeHeap
	lastKey rowKey
	primed  bool

	Stats ReaderStats
}

type rowKey struct {
	tsMs   int64
	symbol string
}

// NewReader builds a reader filtered to symbols (empty = all) and the
// half-open window [fromMs, toMs) (zero = unbounded).
func NewReader(symbols []string, fromMs, toMs int64) *Reader {
	var set map[string]bool
	if len(symbols) > 0 {
		set = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			set[s] = true
		}
	}
	return &Reader{symbols: set, fromMs: fromMs, toMs: toMs}
}

// Open discovers data files under each input, which may be a single file,
// a flat directory of files, or a partition tree containing ready and
// preview branches.
func (r *Reader) Open(inputs ...string) error {
	for _, input := range inputs {
		files, err := discover(input)
		if err != nil {
			return err
		}
		for _, df := range files {
			cur, err := r.openCursor(df)
			if err != nil {
				return err
			}
			if cur == nil {
				continue
			}
			r.cursors = append(r.cursors, cur)
		}
	}
	if len(r.cursors) == 0 {
		return fmt.Errorf("no data files found under %s", strings.Join(inputs, ", "))
	}
	heap.Init(&r.cursors)
	r.primed = true
	log.Info().Int("jsonl", r.Stats.FilesJSONL).Int("parquet", r.Stats.FilesParquet).
		Msg("backtest inputs opened")
	return nil
}

type dataFile struct {
	path string
	rank int
}

func discover(input string) ([]dataFile, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("stat input %s: %w", input, err)
	}
	if !info.IsDir() {
		return []dataFile{{path: input, rank: rankFor(input)}}, nil
	}
	var files []dataFile
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := filepath.Ext(path)
		if ext != ".jsonl" && ext != ".parquet" {
			return nil
		}
		files = append(files, dataFile{path: path, rank: rankFor(path)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input %s: %w", input, err)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].rank != files[j].rank {
			return files[i].rank < files[j].rank
		}
		return files[i].path < files[j].path
	})
	return files, nil
}

func rankFor(path string) int {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "preview" {
			return rankPreview
		}
	}
	return rankReady
}

func (r *Reader) openCursor(df dataFile) (*cursor, error) {
	var rows []model.AlignedFeatureRow
	switch filepath.Ext(df.path) {
	case ".parquet":
		parsed, err := parquet.ReadFile[model.AlignedFeatureRow](df.path)
		if err != nil {
			return nil, fmt.Errorf("read parquet %s: %w", df.path, err)
		}
		rows = parsed
		r.Stats.FilesParquet++
	default:
		parsed, malformed, err := readJSONLRows(df.path)
		if err != nil {
			return nil, err
		}
		rows = parsed
		r.Stats.Malformed += malformed
		r.Stats.FilesJSONL++
	}

	kept := rows[:0]
	for i := range rows {
		if r.keep(&rows[i]) {
			kept = append(kept, rows[i])
		} else {
			r.Stats.Filtered++
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return &cursor{rows: kept, rank: df.rank}, nil
}

func (r *Reader) keep(row *model.AlignedFeatureRow) bool {
	if r.symbols != nil && !r.symbols[row.Symbol] {
		return false
	}
	if r.fromMs > 0 && row.TsMs < r.fromMs {
		return false
	}
	if r.toMs > 0 && row.TsMs >= r.toMs {
		return false
	}
	return true
}

func readJSONLRows(path string) ([]model.AlignedFeatureRow, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows []model.AlignedFeatureRow
	var malformed int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var row model.AlignedFeatureRow
		if err := json.Unmarshal(line, &row); err != nil || row.Symbol == "" || row.TsMs <= 0 {
			malformed++
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, malformed, fmt.Errorf("scan %s: %w", path, err)
	}
	return rows, malformed, nil
}

// Next returns rows in (ts_ms, symbol) order, nil at end of stream.
func (r *Reader) Next() *model.AlignedFeatureRow {
	for r.primed && len(r.cursors) > 0 {
		cur := r.cursors[0]
		row := cur.peek()
		cur.advance()
		if cur.done() {
			heap.Pop(&r.cursors)
		} else {
			heap.Fix(&r.cursors, 0)
		}

		key := rowKey{row.TsMs, row.Symbol}
		if r.Stats.Rows > 0 && key == r.lastKey {
			r.Stats.Deduped++
			continue
		}
		r.lastKey = key
		r.Stats.Rows++
		return row
	}
	return nil
}

type cursor struct {
	rows []model.AlignedFeatureRow
	pos  int
	rank int
}

func (c *cursor) peek() *model.AlignedFeatureRow { return &c.rows[c.pos] }
func (c *cursor) advance()                       { c.pos++ }
func (c *cursor) done() bool                     { return c.pos >= len(c.rows) }

type mergeHeap []*cursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].peek(), h[j].peek()
	if a.TsMs != b.TsMs {
		return a.TsMs < b.TsMs
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return h[i].rank < h[j].rank
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*cursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
