package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
	"ofipipe/internal/paths"
)

// partFile is one in-progress JSONL partition. Data is written to a .tmp
// path and promoted by rename on rotation, so a crash mid-write never
// leaves a half-written visible file.
type partFile struct {
	f          *os.File
	tmpPath    string
	finalPath  string
	hourStamp  string
	minute     int64
	part       int
	rows       int
	sinceSync  int
	openedAtTs int64 // row time of first write, ms
}

// JSONLSink appends newline-terminated canonical JSON to hour-partitioned
// files under ready/{kind}/{symbol}/{YYYYMMDD}/. Rotation happens on
// minute and hour boundaries and additionally on row-count and elapsed
// caps; every rotation is an atomic tmp -> final rename.
type JSONLSink struct {
	layout      *paths.Layout
	kind        string
	rotate      config.RotateConfig
	fsyncEveryN int

	files     map[string]*partFile // keyed by symbol
	partIndex map[string]int       // next part number per kind+symbol+hour

	// counters for telemetry and the run manifest
	Written int64
	Rotated int64
}

// NewJSONL builds the signal JSONL sink.
func NewJSONL(layout *paths.Layout, kind string, rotate config.RotateConfig, fsyncEveryN int) *JSONLSink {
	return &JSONLSink{
		layout:      layout,
		kind:        kind,
		rotate:      rotate,
		fsyncEveryN: fsyncEveryN,
		files:       make(map[string]*partFile),
		partIndex:   make(map[string]int),
	}
}

// Write appends one signal to its symbol partition.
func (s *JSONLSink) Write(ctx context.Context, sig *model.Signal) error {
	line, err := sig.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("canonicalize signal %s: %w", sig.SignalID, err)
	}
	return s.WriteLine(sig.Symbol, sig.TsMs, line)
}

// WriteLine appends one pre-encoded line for symbol at row time tsMs.
// Exposed so the feature and execlog writers share rotation behavior.
func (s *JSONLSink) WriteLine(symbol string, tsMs int64, line []byte) error {
	pf, err := s.fileFor(symbol, tsMs)
	if err != nil {
		return err
	}
	if _, err := pf.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", pf.tmpPath, err)
	}
	pf.rows++
	pf.sinceSync++
	s.Written++
	if s.fsyncEveryN > 0 && pf.sinceSync >= s.fsyncEveryN {
		if err := pf.f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", pf.tmpPath, err)
		}
		pf.sinceSync = 0
	}
	return nil
}

func (s *JSONLSink) fileFor(symbol string, tsMs int64) (*partFile, error) {
	t := time.UnixMilli(tsMs).UTC()
	hourStamp := t.Format("20060102T15")
	minute := tsMs / 60000

	pf := s.files[symbol]
	if pf != nil && s.needsRotation(pf, hourStamp, minute, tsMs) {
		if err := s.promote(symbol, pf); err != nil {
			return nil, err
		}
		pf = nil
	}
	if pf == nil {
		var err error
		pf, err = s.open(symbol, t, hourStamp, minute, tsMs)
		if err != nil {
			return nil, err
		}
		s.files[symbol] = pf
	}
	return pf, nil
}

func (s *JSONLSink) needsRotation(pf *partFile, hourStamp string, minute, tsMs int64) bool {
	if pf.hourStamp != hourStamp {
		return true
	}
	if pf.minute != minute {
		return true
	}
	if s.rotate.MaxRows > 0 && pf.rows >= s.rotate.MaxRows {
		return true
	}
	if s.rotate.MaxSec > 0 && tsMs-pf.openedAtTs >= s.rotate.MaxSec*1000 {
		return true
	}
	return false
}

func (s *JSONLSink) open(symbol string, t time.Time, hourStamp string, minute, tsMs int64) (*partFile, error) {
	prev := s.partIndex[s.kind+symbol+hourStamp]
	finalPath := s.layout.ReadyFile(s.kind, symbol, t, prev)
	s.partIndex[s.kind+symbol+hourStamp] = prev + 1

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir partition: %w", err)
	}
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}
	return &partFile{
		f:          f,
		tmpPath:    tmpPath,
		finalPath:  finalPath,
		hourStamp:  hourStamp,
		minute:     minute,
		part:       prev,
		openedAtTs: tsMs,
	}, nil
}

// promote closes the part and renames tmp -> final atomically.
func (s *JSONLSink) promote(symbol string, pf *partFile) error {
	if err := pf.f.Sync(); err != nil {
		pf.f.Close()
		return fmt.Errorf("fsync on rotate %s: %w", pf.tmpPath, err)
	}
	if err := pf.f.Close(); err != nil {
		return fmt.Errorf("close on rotate %s: %w", pf.tmpPath, err)
	}
	if err := os.Rename(pf.tmpPath, pf.finalPath); err != nil {
		return fmt.Errorf("promote %s: %w", pf.tmpPath, err)
	}
	s.Rotated++
	delete(s.files, symbol)
	log.Debug().Str("file", pf.finalPath).Int("rows", pf.rows).Msg("partition rotated")
	return nil
}

// Close promotes every open partition. Safe to call once per sink.
func (s *JSONLSink) Close(ctx context.Context) error {
	var firstErr error
	for symbol, pf := range s.files {
		if err := s.promote(symbol, pf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
