// Package paths resolves the on-disk layout shared by the live pipeline,
// the sinks, and the backtest reader. All partition components are derived
// from UTC or the configured rollover timezone, never local time.
package paths

import (
	"fmt"
	"path/filepath"
	"time"
)

// Partition kinds.
const (
	KindPrices    = "prices"
	KindOrderbook = "orderbook"
	KindTrades    = "trades"
	KindFeatures  = "features"
	KindSignal    = "signal"
	KindSignals   = "signals"
	KindPnlDaily  = "pnl_daily"
	KindExeclog   = "execlog"
)

// Layout resolves raw/preview/ready/artifacts roots under a base deploy dir.
type Layout struct {
	Base string // e.g. "deploy"
}

// NewLayout returns a layout rooted at base, defaulting to "deploy".
func NewLayout(base string) *Layout {
	if base == "" {
		base = "deploy"
	}
	return &Layout{Base: base}
}

// RawRoot is the raw partition tree root.
func (l *Layout) RawRoot() string {
	return filepath.Join(l.Base, "data", "ofi_cvd", "raw")
}

// PreviewRoot is the downsampled forward-compatible mirror root.
func (l *Layout) PreviewRoot() string {
	return filepath.Join(l.Base, "data", "ofi_cvd", "preview")
}

// ReadyRoot is the root of per-kind ready JSONL partitions.
func (l *Layout) ReadyRoot() string {
	return filepath.Join(l.Base, "data", "ofi_cvd", "ready")
}

// ArtifactsRoot holds run logs and manifests.
func (l *Layout) ArtifactsRoot() string {
	return filepath.Join(l.Base, "artifacts", "ofi_cvd")
}

// RawDir returns raw/date=YYYY-MM-DD/hour=HH/symbol=SYM/kind=KIND.
func (l *Layout) RawDir(t time.Time, symbol, kind string) string {
	t = t.UTC()
	return filepath.Join(l.RawRoot(),
		fmt.Sprintf("date=%s", t.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", t.Hour()),
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("kind=%s", kind))
}

// ReadyDir returns ready/{kind}/{symbol}/{YYYYMMDD}.
func (l *Layout) ReadyDir(kind, symbol string, t time.Time) string {
	return filepath.Join(l.ReadyRoot(), kind, symbol, t.UTC().Format("20060102"))
}

// ReadyFile returns the hour-partition file name for kind at t, with an
// optional rotation part index (part 0 omits the suffix).
func (l *Layout) ReadyFile(kind, symbol string, t time.Time, part int) string {
	stamp := t.UTC().Format("20060102T15")
	name := fmt.Sprintf("%s-%s.jsonl", kind, stamp)
	if part > 0 {
		name = fmt.Sprintf("%s-%s.part%03d.jsonl", kind, stamp, part)
	}
	return filepath.Join(l.ReadyDir(kind, symbol, t), name)
}

// RunManifestPath returns artifacts/.../run_logs/run_manifest_{run_id}.json.
func (l *Layout) RunManifestPath(runID string) string {
	return filepath.Join(l.ArtifactsRoot(), "run_logs", fmt.Sprintf("run_manifest_%s.json", runID))
}

// SourceManifestPath returns artifacts/.../source_manifest_{run_id}.json.
func (l *Layout) SourceManifestPath(runID string) string {
	return filepath.Join(l.ArtifactsRoot(), fmt.Sprintf("source_manifest_%s.json", runID))
}

// DeadletterPath is where failed SQLite batches are spilled for replay.
func (l *Layout) DeadletterPath() string {
	return filepath.Join(l.ArtifactsRoot(), "failed_batches.jsonl")
}
