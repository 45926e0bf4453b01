// Package manifest records what a run was: its config digest, inputs,
// code version, and output counters. Manifests are the audit trail that
// lets two runs be compared for reproducibility.
package manifest

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/paths"
)

// Manifest is the run record written to run_manifest_{run_id}.json.
type Manifest struct {
	RunID      string `json:"run_id"`
	Mode       string `json:"mode"` // run | backtest
	ConfigHash string `json:"config_hash"`
	GitCommit  string `json:"git_commit,omitempty"`
	Hostname   string `json:"hostname,omitempty"`

	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`

	Inputs          []string         `json:"inputs,omitempty"`
	DataFingerprint *DataFingerprint `json:"data_fingerprint,omitempty"`

	ShutdownOrder []string `json:"shutdown_order,omitempty"`
	Alerts        []string `json:"alerts,omitempty"`

	// free-form counters contributed by each stage
	Counters map[string]int64 `json:"counters,omitempty"`

	// per-stage stat blobs (reader, feeder, sinks)
	Stats map[string]json.RawMessage `json:"stats,omitempty"`

	Error string `json:"error,omitempty"`
}

// New starts a manifest for a run. Git and hostname lookups are best
// effort; a build outside a checkout simply omits them.
func New(runID, mode, configHash string) *Manifest {
	m := &Manifest{
		RunID:      runID,
		Mode:       mode,
		ConfigHash: configHash,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		Counters:   make(map[string]int64),
		Stats:      make(map[string]json.RawMessage),
	}
	if out, err := exec.Command("git", "rev-parse", "HEAD").Output(); err == nil {
		m.GitCommit = strings.TrimSpace(string(out))
	}
	if host, err := os.Hostname(); err == nil {
		m.Hostname = host
	}
	return m
}

// DataFingerprint summarizes the input data so two runs can be compared
// without rehashing content.
type DataFingerprint struct {
	Path       string `json:"path"`
	FileCount  int    `json:"file_count"`
	TotalSize  int64  `json:"total_size"`
	SHA1Prefix string `json:"sha1_prefix"`
}

// SetInputs records the input roots and their content fingerprint.
func (m *Manifest) SetInputs(inputs []string) {
	m.Inputs = inputs
	entries, total, err := fingerprintEntries(inputs)
	if err != nil {
		log.Warn().Err(err).Msg("input fingerprint failed")
		return
	}
	m.DataFingerprint = &DataFingerprint{
		Path:       strings.Join(inputs, ","),
		FileCount:  len(entries),
		TotalSize:  total,
		SHA1Prefix: hashEntries(entries)[:12],
	}
}

// Alert records a non-fatal condition worth surfacing in the manifest.
func (m *Manifest) Alert(msg string) {
	m.Alerts = append(m.Alerts, msg)
}

// SetShutdownOrder records the order components were drained and closed.
func (m *Manifest) SetShutdownOrder(order []string) {
	m.ShutdownOrder = order
}

// AddStat attaches one stage's stat struct under name.
func (m *Manifest) AddStat(name string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("stat", name).Msg("stat encode failed")
		return
	}
	m.Stats[name] = data
}

// Count adds n to a named counter.
func (m *Manifest) Count(name string, n int64) {
	m.Counters[name] += n
}

// Finish stamps the end time and the terminal error, if any.
func (m *Manifest) Finish(err error) {
	m.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		m.Error = err.Error()
	}
}

// Write stores the manifest atomically at its canonical path.
func (m *Manifest) Write(layout *paths.Layout) (string, error) {
	path := layout.RunManifestPath(m.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir run_logs: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("promote manifest: %w", err)
	}
	return path, nil
}

// SourceManifest describes where a run's events came from, kept separate
// from the run manifest so harvesters can rewrite it per source.
type SourceManifest struct {
	RunID     string   `json:"run_id"`
	Kind      string   `json:"kind"` // file | websocket
	Files     []string `json:"files,omitempty"`
	URL       string   `json:"url,omitempty"`
	Subscribe []string `json:"subscribe,omitempty"`
	WrittenAt string   `json:"written_at"`
}

// WriteSourceManifest stores the source record atomically at its canonical
// path.
func WriteSourceManifest(layout *paths.Layout, sm *SourceManifest) (string, error) {
	sm.WrittenAt = time.Now().UTC().Format(time.RFC3339)
	path := layout.SourceManifestPath(sm.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir artifacts: %w", err)
	}
	data, err := json.MarshalIndent(sm, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode source manifest: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write source manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("promote source manifest: %w", err)
	}
	return path, nil
}

// FingerprintInputs digests the name and size of every data file under the
// inputs, in sorted order. Content hashing would be exact but too slow on
// large trees; name+size catches partition drift, which is what run
// comparison needs.
func FingerprintInputs(inputs []string) (string, error) {
	entries, _, err := fingerprintEntries(inputs)
	if err != nil {
		return "", err
	}
	return hashEntries(entries), nil
}

func fingerprintEntries(inputs []string) ([]string, int64, error) {
	var entries []string
	var total int64
	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, 0, fmt.Errorf("stat %s: %w", input, err)
		}
		if !info.IsDir() {
			entries = append(entries, fmt.Sprintf("%s:%d", filepath.Base(input), info.Size()))
			total += info.Size()
			continue
		}
		err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(input, path)
			if err != nil {
				rel = path
			}
			entries = append(entries, fmt.Sprintf("%s:%d", filepath.ToSlash(rel), fi.Size()))
			total += fi.Size()
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("walk %s: %w", input, err)
		}
	}
	sort.Strings(entries)
	return entries, total, nil
}

func hashEntries(entries []string) string {
	h := sha1.New()
	for _, e := range entries {
		fmt.Fprintln(h, e)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
