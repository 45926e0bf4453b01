package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"ofipipe/internal/model"
)

// Deadletter spills batches that exhausted their retries to an append-only
// JSONL file so a later replay can reinsert them. One line per signal, in
// canonical form, so the replay path is the same decoder the backtest uses.
type Deadletter struct {
	path string
	f    *os.File

	Spilled int64
}

// NewDeadletter opens (or creates) the spill file in append mode.
func NewDeadletter(path string) (*Deadletter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir deadletter dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open deadletter: %w", err)
	}
	return &Deadletter{path: path, f: f}, nil
}

// Spill appends the failed batch. A spill failure is logged by the caller
// but never propagated: losing the deadletter must not stop the stream.
func (d *Deadletter) Spill(batch []*model.Signal) error {
	w := bufio.NewWriter(d.f)
	for _, sig := range batch {
		line, err := sig.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("encode deadletter row %s: %w", sig.SignalID, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write deadletter: %w", err)
		}
		d.Spilled++
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush deadletter: %w", err)
	}
	return d.f.Sync()
}

// Close flushes and closes the spill file.
func (d *Deadletter) Close() error {
	return d.f.Close()
}

// ReadDeadletter loads every spilled signal for replay. Malformed lines are
// skipped and counted rather than aborting the whole replay.
func ReadDeadletter(path string) ([]*model.Signal, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open deadletter: %w", err)
	}
	defer f.Close()

	var out []*model.Signal
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var sig model.Signal
		if err := json.Unmarshal(sc.Bytes(), &sig); err != nil {
			skipped++
			continue
		}
		out = append(out, &sig)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("scan deadletter: %w", err)
	}
	return out, skipped, nil
}
