package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"ofipipe/internal/model"
)

// Source streams events into out until exhaustion or cancellation. A
// source owns its transport and must close nothing it did not open.
type Source interface {
	Run(ctx context.Context, out chan<- model.Event) error
}

// FileSource replays JSONL event files in order. Malformed lines are
// counted and skipped.
type FileSource struct {
	files []string

	Read      int64
	Malformed int64
}

// NewFileSource streams the given files in argument order.
func NewFileSource(files ...string) *FileSource {
	return &FileSource{files: files}
}

// Run streams every file to completion.
func (s *FileSource) Run(ctx context.Context, out chan<- model.Event) error {
	for _, path := range s.files {
		if err := s.runFile(ctx, path, out); err != nil {
			return err
		}
	}
	log.Info().Int64("events", s.Read).Int64("malformed", s.Malformed).Msg("file source drained")
	return nil
}

func (s *FileSource) runFile(ctx context.Context, path string, out chan<- model.Event) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open events %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			s.Malformed++
			continue
		}
		select {
		case out <- ev:
			s.Read++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan events %s: %w", path, err)
	}
	return nil
}
