package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	_ "modernc.org/sqlite"

	"ofipipe/internal/config"
	"ofipipe/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS signals (
	run_id          TEXT    NOT NULL,
	ts_ms           INTEGER NOT NULL,
	symbol          TEXT    NOT NULL,
	signal_id       TEXT    NOT NULL,
	schema_version  TEXT    NOT NULL,
	side_hint       TEXT    NOT NULL,
	score           REAL    NOT NULL,
	gating          INTEGER NOT NULL,
	confirm         INTEGER NOT NULL,
	cooldown_ms     INTEGER NOT NULL,
	expiry_ms       INTEGER NOT NULL,
	decision_code   TEXT    NOT NULL,
	decision_reason TEXT    NOT NULL,
	config_hash     TEXT    NOT NULL,
	meta            TEXT    NOT NULL,
	PRIMARY KEY (run_id, ts_ms, symbol)
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts_ms);
CREATE INDEX IF NOT EXISTS idx_signals_run ON signals(run_id);
`

const sqliteInsert = `
INSERT OR REPLACE INTO signals (
	run_id, ts_ms, symbol, signal_id, schema_version, side_hint, score,
	gating, confirm, cooldown_ms, expiry_ms, decision_code, decision_reason,
	config_hash, meta
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// signalMeta is the structured remainder of the row, stored as JSON in the
// meta column. Fields not promoted to their own column live here.
type signalMeta struct {
	SignalType   model.SignalType  `json:"signal_type"`
	Gating       []string          `json:"gating"`
	Regime       model.Regime      `json:"regime"`
	Consistency  float64           `json:"consistency"`
	ZOFI         float64           `json:"z_ofi"`
	ZCVD         float64           `json:"z_cvd"`
	SpreadBps    float64           `json:"spread_bps"`
	LagSec       float64           `json:"lag_sec"`
	MidPx        float64           `json:"mid_px"`
	GuardReason  string            `json:"guard_reason,omitempty"`
	QualityTier  model.QualityTier `json:"quality_tier"`
	QualityFlags []string          `json:"quality_flags,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`
}

// SQLiteSink mirrors signals into a local SQLite database in batches.
// Batches retry with backoff behind a circuit breaker; a batch that
// exhausts its retries is spilled to the deadletter and the stream moves
// on. SQLite is the secondary sink and must never stall JSONL.
type SQLiteSink struct {
	db      *sqlx.DB
	cfg     config.SqliteConfig
	breaker *gobreaker.CircuitBreaker
	dead    *Deadletter

	mu    sync.Mutex
	batch []*model.Signal

	stop chan struct{}
	done chan struct{}

	Written    int64
	Batches    int64
	Deadletter int64
}

// NewSQLite opens the database, applies WAL mode and the schema, and starts
// the background flusher.
func NewSQLite(cfg config.SqliteConfig, deadletterPath string) (*SQLiteSink, error) {
	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// a single writer keeps SQLITE_BUSY out of the hot path
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	dead, err := NewDeadletter(deadletterPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteSink{
		db:   db,
		cfg:  cfg,
		dead: dead,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "sqlite-sink",
			MaxRequests: 1,
			Timeout:     5 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("sqlite breaker state change")
			},
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Write buffers the signal, flushing when the batch fills.
func (s *SQLiteSink) Write(ctx context.Context, sig *model.Signal) error {
	s.mu.Lock()
	s.batch = append(s.batch, sig)
	full := len(s.batch) >= s.cfg.BatchN
	s.mu.Unlock()
	if full {
		s.Flush(ctx)
	}
	return nil
}

// Flush drains the current batch. Insert errors never propagate to the
// caller; the failed batch goes to the deadletter.
func (s *SQLiteSink) Flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.insertWithRetry(ctx, batch)
	})
	if err != nil {
		s.Deadletter += int64(len(batch))
		if derr := s.dead.Spill(batch); derr != nil {
			log.Error().Err(derr).Int("rows", len(batch)).Msg("deadletter spill failed, rows lost")
			return
		}
		log.Warn().Err(err).Int("rows", len(batch)).Msg("sqlite batch spilled to deadletter")
		return
	}
	s.Written += int64(len(batch))
	s.Batches++
}

func (s *SQLiteSink) insertWithRetry(ctx context.Context, batch []*model.Signal) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if lastErr = s.insertBatch(ctx, batch); lastErr == nil {
			return nil
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("sqlite insert failed")
	}
	return lastErr
}

func (s *SQLiteSink) insertBatch(ctx context.Context, batch []*model.Signal) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, sqliteInsert)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, sig := range batch {
		meta, err := encodeMeta(sig)
		if err != nil {
			return err
		}
		confirm := 0
		if sig.Confirm {
			confirm = 1
		}
		if _, err := stmt.ExecContext(ctx,
			sig.RunID, sig.TsMs, sig.Symbol, sig.SignalID, sig.SchemaVersion,
			string(sig.SideHint), sig.Score, len(sig.Gating), confirm,
			sig.CooldownMs, sig.ExpiryMs, sig.DecisionCode, sig.DecisionReason,
			sig.ConfigHash, meta,
		); err != nil {
			return fmt.Errorf("insert %s: %w", sig.SignalID, err)
		}
	}
	return tx.Commit()
}

func encodeMeta(sig *model.Signal) (string, error) {
	m := signalMeta{
		SignalType:   sig.SignalType,
		Gating:       sig.Gating,
		Regime:       sig.Regime,
		Consistency:  sig.Consistency,
		ZOFI:         sig.ZOFI,
		ZCVD:         sig.ZCVD,
		SpreadBps:    sig.SpreadBps,
		LagSec:       sig.LagSec,
		MidPx:        sig.MidPx,
		GuardReason:  sig.GuardReason,
		QualityTier:  sig.QualityTier,
		QualityFlags: sig.QualityFlags,
		Extras:       sig.Meta,
	}
	if m.Gating == nil {
		m.Gating = []string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode meta for %s: %w", sig.SignalID, err)
	}
	return string(data), nil
}

func (s *SQLiteSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.cfg.FlushMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Close drains the buffer, checkpoints the WAL, and closes the database.
func (s *SQLiteSink) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	s.Flush(ctx)

	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := s.dead.Close(); err != nil {
		log.Warn().Err(err).Msg("deadletter close failed")
	}
	return s.db.Close()
}

// ReplayDeadletter reinserts spilled batches from path, removing nothing;
// the operator truncates the file after a clean replay.
func (s *SQLiteSink) ReplayDeadletter(ctx context.Context, path string) (int, int, error) {
	rows, skipped, err := ReadDeadletter(path)
	if err != nil {
		return 0, 0, err
	}
	for start := 0; start < len(rows); start += s.cfg.BatchN {
		end := start + s.cfg.BatchN
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertBatch(ctx, rows[start:end]); err != nil {
			return start, skipped, fmt.Errorf("replay batch at row %d: %w", start, err)
		}
	}
	return len(rows), skipped, nil
}
