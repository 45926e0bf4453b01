package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// SchemaVersion is the signal schema this build emits.
const SchemaVersion = "v2"

// SignalType classifies the decision on a row.
type SignalType string

const (
	SignalBuy        SignalType = "buy"
	SignalStrongBuy  SignalType = "strong_buy"
	SignalSell       SignalType = "sell"
	SignalStrongSell SignalType = "strong_sell"
	SignalNeutral    SignalType = "neutral"
	SignalPending    SignalType = "pending"
)

// Direction returns +1 for buy-family types, -1 for sell-family, 0 otherwise.
func (t SignalType) Direction() int {
	switch t {
	case SignalBuy, SignalStrongBuy:
		return 1
	case SignalSell, SignalStrongSell:
		return -1
	default:
		return 0
	}
}

// SideHint is the suggested execution side.
type SideHint string

const (
	SideBuy  SideHint = "BUY"
	SideSell SideHint = "SELL"
	SideNone SideHint = "NONE"
)

// Direction returns +1 for BUY, -1 for SELL, 0 for NONE.
func (s SideHint) Direction() int {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Signal is the versioned (v2) decision record emitted by the core
// algorithm. One Signal per (run_id, symbol, ts_ms); SignalID is unique
// within a run.
type Signal struct {
	TsMs           int64             `json:"ts_ms" db:"ts_ms" parquet:"ts_ms"`
	RunID          string            `json:"run_id" db:"run_id" parquet:"run_id"`
	Symbol         string            `json:"symbol" db:"symbol" parquet:"symbol"`
	SignalID       string            `json:"signal_id" db:"signal_id" parquet:"signal_id"`
	SchemaVersion  string            `json:"schema_version" db:"schema_version" parquet:"schema_version"`
	Score          float64           `json:"score" db:"score" parquet:"score"`
	SignalType     SignalType        `json:"signal_type" parquet:"signal_type"`
	SideHint       SideHint          `json:"side_hint" db:"side_hint" parquet:"side_hint"`
	Confirm        bool              `json:"confirm" parquet:"confirm"`
	Gating         []string          `json:"gating" parquet:"gating,list"`
	Regime         Regime            `json:"regime" parquet:"regime"`
	Consistency    float64           `json:"consistency" parquet:"consistency"`
	ZOFI           float64           `json:"z_ofi" parquet:"z_ofi"`
	ZCVD           float64           `json:"z_cvd" parquet:"z_cvd"`
	SpreadBps      float64           `json:"spread_bps" parquet:"spread_bps"`
	LagSec         float64           `json:"lag_sec" parquet:"lag_sec"`
	MidPx          float64           `json:"mid_px" parquet:"mid_px"`
	CooldownMs     int64             `json:"cooldown_ms" db:"cooldown_ms" parquet:"cooldown_ms"`
	ExpiryMs       int64             `json:"expiry_ms" db:"expiry_ms" parquet:"expiry_ms"`
	DecisionCode   string            `json:"decision_code" db:"decision_code" parquet:"decision_code"`
	DecisionReason string            `json:"decision_reason" db:"decision_reason" parquet:"decision_reason"`
	GuardReason    string            `json:"guard_reason,omitempty" parquet:"guard_reason,optional"`
	QualityTier    QualityTier       `json:"quality_tier" parquet:"quality_tier"`
	QualityFlags   []string          `json:"quality_flags,omitempty" parquet:"quality_flags,list"`
	ConfigHash     string            `json:"config_hash" db:"config_hash" parquet:"config_hash"`
	Meta           map[string]string `json:"meta,omitempty" parquet:"-"`
}

// SignalIDFor builds the canonical signal identity string.
func SignalIDFor(runID, symbol string, tsMs, seq int64) string {
	return fmt.Sprintf("%s-%s-%d-%d", runID, symbol, tsMs, seq)
}

// HasGuard reports whether reason is present in the gating list.
func (s *Signal) HasGuard(reason string) bool {
	for _, g := range s.Gating {
		if g == reason {
			return true
		}
	}
	return false
}

// HasHardGuard reports whether any hard reason is present.
func (s *Signal) HasHardGuard() bool {
	for _, g := range s.Gating {
		if HardGuards[g] {
			return true
		}
	}
	return false
}

// Direction resolves the signal direction from type, then side hint.
func (s *Signal) Direction() int {
	if d := s.SignalType.Direction(); d != 0 {
		return d
	}
	return s.SideHint.Direction()
}

// CanonicalJSON renders the signal as a single deterministic JSON object:
// ts_ms first, all remaining keys sorted. This is the wire format for
// JSONL partitions; byte-identical output for identical signals.
func (s *Signal) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "ts_ms" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"ts_ms":`)
	buf.Write(fields["ts_ms"])
	for _, k := range keys {
		buf.WriteByte(',')
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RowKey identifies the signal for merge ordering and deduplication.
func (s *Signal) RowKey() (string, int64) { return s.Symbol, s.TsMs }
