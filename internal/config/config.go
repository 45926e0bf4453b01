// Package config loads, merges, and validates the pipeline configuration.
// Configuration is read once at startup: YAML file first, then environment
// overrides, then validation. Validation failures are fatal before any
// stream is opened; nothing revalidates mid-run.
package config

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the merged, immutable runtime configuration.
type Config struct {
	Backtest      BacktestConfig      `yaml:"backtest" json:"backtest"`
	Signal        SignalConfig        `yaml:"signal" json:"signal"`
	Components    ComponentsConfig    `yaml:"components" json:"components"`
	FeeMakerTaker FeeMakerTakerConfig `yaml:"fee_maker_taker" json:"fee_maker_taker"`
	Align         AlignConfig         `yaml:"align" json:"align"`
	Rotate        RotateConfig        `yaml:"rotate" json:"rotate"`
	Sqlite        SqliteConfig        `yaml:"sqlite" json:"sqlite"`
	Timeseries    TimeseriesConfig    `yaml:"timeseries" json:"timeseries"`

	FsyncEveryN int    `yaml:"fsync_every_n" json:"fsync_every_n"`
	RunID       string `yaml:"run_id" json:"run_id"`
	Sink        string `yaml:"sink" json:"sink"`             // jsonl | sqlite | dual
	InputMode   string `yaml:"input_mode" json:"input_mode"` // raw | preview
	ReplayMode  bool   `yaml:"replay_mode" json:"replay_mode"`
	BaseDir     string `yaml:"base_dir" json:"base_dir"`

	ShutdownGraceSec int `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec"`
}

// BacktestConfig drives the trade simulator and PnL attribution.
type BacktestConfig struct {
	TakerFeeBps            float64 `yaml:"taker_fee_bps" json:"taker_fee_bps"`
	SlippageBps            float64 `yaml:"slippage_bps" json:"slippage_bps"`
	NotionalPerTrade       float64 `yaml:"notional_per_trade" json:"notional_per_trade"`
	ReverseOnSignal        bool    `yaml:"reverse_on_signal" json:"reverse_on_signal"`
	TakeProfitBps          float64 `yaml:"take_profit_bps" json:"take_profit_bps"`
	StopLossBps            float64 `yaml:"stop_loss_bps" json:"stop_loss_bps"`
	MinHoldTimeSec         float64 `yaml:"min_hold_time_sec" json:"min_hold_time_sec"`
	MaxHoldTimeSec         float64 `yaml:"max_hold_time_sec" json:"max_hold_time_sec"`
	IgnoreGatingInBacktest bool    `yaml:"ignore_gating_in_backtest" json:"ignore_gating_in_backtest"`
	RolloverTimezone       string  `yaml:"rollover_timezone" json:"rollover_timezone"`
	RolloverHour           int     `yaml:"rollover_hour" json:"rollover_hour"`
	SlippageModel          string  `yaml:"slippage_model" json:"slippage_model"` // static | linear | piecewise
	FeeModel               string  `yaml:"fee_model" json:"fee_model"`           // taker_static | tiered | maker_taker

	// linear model: slippage_bps * (1 + qty/linear_ref_qty)
	LinearRefQty float64 `yaml:"linear_ref_qty" json:"linear_ref_qty"`
	// piecewise model: sorted (max_qty, bps) steps; last step is open-ended
	PiecewiseSteps []SlippageStep `yaml:"piecewise_steps" json:"piecewise_steps"`
	// tiered fee model: sorted (min_notional, bps) tiers
	FeeTiers []FeeTier `yaml:"fee_tiers" json:"fee_tiers"`
}

// SlippageStep is one piecewise slippage table entry.
type SlippageStep struct {
	MaxQty float64 `yaml:"max_qty" json:"max_qty"`
	Bps    float64 `yaml:"bps" json:"bps"`
}

// FeeTier is one tiered fee schedule entry.
type FeeTier struct {
	MinNotional float64 `yaml:"min_notional" json:"min_notional"`
	Bps         float64 `yaml:"bps" json:"bps"`
}

// ThresholdSet holds the per-regime decision thresholds. Sell thresholds
// are negative scores.
type ThresholdSet struct {
	Buy        float64 `yaml:"buy" json:"buy"`
	StrongBuy  float64 `yaml:"strong_buy" json:"strong_buy"`
	Sell       float64 `yaml:"sell" json:"sell"`
	StrongSell float64 `yaml:"strong_sell" json:"strong_sell"`
}

// SignalConfig drives the gating and confirm state machine.
type SignalConfig struct {
	WeakSignalThreshold   float64                 `yaml:"weak_signal_threshold" json:"weak_signal_threshold"`
	ConsistencyMin        float64                 `yaml:"consistency_min" json:"consistency_min"`
	SpreadBpsCap          float64                 `yaml:"spread_bps_cap" json:"spread_bps_cap"`
	LagCapSec             float64                 `yaml:"lag_cap_sec" json:"lag_cap_sec"`
	DedupeMs              int64                   `yaml:"dedupe_ms" json:"dedupe_ms"`
	MinConsecutiveSameDir int                     `yaml:"min_consecutive_same_dir" json:"min_consecutive_same_dir"`
	AdaptiveCooldownK     float64                 `yaml:"adaptive_cooldown_k" json:"adaptive_cooldown_k"`
	BaseCooldownMs        int64                   `yaml:"base_cooldown_ms" json:"base_cooldown_ms"`
	Thresholds            map[string]ThresholdSet `yaml:"thresholds" json:"thresholds"`
	MinAbsScoreForSide    float64                 `yaml:"min_abs_score_for_side" json:"min_abs_score_for_side"`
	ExpiryMs              int64                   `yaml:"expiry_ms" json:"expiry_ms"`
	RecomputeFusion       bool                    `yaml:"recompute_fusion" json:"recompute_fusion"`
	KillSwitch            bool                    `yaml:"kill_switch" json:"kill_switch"`
}

// ComponentsConfig groups the feature calculators.
type ComponentsConfig struct {
	Fusion     FusionConfig     `yaml:"fusion" json:"fusion"`
	OFI        OFIConfig        `yaml:"ofi" json:"ofi"`
	CVD        CVDConfig        `yaml:"cvd" json:"cvd"`
	Divergence DivergenceConfig `yaml:"divergence" json:"divergence"`
	Scenario   ScenarioConfig   `yaml:"scenario" json:"scenario"`
}

// FusionConfig controls the OFI/CVD score fusion.
type FusionConfig struct {
	WOFI            float64 `yaml:"w_ofi" json:"w_ofi"`
	WCVD            float64 `yaml:"w_cvd" json:"w_cvd"`
	Method          string  `yaml:"method" json:"method"` // weighted | zsum
	BurstCoalesceMs int64   `yaml:"burst_coalesce_ms" json:"burst_coalesce_ms"`
}

// OFIConfig controls order-flow-imbalance accumulation.
type OFIConfig struct {
	WindowMs     int64     `yaml:"window_ms" json:"window_ms"`
	ZscoreWindow int       `yaml:"zscore_window" json:"zscore_window"`
	Levels       int       `yaml:"levels" json:"levels"`
	Weights      []float64 `yaml:"weights" json:"weights"` // empty = geometric decay
	EmaAlpha     float64   `yaml:"ema_alpha" json:"ema_alpha"`
}

// CVDConfig controls cumulative-volume-delta accumulation.
type CVDConfig struct {
	WindowMs int64  `yaml:"window_ms" json:"window_ms"`
	ZMode    string `yaml:"z_mode" json:"z_mode"` // delta | cumulative
}

// DivergenceConfig controls price-vs-fusion divergence labeling.
type DivergenceConfig struct {
	LookbackBars int `yaml:"lookback_bars" json:"lookback_bars"`
}

// ScenarioConfig controls the Activity x Spread 2x2 bucketing.
type ScenarioConfig struct {
	ActivityQuantile float64 `yaml:"activity_quantile" json:"activity_quantile"` // A vs Q split
	SpreadBandBps    float64 `yaml:"spread_band_bps" json:"spread_band_bps"`     // H vs L split
	ActivityWindowS  int     `yaml:"activity_window_s" json:"activity_window_s"`
}

// SideBias scales maker probability per execution side.
type SideBias struct {
	Buy  float64 `yaml:"buy" json:"buy"`
	Sell float64 `yaml:"sell" json:"sell"`
}

// FeeMakerTakerConfig parameterizes the maker/taker probability model.
type FeeMakerTakerConfig struct {
	ScenarioProbs         map[string]float64 `yaml:"scenario_probs" json:"scenario_probs"`
	SpreadSlope           float64            `yaml:"spread_slope" json:"spread_slope"`
	SpreadThresholdNarrow float64            `yaml:"spread_threshold_narrow" json:"spread_threshold_narrow"`
	SpreadThresholdWide   float64            `yaml:"spread_threshold_wide" json:"spread_threshold_wide"`
	MakerFeeRatio         float64            `yaml:"maker_fee_ratio" json:"maker_fee_ratio"`
	SideBias              SideBias           `yaml:"side_bias" json:"side_bias"`
}

// AlignConfig controls gap flagging in the per-second aligner.
type AlignConfig struct {
	GapThresholdSec int `yaml:"gap_threshold_sec" json:"gap_threshold_sec"`
}

// RotateConfig bounds JSONL partition size.
type RotateConfig struct {
	MaxRows int   `yaml:"max_rows" json:"max_rows"`
	MaxSec  int64 `yaml:"max_sec" json:"max_sec"`
}

// SqliteConfig bounds SQLite sink batching.
type SqliteConfig struct {
	BatchN  int   `yaml:"batch_n" json:"batch_n"`
	FlushMs int64 `yaml:"flush_ms" json:"flush_ms"`
	Path    string `yaml:"path" json:"path"`
}

// TimeseriesConfig describes the optional export collaborator.
type TimeseriesConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Type    string `yaml:"type" json:"type"`
	URL     string `yaml:"url" json:"url"`
}

// Default returns the production defaults, matching config/default.yaml.
func Default() *Config {
	return &Config{
		Backtest: BacktestConfig{
			TakerFeeBps:      4.0,
			SlippageBps:      2.0,
			NotionalPerTrade: 1000.0,
			ReverseOnSignal:  true,
			TakeProfitBps:    25.0,
			StopLossBps:      15.0,
			MinHoldTimeSec:   30,
			MaxHoldTimeSec:   1800,
			RolloverTimezone: "UTC",
			RolloverHour:     0,
			SlippageModel:    "static",
			FeeModel:         "taker_static",
			LinearRefQty:     1.0,
		},
		Signal: SignalConfig{
			WeakSignalThreshold:   0.2,
			ConsistencyMin:        0.15,
			SpreadBpsCap:          20.0,
			LagCapSec:             3.0,
			DedupeMs:              5000,
			MinConsecutiveSameDir: 2,
			AdaptiveCooldownK:     1.5,
			BaseCooldownMs:        10000,
			MinAbsScoreForSide:    0.3,
			ExpiryMs:              60000,
			Thresholds: map[string]ThresholdSet{
				"active": {Buy: 0.6, StrongBuy: 1.2, Sell: -0.6, StrongSell: -1.2},
				"quiet":  {Buy: 0.8, StrongBuy: 1.5, Sell: -0.8, StrongSell: -1.5},
				"base":   {Buy: 0.7, StrongBuy: 1.35, Sell: -0.7, StrongSell: -1.35},
			},
		},
		Components: ComponentsConfig{
			Fusion: FusionConfig{WOFI: 0.6, WCVD: 0.4, Method: "weighted", BurstCoalesceMs: 120},
			OFI:    OFIConfig{WindowMs: 5000, ZscoreWindow: 300, Levels: 5, EmaAlpha: 0.2},
			CVD:    CVDConfig{WindowMs: 5000, ZMode: "delta"},
			Divergence: DivergenceConfig{LookbackBars: 30},
			Scenario:   ScenarioConfig{ActivityQuantile: 0.5, SpreadBandBps: 8.0, ActivityWindowS: 60},
		},
		FeeMakerTaker: FeeMakerTakerConfig{
			ScenarioProbs: map[string]float64{
				"A_H": 0.5, "A_L": 0.35, "Q_H": 0.65, "Q_L": 0.45, "default": 0.4,
			},
			SpreadSlope:           0.3,
			SpreadThresholdNarrow: 1.0,
			SpreadThresholdWide:   10.0,
			MakerFeeRatio:         0.25,
			SideBias:              SideBias{Buy: 1.0, Sell: 1.0},
		},
		Align:            AlignConfig{GapThresholdSec: 5},
		Rotate:           RotateConfig{MaxRows: 50000, MaxSec: 300},
		Sqlite:           SqliteConfig{BatchN: 200, FlushMs: 1000, Path: "signals.db"},
		FsyncEveryN:      100,
		Sink:             "dual",
		InputMode:        "raw",
		BaseDir:          "deploy",
		ShutdownGraceSec: 10,
	}
}

// Load reads path (optional) over the defaults, applies env overrides once,
// and validates. The returned config must be treated as immutable.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Hash returns the SHA-1 of the canonicalized merged config. encoding/json
// emits struct fields in declaration order and map keys sorted, so the
// digest is stable across runs.
func (c *Config) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha1.Sum(data))
}

// Validate enforces enum and constraint checks. Any error here is fatal at
// startup per the error-handling contract.
func (c *Config) Validate() error {
	switch c.Sink {
	case "jsonl", "sqlite", "dual":
	default:
		return fmt.Errorf("invalid sink %q (want jsonl|sqlite|dual)", c.Sink)
	}
	switch c.InputMode {
	case "raw", "preview":
	default:
		return fmt.Errorf("invalid input_mode %q (want raw|preview)", c.InputMode)
	}
	switch c.Backtest.SlippageModel {
	case "static", "linear", "piecewise":
	default:
		return fmt.Errorf("invalid slippage_model %q", c.Backtest.SlippageModel)
	}
	switch c.Backtest.FeeModel {
	case "taker_static", "tiered", "maker_taker":
	default:
		return fmt.Errorf("invalid fee_model %q", c.Backtest.FeeModel)
	}
	switch c.Components.Fusion.Method {
	case "weighted", "zsum":
	default:
		return fmt.Errorf("invalid fusion.method %q", c.Components.Fusion.Method)
	}
	switch c.Components.CVD.ZMode {
	case "delta", "cumulative":
	default:
		return fmt.Errorf("invalid cvd.z_mode %q", c.Components.CVD.ZMode)
	}
	f := c.Components.Fusion
	if f.WOFI != 0 || f.WCVD != 0 {
		if d := f.WOFI + f.WCVD - 1.0; d > 1e-9 || d < -1e-9 {
			return fmt.Errorf("fusion weights must sum to 1, got w_ofi=%v w_cvd=%v", f.WOFI, f.WCVD)
		}
	}
	if c.Components.OFI.WindowMs <= 0 || c.Components.CVD.WindowMs <= 0 {
		return fmt.Errorf("component window_ms must be positive")
	}
	if c.Components.OFI.ZscoreWindow <= 1 {
		return fmt.Errorf("ofi.zscore_window must be > 1")
	}
	if len(c.Components.OFI.Weights) > 0 && len(c.Components.OFI.Weights) != c.Components.OFI.Levels {
		return fmt.Errorf("ofi.weights length %d does not match ofi.levels %d",
			len(c.Components.OFI.Weights), c.Components.OFI.Levels)
	}
	if c.Backtest.RolloverHour < 0 || c.Backtest.RolloverHour > 23 {
		return fmt.Errorf("rollover_hour %d out of range", c.Backtest.RolloverHour)
	}
	if _, err := time.LoadLocation(c.Backtest.RolloverTimezone); err != nil {
		return fmt.Errorf("invalid rollover_timezone %q: %w", c.Backtest.RolloverTimezone, err)
	}
	if c.Rotate.MaxRows <= 0 || c.Rotate.MaxSec <= 0 {
		return fmt.Errorf("rotate.max_rows and rotate.max_sec must be positive")
	}
	if c.Sqlite.BatchN <= 0 || c.Sqlite.FlushMs <= 0 {
		return fmt.Errorf("sqlite.batch_n and sqlite.flush_ms must be positive")
	}
	if c.FsyncEveryN <= 0 {
		return fmt.Errorf("fsync_every_n must be positive")
	}
	if c.Signal.MinConsecutiveSameDir < 1 {
		return fmt.Errorf("min_consecutive_same_dir must be >= 1")
	}
	mt := c.FeeMakerTaker
	if c.Backtest.FeeModel == "maker_taker" && mt.SpreadThresholdWide <= mt.SpreadThresholdNarrow {
		return fmt.Errorf("spread_threshold_wide must exceed spread_threshold_narrow")
	}
	return nil
}

// RolloverLocation returns the parsed rollover timezone. Validate has
// already proven it loadable.
func (c *Config) RolloverLocation() *time.Location {
	loc, err := time.LoadLocation(c.Backtest.RolloverTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
