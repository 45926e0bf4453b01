package model

// Regime is the qualitative market-state label attached to each aligned row.
type Regime string

const (
	RegimeActive Regime = "active"
	RegimeQuiet  Regime = "quiet"
	RegimeBase   Regime = "base"
)

// Scenario is the Activity x Spread 2x2 bucket used by the maker/taker model.
type Scenario string

const (
	ScenarioAH      Scenario = "A_H"
	ScenarioAL      Scenario = "A_L"
	ScenarioQH      Scenario = "Q_H"
	ScenarioQL      Scenario = "Q_L"
	ScenarioUnknown Scenario = "unknown"
)

// QualityTier grades a row or signal for downstream filtering.
type QualityTier string

const (
	QualityStrong QualityTier = "strong"
	QualityNormal QualityTier = "normal"
	QualityWeak   QualityTier = "weak"
)

// Quality flag values carried on rows and signals.
const (
	FlagLowConsistency = "low_consistency"
	FlagLagBorderline  = "lag_borderline"
	FlagSpreadWide     = "spread_wide"
	FlagGap            = "gap"
)

// Divergence labels produced by the price-vs-fusion slope comparison.
const (
	DivBull = "bull_div"
	DivBear = "bear_div"
)

// AlignedFeatureRow is one per-symbol, per-second feature observation.
// SecondTs is in epoch seconds; TsMs marks the end of the second.
type AlignedFeatureRow struct {
	Symbol   string `json:"symbol" parquet:"symbol"`
	SecondTs int64  `json:"second_ts" parquet:"second_ts"`
	TsMs     int64  `json:"ts_ms" parquet:"ts_ms"`

	Mid       float64 `json:"mid" parquet:"mid"`
	BestBid   float64 `json:"best_bid" parquet:"best_bid"`
	BestAsk   float64 `json:"best_ask" parquet:"best_ask"`
	SpreadBps float64 `json:"spread_bps" parquet:"spread_bps"`

	ZOFI        float64  `json:"z_ofi" parquet:"z_ofi"`
	ZCVD        float64  `json:"z_cvd" parquet:"z_cvd"`
	FusionScore *float64 `json:"fusion_score" parquet:"fusion_score,optional"`
	Consistency float64  `json:"consistency" parquet:"consistency"`
	SignAgree   int      `json:"sign_agree" parquet:"sign_agree"`

	Regime      Regime   `json:"regime" parquet:"regime"`
	Scenario2x2 Scenario `json:"scenario_2x2" parquet:"scenario_2x2"`
	DivType     string   `json:"div_type,omitempty" parquet:"div_type,optional"`
	Warmup      bool     `json:"warmup" parquet:"warmup"`
	IsGapSecond bool     `json:"is_gap_second" parquet:"is_gap_second"`

	LagMsPrice       int64   `json:"lag_ms_price" parquet:"lag_ms_price"`
	LagMsBook        int64   `json:"lag_ms_book" parquet:"lag_ms_book"`
	ObsGapMsPriceAvg float64 `json:"obs_gap_ms_price_avg" parquet:"obs_gap_ms_price_avg"`
	ObsGapMsBookAvg  float64 `json:"obs_gap_ms_book_avg" parquet:"obs_gap_ms_book_avg"`

	ReasonCodes  []string    `json:"reason_codes,omitempty" parquet:"reason_codes,list"`
	QualityTier  QualityTier `json:"quality_tier" parquet:"quality_tier"`
	QualityFlags []string    `json:"quality_flags,omitempty" parquet:"quality_flags,list"`
}

// LagSec returns the worse of the two source lags in seconds.
func (r *AlignedFeatureRow) LagSec() float64 {
	lag := r.LagMsPrice
	if r.LagMsBook > lag {
		lag = r.LagMsBook
	}
	return float64(lag) / 1000.0
}

// HasFlag reports whether the row carries the given quality flag.
func (r *AlignedFeatureRow) HasFlag(flag string) bool {
	for _, f := range r.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// RowKey identifies the row for merge ordering and deduplication.
func (r *AlignedFeatureRow) RowKey() (string, int64) { return r.Symbol, r.TsMs }
