package domain

import (
	"encoding/json"
	"math"

	"github.com/creasty/defaults"
)

// Action is the ternary output of the scoring engine.
type Action string

const (
	ActionBuy     Action = "BUY"
	ActionSell    Action = "SELL"
	ActionNeutral Action = "NEUTRAL"
)

// Side maps a decision to the position side the simulator opens, or "" for NEUTRAL.
func (a Action) Side() Side {
	switch a {
	case ActionBuy:
		return SideLong
	case ActionSell:
		return SideShort
	}
	return ""
}

// BearWeights are the points each bear factor contributes when triggered.
type BearWeights struct {
	FundingNeutralOrNeg int `yaml:"funding_neutral_or_neg" json:"funding_neutral_or_neg" default:"10" validate:"gte=0"`
	OIDrop              int `yaml:"oi_drop" json:"oi_drop" default:"15" validate:"gte=0"`
	LiqSpikeMeanRevert  int `yaml:"liq_spike_mean_revert" json:"liq_spike_mean_revert" default:"25" validate:"gte=0"`
	CVDNegative         int `yaml:"cvd_negative" json:"cvd_negative" default:"15" validate:"gte=0"`
	BreakPivotDown      int `yaml:"break_pivot_down" json:"break_pivot_down" default:"20" validate:"gte=0"`
	WhalesNetSelling    int `yaml:"whales_net_selling" json:"whales_net_selling" default:"10" validate:"gte=0"`
	VWAPBelow           int `yaml:"vwap_below" json:"vwap_below" default:"12" validate:"gte=0"`
	BreakVWAPDown       int `yaml:"break_vwap_down" json:"break_vwap_down" default:"18" validate:"gte=0"`
}

// BullWeights mirror BearWeights for the long side.
type BullWeights struct {
	FundingPositive int `yaml:"funding_positive" json:"funding_positive" default:"10" validate:"gte=0"`
	OIRise          int `yaml:"oi_rise" json:"oi_rise" default:"15" validate:"gte=0"`
	CVDPositive     int `yaml:"cvd_positive" json:"cvd_positive" default:"15" validate:"gte=0"`
	BreakPivotUp    int `yaml:"break_pivot_up" json:"break_pivot_up" default:"20" validate:"gte=0"`
	WhalesNetBuying int `yaml:"whales_net_buying" json:"whales_net_buying" default:"10" validate:"gte=0"`
	VWAPAbove       int `yaml:"vwap_above" json:"vwap_above" default:"12" validate:"gte=0"`
	BreakVWAPUp     int `yaml:"break_vwap_up" json:"break_vwap_up" default:"18" validate:"gte=0"`
}

// Thresholds gate the individual rules and the eligibility checks.
type Thresholds struct {
	FundingNeutralMax       float64 `yaml:"funding_neutral_max" json:"funding_neutral_max" default:"0.0001"`
	FundingBullMin          float64 `yaml:"funding_bull_min" json:"funding_bull_min" default:"0.0002"`
	OIDropPct               float64 `yaml:"oi_drop_pct" json:"oi_drop_pct" default:"3.0" validate:"gte=0"`
	OIRisePct               float64 `yaml:"oi_rise_pct" json:"oi_rise_pct" default:"3.0" validate:"gte=0"`
	LiquidationsUSD15m      float64 `yaml:"liquidations_usd_15m" json:"liquidations_usd_15m" default:"150000000" validate:"gte=0"`
	VWAPMinDistancePct      float64 `yaml:"vwap_min_distance_pct" json:"vwap_min_distance_pct" default:"0.2" validate:"gte=0"`
	CVDWindow               int     `yaml:"cvd_window_min" json:"cvd_window_min" default:"60" validate:"gte=1"`
	DonchianWindow          int     `yaml:"donchian_window" json:"donchian_window" default:"55" validate:"gte=1"`
	MinBearReasons          int     `yaml:"min_bear_reasons" json:"min_bear_reasons" validate:"gte=0"`
	MinBullReasons          int     `yaml:"min_bull_reasons" json:"min_bull_reasons" validate:"gte=0"`
	MarginSellMin           float64 `yaml:"margin_sell_min" json:"margin_sell_min"`
	MarginBuyMin            float64 `yaml:"margin_buy_min" json:"margin_buy_min"`
	WhalesRatioMinChangePct float64 `yaml:"whales_ratio_min_change_pct" json:"whales_ratio_min_change_pct" default:"8.0" validate:"gte=0"`
}

// DecisionThresholds are the minimum side scores for SELL and BUY.
type DecisionThresholds struct {
	SellScore int `yaml:"sell_score" json:"sell_score" default:"65" validate:"gte=0"`
	BuyScore  int `yaml:"buy_score" json:"buy_score" default:"65" validate:"gte=0"`
}

// StrategyParams is the immutable per-run parameter set of the scoring engine.
type StrategyParams struct {
	Bear       BearWeights        `yaml:"bear_weights" json:"bear_weights"`
	Bull       BullWeights        `yaml:"bull_weights" json:"bull_weights"`
	Thresholds Thresholds         `yaml:"thresholds" json:"thresholds"`
	Decision   DecisionThresholds `yaml:"decision" json:"decision"`
}

// DefaultStrategyParams returns the parameter set described by the struct
// default tags.
func DefaultStrategyParams() StrategyParams {
	var p StrategyParams
	_ = defaults.Set(&p)
	return p
}

// SignalInputs is a single point-in-time observation scored by the engine.
// NaN values and WhaleFlowUnknown never trigger a rule.
type SignalInputs struct {
	FundingRate     float64   `json:"funding_rate"`
	OIDropPct       float64   `json:"oi_drop_pct"`
	OIRisePct       float64   `json:"oi_rise_pct"`
	LiqUSD15m       float64   `json:"liq_usd_15m"`
	CVDSlope        float64   `json:"cvd_slope"`
	BrokePivotDown  bool      `json:"broke_pivot_down"`
	BrokePivotUp    bool      `json:"broke_pivot_up"`
	AboveVWAP       bool      `json:"above_vwap"`
	BrokeVWAPUp     bool      `json:"broke_vwap_up"`
	BrokeVWAPDown   bool      `json:"broke_vwap_down"`
	VWAPDistancePct float64   `json:"vwap_distance_pct"`
	Whales          WhaleFlow `json:"-"`
}

// MarshalJSON writes undefined numeric inputs as null.
func (in SignalInputs) MarshalJSON() ([]byte, error) {
	type alias SignalInputs
	return json.Marshal(struct {
		alias
		FundingRate     *float64 `json:"funding_rate"`
		OIDropPct       *float64 `json:"oi_drop_pct"`
		OIRisePct       *float64 `json:"oi_rise_pct"`
		LiqUSD15m       *float64 `json:"liq_usd_15m"`
		CVDSlope        *float64 `json:"cvd_slope"`
		VWAPDistancePct *float64 `json:"vwap_distance_pct"`
		Whales          string   `json:"whales"`
	}{
		alias:           alias(in),
		FundingRate:     finiteOrNil(in.FundingRate),
		OIDropPct:       finiteOrNil(in.OIDropPct),
		OIRisePct:       finiteOrNil(in.OIRisePct),
		LiqUSD15m:       finiteOrNil(in.LiqUSD15m),
		CVDSlope:        finiteOrNil(in.CVDSlope),
		VWAPDistancePct: finiteOrNil(in.VWAPDistancePct),
		Whales:          in.Whales.String(),
	})
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Decision is the outcome of scoring one observation.
type Decision struct {
	Action      Action   `json:"decision"`
	BearScore   int      `json:"bear_score"`
	BullScore   int      `json:"bull_score"`
	Reasons     []string `json:"reasons"`
	BearReasons []string `json:"bear_reasons"`
	BullReasons []string `json:"bull_reasons"`
}
