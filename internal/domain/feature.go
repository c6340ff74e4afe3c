package domain

import (
	"fmt"
	"math"
)

type PivotMode string

const (
	PivotFloor    PivotMode = "floor"
	PivotDonchian PivotMode = "donchian"
	PivotNone     PivotMode = "none"
)

func ParsePivotMode(s string) (PivotMode, error) {
	switch m := PivotMode(s); m {
	case PivotFloor, PivotDonchian, PivotNone:
		return m, nil
	case "":
		return PivotFloor, nil
	}
	return "", fmt.Errorf("unknown pivot mode %q", s)
}

// PivotLevels holds the levels of the active pivot mode. Levels that are not
// known yet, or that belong to the inactive mode, are NaN.
type PivotLevels struct {
	P           float64 `json:"p"`
	R1          float64 `json:"r1"`
	S1          float64 `json:"s1"`
	R2          float64 `json:"r2"`
	S2          float64 `json:"s2"`
	DonchianMid float64 `json:"donchian_mid"`
}

func UndefinedPivots() PivotLevels {
	nan := math.NaN()
	return PivotLevels{P: nan, R1: nan, S1: nan, R2: nan, S2: nan, DonchianMid: nan}
}

// Level returns the breakout reference level for the given mode.
func (p PivotLevels) Level(mode PivotMode) float64 {
	switch mode {
	case PivotFloor:
		return p.P
	case PivotDonchian:
		return p.DonchianMid
	}
	return math.NaN()
}

// WhaleFlow is the on-chain whale signal. Unknown never triggers a rule.
type WhaleFlow int8

const (
	WhaleFlowUnknown WhaleFlow = iota
	WhaleFlowSelling
	WhaleFlowBuying
)

func (w WhaleFlow) String() string {
	switch w {
	case WhaleFlowSelling:
		return "selling"
	case WhaleFlowBuying:
		return "buying"
	}
	return "unknown"
}

// FeatureRow is one primary-timeframe bar enriched with every derived field
// the scoring engine reads.
type FeatureRow struct {
	Bar

	CVDSlope        float64 `json:"cvd_slope"`
	VWAP            float64 `json:"vwap"`
	VWAPDistancePct float64 `json:"vwap_distance_pct"`
	AboveVWAP       bool    `json:"above_vwap"`

	FundingRate  float64 `json:"funding_rate"`
	OpenInterest float64 `json:"open_interest"`
	OIMax7d      float64 `json:"oi_max_7d"`
	OIMin7d      float64 `json:"oi_min_7d"`
	OIDropPct    float64 `json:"oi_drop_pct"`
	OIRisePct    float64 `json:"oi_rise_pct"`

	PivotMode      PivotMode   `json:"pivot_mode"`
	Pivots         PivotLevels `json:"pivots"`
	BrokePivotUp   bool        `json:"broke_pivot_up"`
	BrokePivotDown bool        `json:"broke_pivot_down"`
	BrokeVWAPUp    bool        `json:"broke_vwap_up"`
	BrokeVWAPDown  bool        `json:"broke_vwap_down"`

	// Not available in history; filled by the live signal path only.
	LiqUSD15m float64   `json:"liq_usd_15m"`
	Whales    WhaleFlow `json:"whales"`
}

// SignalInputs projects the row onto the fields the scoring rules read.
func (r FeatureRow) SignalInputs() SignalInputs {
	return SignalInputs{
		FundingRate:     r.FundingRate,
		OIDropPct:       r.OIDropPct,
		OIRisePct:       r.OIRisePct,
		LiqUSD15m:       r.LiqUSD15m,
		CVDSlope:        r.CVDSlope,
		BrokePivotDown:  r.BrokePivotDown,
		BrokePivotUp:    r.BrokePivotUp,
		AboveVWAP:       r.AboveVWAP,
		BrokeVWAPUp:     r.BrokeVWAPUp,
		BrokeVWAPDown:   r.BrokeVWAPDown,
		VWAPDistancePct: r.VWAPDistancePct,
		Whales:          r.Whales,
	}
}
