package usecase

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vitos/ethpulse/internal/domain"
)

// scoreRule is one weighted factor. Comparisons against NaN are false in Go,
// so undefined inputs never trigger a rule.
type scoreRule struct {
	name    string
	applies func(in domain.SignalInputs, t domain.Thresholds) bool
	weight  func(p domain.StrategyParams) int
	label   func(in domain.SignalInputs) string
}

func fixedLabel(s string) func(domain.SignalInputs) string {
	return func(domain.SignalInputs) string { return s }
}

var bearRules = []scoreRule{
	{
		name:    "funding_neutral_or_neg",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool { return in.FundingRate <= t.FundingNeutralMax },
		weight:  func(p domain.StrategyParams) int { return p.Bear.FundingNeutralOrNeg },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("funding<=neutral (%.5f)", in.FundingRate) },
	},
	{
		name:    "oi_drop",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool { return in.OIDropPct >= t.OIDropPct },
		weight:  func(p domain.StrategyParams) int { return p.Bear.OIDrop },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("oi_drop>=%.1f%%", in.OIDropPct) },
	},
	{
		name:    "liq_spike_mean_revert",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool { return in.LiqUSD15m >= t.LiquidationsUSD15m },
		weight:  func(p domain.StrategyParams) int { return p.Bear.LiqSpikeMeanRevert },
		label:   func(in domain.SignalInputs) string { return "liqs_spike_15m>=" + thousands(in.LiqUSD15m) + "$" },
	},
	{
		name:    "cvd_negative",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.CVDSlope < 0 },
		weight:  func(p domain.StrategyParams) int { return p.Bear.CVDNegative },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("cvd<0 (%.3f)", in.CVDSlope) },
	},
	{
		name:    "break_pivot_down",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.BrokePivotDown },
		weight:  func(p domain.StrategyParams) int { return p.Bear.BreakPivotDown },
		label:   fixedLabel("break_pivot_down"),
	},
	{
		name: "vwap_below",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool {
			return !in.AboveVWAP && in.VWAPDistancePct >= t.VWAPMinDistancePct
		},
		weight: func(p domain.StrategyParams) int { return p.Bear.VWAPBelow },
		label:  func(in domain.SignalInputs) string { return fmt.Sprintf("below_vwap(%.2f%%)", in.VWAPDistancePct) },
	},
	{
		name:    "break_vwap_down",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.BrokeVWAPDown },
		weight:  func(p domain.StrategyParams) int { return p.Bear.BreakVWAPDown },
		label:   fixedLabel("break_vwap_down"),
	},
	{
		name:    "whales_net_selling",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.Whales == domain.WhaleFlowSelling },
		weight:  func(p domain.StrategyParams) int { return p.Bear.WhalesNetSelling },
		label:   fixedLabel("whales_selling"),
	},
}

var bullRules = []scoreRule{
	{
		name:    "funding_positive",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool { return in.FundingRate >= t.FundingBullMin },
		weight:  func(p domain.StrategyParams) int { return p.Bull.FundingPositive },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("funding>=bull (%.5f)", in.FundingRate) },
	},
	{
		name:    "oi_rise",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool { return in.OIRisePct >= t.OIRisePct },
		weight:  func(p domain.StrategyParams) int { return p.Bull.OIRise },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("oi_rise>=%.1f%%", in.OIRisePct) },
	},
	{
		name:    "cvd_positive",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.CVDSlope > 0 },
		weight:  func(p domain.StrategyParams) int { return p.Bull.CVDPositive },
		label:   func(in domain.SignalInputs) string { return fmt.Sprintf("cvd>0 (%.3f)", in.CVDSlope) },
	},
	{
		name:    "break_pivot_up",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.BrokePivotUp },
		weight:  func(p domain.StrategyParams) int { return p.Bull.BreakPivotUp },
		label:   fixedLabel("break_pivot_up"),
	},
	{
		name: "vwap_above",
		applies: func(in domain.SignalInputs, t domain.Thresholds) bool {
			return in.AboveVWAP && in.VWAPDistancePct >= t.VWAPMinDistancePct
		},
		weight: func(p domain.StrategyParams) int { return p.Bull.VWAPAbove },
		label:  func(in domain.SignalInputs) string { return fmt.Sprintf("above_vwap(%.2f%%)", in.VWAPDistancePct) },
	},
	{
		name:    "break_vwap_up",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.BrokeVWAPUp },
		weight:  func(p domain.StrategyParams) int { return p.Bull.BreakVWAPUp },
		label:   fixedLabel("break_vwap_up"),
	},
	{
		name:    "whales_net_buying",
		applies: func(in domain.SignalInputs, _ domain.Thresholds) bool { return in.Whales == domain.WhaleFlowBuying },
		weight:  func(p domain.StrategyParams) int { return p.Bull.WhalesNetBuying },
		label:   fixedLabel("whales_buying"),
	},
}

func evaluateRules(rules []scoreRule, in domain.SignalInputs, p domain.StrategyParams) (int, []string) {
	score := 0
	reasons := []string{}
	for _, r := range rules {
		if !r.applies(in, p.Thresholds) {
			continue
		}
		score += r.weight(p)
		reasons = append(reasons, r.label(in))
	}
	return score, reasons
}

// Score evaluates both rule tables and applies the decision gates. It is a
// pure function of its arguments.
func Score(in domain.SignalInputs, p domain.StrategyParams) domain.Decision {
	bear, bearReasons := evaluateRules(bearRules, in, p)
	bull, bullReasons := evaluateRules(bullRules, in, p)

	t := p.Thresholds
	eligibleBear := len(bearReasons) >= t.MinBearReasons
	eligibleBull := len(bullReasons) >= t.MinBullReasons
	bearMarginOK := float64(bear-bull) >= t.MarginSellMin
	bullMarginOK := float64(bull-bear) >= t.MarginBuyMin

	d := domain.Decision{
		Action:      domain.ActionNeutral,
		BearScore:   bear,
		BullScore:   bull,
		BearReasons: bearReasons,
		BullReasons: bullReasons,
	}
	switch {
	case eligibleBear && bearMarginOK && bear >= p.Decision.SellScore && bear >= bull:
		d.Action = domain.ActionSell
		d.Reasons = append([]string(nil), bearReasons...)
	case eligibleBull && bullMarginOK && bull >= p.Decision.BuyScore && bull > bear:
		d.Action = domain.ActionBuy
		d.Reasons = append([]string(nil), bullReasons...)
	default:
		d.Reasons = make([]string, 0, len(bearReasons)+len(bullReasons)+2)
		d.Reasons = append(d.Reasons, "BEAR:")
		d.Reasons = append(d.Reasons, bearReasons...)
		d.Reasons = append(d.Reasons, "BULL:")
		d.Reasons = append(d.Reasons, bullReasons...)
	}
	return d
}

// ScoringEngine binds a parameter set to Score and turns feature rows into a
// position signal stream.
type ScoringEngine struct {
	params  domain.StrategyParams
	metrics domain.Metrics
}

func NewScoringEngine(params domain.StrategyParams, metrics domain.Metrics) *ScoringEngine {
	return &ScoringEngine{params: params, metrics: metrics}
}

func (e *ScoringEngine) Params() domain.StrategyParams {
	return e.params
}

func (e *ScoringEngine) Decide(in domain.SignalInputs) domain.Decision {
	d := Score(in, e.params)
	if e.metrics != nil {
		e.metrics.RecordDecision(d.Action)
	}
	return d
}

// Signals scores every row and returns the side to open on that bar, "" for
// NEUTRAL.
func (e *ScoringEngine) Signals(rows []domain.FeatureRow) []domain.Side {
	out := make([]domain.Side, len(rows))
	for i, r := range rows {
		out[i] = e.Decide(r.SignalInputs()).Action.Side()
	}
	return out
}

// thousands formats v rounded to an integer with comma group separators.
func thousands(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	s := strconv.FormatFloat(math.Abs(math.Round(v)), 'f', 0, 64)
	var b strings.Builder
	if v < 0 && s != "0" {
		b.WriteByte('-')
	}
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
