package usage

import "math"

// Trend directions.
const (
	TrendUp     = "up"
	TrendDown   = "down"
	TrendStable = "stable"
)

// trendStableThreshold is the percent-change band treated as noise.
const trendStableThreshold = 1.0

// Trend compares one metric across the current period and the immediately
// preceding period of identical length.
type Trend struct {
	Direction        string  `json:"direction"`
	PercentageChange float64 `json:"percentage_change"`
	Current          float64 `json:"current"`
	Previous         float64 `json:"previous"`
}

// CalcTrend classifies the change from previous to current. A zero previous
// value with activity in the current period reports as a flat 100% increase,
// since no true ratio exists.
func CalcTrend(current, previous float64) Trend {
	t := Trend{Current: current, Previous: previous, Direction: TrendStable}
	switch {
	case previous == 0 && current == 0:
		return t
	case previous == 0:
		t.Direction = TrendUp
		t.PercentageChange = 100
		return t
	}
	t.PercentageChange = (current - previous) / previous * 100
	if math.Abs(t.PercentageChange) <= trendStableThreshold {
		return t
	}
	if t.PercentageChange > 0 {
		t.Direction = TrendUp
	} else {
		t.Direction = TrendDown
	}
	return t
}

// TrendSet carries the tracked metrics for a comparison pass. When no
// comparison-period data is fetchable the previous totals degrade to zero
// rather than failing the primary request.
type TrendSet struct {
	Spend    Trend `json:"spend"`
	Requests Trend `json:"requests"`
	Tokens   Trend `json:"tokens"`
}

// CalcTrends derives the tracked trends from two period totals.
func CalcTrends(current, previous Counters) TrendSet {
	return TrendSet{
		Spend:    CalcTrend(current.Spend, previous.Spend),
		Requests: CalcTrend(float64(current.APIRequests), float64(previous.APIRequests)),
		Tokens:   CalcTrend(float64(current.TotalTokens), float64(previous.TotalTokens)),
	}
}
