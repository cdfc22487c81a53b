package usage

import (
	"math"
	"time"

	"github.com/crestline-ai/usage-console/internal/timeutil"
)

// TrendDirection classifies period-over-period movement.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"

	// Movement inside this band is reported as stable so dashboards do not
	// flap on rounding noise.
	stableBandPercent = 1.0
)

// TrendResult compares one metric against the immediately preceding period of
// equal length.
type TrendResult struct {
	Metric           string         `json:"metric"`
	Current          float64        `json:"current"`
	Previous         float64        `json:"previous"`
	PercentageChange float64        `json:"percentage_change"`
	Direction        TrendDirection `json:"direction"`
}

// ComparisonPeriod returns the window of the same length ending the day
// before start. A single-day period compares against the single prior day.
func ComparisonPeriod(start, end time.Time) (time.Time, time.Time) {
	days := timeutil.DaysBetween(start, end)
	prevEnd := start.AddDate(0, 0, -1)
	prevStart := prevEnd.AddDate(0, 0, -(days - 1))
	return prevStart, prevEnd
}

// CalculateTrend compares current against previous. A zero baseline with zero
// current is stable at 0%; a zero baseline with activity is reported as a flat
// +100% rather than an infinite change.
func CalculateTrend(metric string, current, previous float64) TrendResult {
	result := TrendResult{
		Metric:   metric,
		Current:  current,
		Previous: previous,
	}

	switch {
	case previous == 0 && current == 0:
		result.PercentageChange = 0
		result.Direction = TrendStable
	case previous == 0:
		result.PercentageChange = 100
		result.Direction = TrendUp
	default:
		change := (current - previous) / previous * 100
		result.PercentageChange = change
		switch {
		case math.Abs(change) <= stableBandPercent:
			result.Direction = TrendStable
		case change > 0:
			result.Direction = TrendUp
		default:
			result.Direction = TrendDown
		}
	}
	return result
}
