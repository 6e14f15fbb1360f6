package usecase

import (
	"math"

	"github.com/vitos/pivot_trade_bot/internal/domain"
)

// levelPrecision is the decimal precision levels are rounded to before
// downstream tick-size snapping.
const levelPrecision = 4

// CalcPivotLevels reduces a window of price bars to a pivot point and
// generates symmetric resistance/support levels around it.
//
//	P = (H + L + C) / 3, R = H - L
//	resistance i = P + i*R, support i = P - i*R
//
// H is the highest high and L the lowest low of the window, C the latest
// close. An empty window yields an empty result.
func CalcPivotLevels(candles []domain.Candle, rCount, sCount int) domain.PivotLevels {
	if len(candles) == 0 {
		return domain.PivotLevels{}
	}

	high := candles[0].High
	low := candles[0].Low
	for _, c := range candles[1:] {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	closePrice := candles[len(candles)-1].Close

	pivot := (high + low + closePrice) / 3
	rng := high - low

	levels := domain.PivotLevels{}
	for i := 1; i <= rCount; i++ {
		levels.Resistance = append(levels.Resistance, roundLevel(pivot+float64(i)*rng))
	}
	for i := 1; i <= sCount; i++ {
		levels.Support = append(levels.Support, roundLevel(pivot-float64(i)*rng))
	}
	return levels
}

func roundLevel(price float64) float64 {
	pow := math.Pow10(levelPrecision)
	return math.Round(price*pow) / pow
}
