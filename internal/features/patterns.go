package features

import (
	"math"

	"github.com/quantflow/fxengine/internal/market"
)

// Candlestick pattern slots. Each detector returns -1 (bearish), 0 (none)
// or +1 (bullish) for the bar at index i; the engineer maps that onto
// [0,1] so FLAT-like absence sits at 0.5. The catalogue is intentionally
// partial: slots beyond the implemented detectors stay at the neutral
// value, and a slot that cannot be evaluated (not enough history) is
// neutral too.

// PatternNames lists the slot order. The width is part of the feature
// vector contract, so append only.
var PatternNames = []string{
	"doji",
	"hammer",
	"shooting_star",
	"bullish_engulfing",
	"bearish_engulfing",
	"bullish_harami",
	"bearish_harami",
	"morning_star",
	"evening_star",
	"bullish_marubozu",
	"bearish_marubozu",
	"spinning_top",
	"three_white_soldiers",
	"three_black_crows",
	"piercing_line",
	"dark_cloud_cover",
	"tweezer_bottom",
	"tweezer_top",
	"inside_bar",
	"outside_bar",
}

type patternFn func(bars []market.Bar, i int) float64

var patternDetectors = map[string]patternFn{
	"doji":                 detectDoji,
	"hammer":               detectHammer,
	"shooting_star":        detectShootingStar,
	"bullish_engulfing":    detectBullishEngulfing,
	"bearish_engulfing":    detectBearishEngulfing,
	"bullish_harami":       detectBullishHarami,
	"bearish_harami":       detectBearishHarami,
	"morning_star":         detectMorningStar,
	"evening_star":         detectEveningStar,
	"bullish_marubozu":     detectBullishMarubozu,
	"bearish_marubozu":     detectBearishMarubozu,
	"spinning_top":         detectSpinningTop,
	"three_white_soldiers": detectThreeWhiteSoldiers,
	"three_black_crows":    detectThreeBlackCrows,
}

// patternSlots evaluates every slot for bar i, mapped onto [0,1].
// Unknown or unimplemented slots contribute the neutral 0.5.
func patternSlots(bars []market.Bar, i int) []float64 {
	out := make([]float64, len(PatternNames))
	for s, name := range PatternNames {
		fn, ok := patternDetectors[name]
		if !ok {
			out[s] = 0.5
			continue
		}
		out[s] = (fn(bars, i) + 1) / 2
	}
	return out
}

func body(b market.Bar) float64  { return math.Abs(b.Close - b.Open) }
func rng(b market.Bar) float64   { return b.High - b.Low }
func upper(b market.Bar) float64 { return b.High - math.Max(b.Open, b.Close) }
func lower(b market.Bar) float64 { return math.Min(b.Open, b.Close) - b.Low }
func isBull(b market.Bar) bool   { return b.Close > b.Open }
func isBear(b market.Bar) bool   { return b.Close < b.Open }

func detectDoji(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) > 0 && body(b) <= 0.1*rng(b) {
		return 1
	}
	return 0
}

func detectHammer(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) == 0 {
		return 0
	}
	if lower(b) >= 2*body(b) && upper(b) <= body(b) && body(b) > 0 {
		return 1
	}
	return 0
}

func detectShootingStar(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) == 0 {
		return 0
	}
	if upper(b) >= 2*body(b) && lower(b) <= body(b) && body(b) > 0 {
		return -1
	}
	return 0
}

func detectBullishEngulfing(bars []market.Bar, i int) float64 {
	if i < 1 {
		return 0
	}
	prev, cur := bars[i-1], bars[i]
	if isBear(prev) && isBull(cur) && cur.Open <= prev.Close && cur.Close >= prev.Open {
		return 1
	}
	return 0
}

func detectBearishEngulfing(bars []market.Bar, i int) float64 {
	if i < 1 {
		return 0
	}
	prev, cur := bars[i-1], bars[i]
	if isBull(prev) && isBear(cur) && cur.Open >= prev.Close && cur.Close <= prev.Open {
		return -1
	}
	return 0
}

func detectBullishHarami(bars []market.Bar, i int) float64 {
	if i < 1 {
		return 0
	}
	prev, cur := bars[i-1], bars[i]
	if isBear(prev) && isBull(cur) && cur.Open > prev.Close && cur.Close < prev.Open {
		return 1
	}
	return 0
}

func detectBearishHarami(bars []market.Bar, i int) float64 {
	if i < 1 {
		return 0
	}
	prev, cur := bars[i-1], bars[i]
	if isBull(prev) && isBear(cur) && cur.Open < prev.Close && cur.Close > prev.Open {
		return -1
	}
	return 0
}

func detectMorningStar(bars []market.Bar, i int) float64 {
	if i < 2 {
		return 0
	}
	a, b, c := bars[i-2], bars[i-1], bars[i]
	if isBear(a) && body(b) < 0.3*body(a) && isBull(c) && c.Close > (a.Open+a.Close)/2 {
		return 1
	}
	return 0
}

func detectEveningStar(bars []market.Bar, i int) float64 {
	if i < 2 {
		return 0
	}
	a, b, c := bars[i-2], bars[i-1], bars[i]
	if isBull(a) && body(b) < 0.3*body(a) && isBear(c) && c.Close < (a.Open+a.Close)/2 {
		return -1
	}
	return 0
}

func detectBullishMarubozu(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) > 0 && isBull(b) && body(b) >= 0.95*rng(b) {
		return 1
	}
	return 0
}

func detectBearishMarubozu(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) > 0 && isBear(b) && body(b) >= 0.95*rng(b) {
		return -1
	}
	return 0
}

func detectSpinningTop(bars []market.Bar, i int) float64 {
	b := bars[i]
	if rng(b) == 0 {
		return 0
	}
	if body(b) < 0.3*rng(b) && upper(b) > body(b) && lower(b) > body(b) {
		return 1
	}
	return 0
}

func detectThreeWhiteSoldiers(bars []market.Bar, i int) float64 {
	if i < 2 {
		return 0
	}
	for j := i - 2; j <= i; j++ {
		if !isBull(bars[j]) {
			return 0
		}
	}
	if bars[i].Close > bars[i-1].Close && bars[i-1].Close > bars[i-2].Close {
		return 1
	}
	return 0
}

func detectThreeBlackCrows(bars []market.Bar, i int) float64 {
	if i < 2 {
		return 0
	}
	for j := i - 2; j <= i; j++ {
		if !isBear(bars[j]) {
			return 0
		}
	}
	if bars[i].Close < bars[i-1].Close && bars[i-1].Close < bars[i-2].Close {
		return -1
	}
	return 0
}
