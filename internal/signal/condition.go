package signal

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"

	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/market"
)

// highVolATRFrac is the ATR/price ratio above which the regime is treated
// as high volatility regardless of trend.
const highVolATRFrac = 0.006

// trendSpreadFrac is the MA20/MA50 spread (as a fraction of price) that
// qualifies as a trend.
const trendSpreadFrac = 0.0008

// ClassifyCondition derives the market condition from a bar window using
// MA alignment and the relative ATR.
func ClassifyCondition(bars []market.Bar) MarketCondition {
	if len(bars) < 60 {
		return ConditionMixed
	}
	closes := market.Closes(bars)
	price := closes[len(closes)-1]
	if price <= 0 {
		return ConditionMixed
	}

	atr := features.ATR(bars, 14)
	if atr/price > highVolATRFrac {
		return ConditionHighVolatility
	}

	ma20, ok20 := lastSMA(closes, 20)
	ma50, ok50 := lastSMA(closes, 50)
	if !ok20 || !ok50 {
		return ConditionMixed
	}

	spread := (ma20 - ma50) / price
	switch {
	case spread > trendSpreadFrac:
		return ConditionUptrend
	case spread < -trendSpreadFrac:
		return ConditionDowntrend
	default:
		return ConditionSideways
	}
}

// TrendBias returns the directional bias of a window: +1 when MA20 is
// above MA50, -1 when below, 0 when flat or undefined.
func TrendBias(bars []market.Bar) int {
	closes := market.Closes(bars)
	ma20, ok20 := lastSMA(closes, 20)
	ma50, ok50 := lastSMA(closes, 50)
	if !ok20 || !ok50 {
		return 0
	}
	switch {
	case ma20 > ma50:
		return 1
	case ma20 < ma50:
		return -1
	default:
		return 0
	}
}

// Confluence counts the independent indicators agreeing with the trade
// direction: MA alignment, RSI non-extreme in the trade direction, and
// MACD/signal alignment. Informational, not gating.
func Confluence(bars []market.Bar, side Side) int {
	closes := market.Closes(bars)
	count := 0

	ma20, ok20 := lastSMA(closes, 20)
	ma50, ok50 := lastSMA(closes, 50)
	if ok20 && ok50 {
		if (side == SideBuy && ma20 > ma50) || (side == SideSell && ma20 < ma50) {
			count++
		}
	}

	if rsi, ok := lastRSI(closes, 14); ok {
		if (side == SideBuy && rsi < 70 && rsi > 40) || (side == SideSell && rsi > 30 && rsi < 60) {
			count++
		}
	}

	if macd, sig, ok := lastMACD(closes); ok {
		if (side == SideBuy && macd > sig) || (side == SideSell && macd < sig) {
			count++
		}
	}

	return count
}

// lastSMA computes the latest SMA value via cinar's streaming API.
func lastSMA(closes []float64, period int) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	return lastValue(trend.NewSmaWithPeriod[float64](period).Compute(sliceChan(closes)))
}

func lastRSI(closes []float64, period int) (float64, bool) {
	if len(closes) <= period {
		return 0, false
	}
	return lastValue(momentum.NewRsiWithPeriod[float64](period).Compute(sliceChan(closes)))
}

func lastMACD(closes []float64) (macd, sig float64, ok bool) {
	if len(closes) < 35 {
		return 0, 0, false
	}
	macdChan, sigChan := trend.NewMacdWithPeriod[float64](12, 26, 9).Compute(sliceChan(closes))

	// Drain both channels in lockstep.
	var got bool
	for {
		m, mok := <-macdChan
		s, sok := <-sigChan
		if !mok || !sok {
			break
		}
		macd, sig = m, s
		got = true
	}
	return macd, sig, got
}

func sliceChan(vals []float64) chan float64 {
	ch := make(chan float64, len(vals))
	for _, v := range vals {
		ch <- v
	}
	close(ch)
	return ch
}

func lastValue(ch <-chan float64) (float64, bool) {
	var last float64
	var got bool
	for v := range ch {
		last = v
		got = true
	}
	return last, got
}
