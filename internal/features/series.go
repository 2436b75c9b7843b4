package features

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/quantflow/fxengine/internal/market"
)

// Series helpers wrap cinar/indicator's channel API and return one value
// per input bar, NaN for warm-up positions, so every indicator stays
// index-aligned with its window.

// ATR returns the latest average true range over period, or 0 when the
// window is too short.
func ATR(bars []market.Bar, period int) float64 {
	series := atrSeries(bars, period)
	if len(series) == 0 {
		return 0
	}
	last := series[len(series)-1]
	if math.IsNaN(last) {
		return 0
	}
	return last
}

func smaSeries(vals []float64, period int) []float64 {
	sma := trend.NewSmaWithPeriod[float64](period)
	return padWarmup(collect(sma.Compute(sliceChan(vals))), len(vals))
}

func emaSeries(vals []float64, period int) []float64 {
	ema := trend.NewEmaWithPeriod[float64](period)
	return padWarmup(collect(ema.Compute(sliceChan(vals))), len(vals))
}

func rsiSeries(closes []float64, period int) []float64 {
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return padWarmup(collect(rsi.Compute(sliceChan(closes))), len(closes))
}

func macdSeries(closes []float64, fast, slow, signalPeriod int) (macd, sig, hist []float64) {
	m := trend.NewMacdWithPeriod[float64](fast, slow, signalPeriod)
	macdCh, sigCh := m.Compute(sliceChan(closes))

	// Both outputs share one idle period; drain them in lockstep.
	var macdVals, sigVals []float64
	for mv := range macdCh {
		macdVals = append(macdVals, mv)
		sigVals = append(sigVals, <-sigCh)
	}

	macd = padWarmup(macdVals, len(closes))
	sig = padWarmup(sigVals, len(closes))
	hist = nanSlice(len(closes))
	for i := range closes {
		if !math.IsNaN(macd[i]) && !math.IsNaN(sig[i]) {
			hist[i] = macd[i] - sig[i]
		}
	}
	return macd, sig, hist
}

// bollingerSeries computes cinar's Bollinger Bands, which fix the bands
// at two standard deviations.
func bollingerSeries(closes []float64, period int) (upper, middle, lower []float64) {
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	upCh, midCh, lowCh := bb.Compute(sliceChan(closes))

	var up, mid, low []float64
	for u := range upCh {
		up = append(up, u)
		mid = append(mid, <-midCh)
		low = append(low, <-lowCh)
	}
	return padWarmup(up, len(closes)), padWarmup(mid, len(closes)), padWarmup(low, len(closes))
}

// rmaMa adapts *trend.Rma to the trend.Ma interface, which requires a
// String method that Rma does not provide.
type rmaMa struct {
	*trend.Rma[float64]
}

func (r rmaMa) String() string {
	return fmt.Sprintf("RMA(%d)", r.Period)
}

// atrSeries is Wilder's ATR: cinar's ATR over an RMA rather than the
// default SMA.
func atrSeries(bars []market.Bar, period int) []float64 {
	atr := volatility.NewAtrWithMa[float64](rmaMa{trend.NewRmaWithPeriod[float64](period)})
	highs, lows, closes := hlcChans(bars)
	return padWarmup(collect(atr.Compute(highs, lows, closes)), len(bars))
}

func cciSeries(bars []market.Bar, period int) []float64 {
	cci := trend.NewCciWithPeriod[float64](period)
	highs, lows, closes := hlcChans(bars)
	return padWarmup(collect(cci.Compute(highs, lows, closes)), len(bars))
}

func willrSeries(bars []market.Bar, period int) []float64 {
	wr := &momentum.WilliamsR[float64]{
		Max: trend.NewMovingMaxWithPeriod[float64](period),
		Min: trend.NewMovingMinWithPeriod[float64](period),
	}
	highs, lows, closes := hlcChans(bars)
	return padWarmup(collect(wr.Compute(highs, lows, closes)), len(bars))
}

func stochSeries(bars []market.Bar, kPeriod, dPeriod int) (k, d []float64) {
	so := &momentum.StochasticOscillator[float64]{
		Max: trend.NewMovingMaxWithPeriod[float64](kPeriod),
		Min: trend.NewMovingMinWithPeriod[float64](kPeriod),
		Sma: trend.NewSmaWithPeriod[float64](dPeriod),
	}
	highs, lows, closes := hlcChans(bars)
	kCh, dCh := so.Compute(highs, lows, closes)

	var kVals, dVals []float64
	for kv := range kCh {
		kVals = append(kVals, kv)
		dVals = append(dVals, <-dCh)
	}
	return padWarmup(kVals, len(bars)), padWarmup(dVals, len(bars))
}

// rocSeries scales cinar's fractional rate of change to percent.
func rocSeries(closes []float64, period int) []float64 {
	roc := trend.NewRocWithPeriod[float64](period)
	vals := collect(roc.Compute(sliceChan(closes)))
	for i := range vals {
		vals[i] *= 100
	}
	return padWarmup(vals, len(closes))
}

// obvSeries stays local: cinar's v2 OBV compares each close against the
// running total instead of the prior close.
func obvSeries(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		switch {
		case bars[i].Close > bars[i-1].Close:
			out[i] = out[i-1] + bars[i].Volume
		case bars[i].Close < bars[i-1].Close:
			out[i] = out[i-1] - bars[i].Volume
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// momentumSeries is the raw close difference over period, which cinar
// does not ship.
func momentumSeries(closes []float64, period int) []float64 {
	out := nanSlice(len(closes))
	for i := period; i < len(closes); i++ {
		out[i] = closes[i] - closes[i-period]
	}
	return out
}

func trueRangeSeries(bars []market.Bar) []float64 {
	out := nanSlice(len(bars))
	for i := 1; i < len(bars); i++ {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		out[i] = math.Max(hl, math.Max(hc, lc))
	}
	return out
}

// adxSeries implements Wilder's ADX with smoothed DM/TR. ADX is not
// available in cinar/indicator v2, so we implement it ourselves.
func adxSeries(bars []market.Bar, period int) []float64 {
	out := nanSlice(len(bars))
	if len(bars) <= 2*period {
		return out
	}

	plusDM := make([]float64, len(bars))
	minusDM := make([]float64, len(bars))
	tr := trueRangeSeries(bars)
	for i := 1; i < len(bars); i++ {
		up := bars[i].High - bars[i-1].High
		down := bars[i-1].Low - bars[i].Low
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		smTR += tr[i]
		smPlus += plusDM[i]
		smMinus += minusDM[i]
	}

	dx := nanSlice(len(bars))
	for i := period + 1; i < len(bars); i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		if smTR == 0 {
			continue
		}
		pdi := 100 * smPlus / smTR
		mdi := 100 * smMinus / smTR
		if pdi+mdi == 0 {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	// ADX is the Wilder-smoothed DX.
	start := firstDefined(dx)
	if start < 0 || len(bars)-start < period {
		return out
	}
	sum := 0.0
	for i := start; i < start+period; i++ {
		sum += dx[i]
	}
	adx := sum / float64(period)
	out[start+period-1] = adx
	for i := start + period; i < len(bars); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
		out[i] = adx
	}
	return out
}

// sliceChan feeds a slice into a closed, fully buffered channel the way
// cinar indicators consume their input.
func sliceChan(vals []float64) <-chan float64 {
	ch := make(chan float64, len(vals))
	for _, v := range vals {
		ch <- v
	}
	close(ch)
	return ch
}

func hlcChans(bars []market.Bar) (highs, lows, closes <-chan float64) {
	h := make(chan float64, len(bars))
	l := make(chan float64, len(bars))
	c := make(chan float64, len(bars))
	for _, b := range bars {
		h <- b.High
		l <- b.Low
		c <- b.Close
	}
	close(h)
	close(l)
	close(c)
	return h, l, c
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

// padWarmup left-pads a computed series with NaN back to the input
// length, keeping it index-aligned with the bar window.
func padWarmup(vals []float64, n int) []float64 {
	out := nanSlice(n)
	if len(vals) > n {
		vals = vals[len(vals)-n:]
	}
	copy(out[n-len(vals):], vals)
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstDefined(vals []float64) int {
	for i, v := range vals {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}
