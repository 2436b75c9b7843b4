package signal

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/ensemble"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/model"
	"github.com/quantflow/fxengine/internal/risk"
)

func trendBars(n int, base, step float64) []market.Bar {
	bars := make([]market.Bar, n)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := base
	for i := 0; i < n; i++ {
		open := price
		close := open + step
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      math.Max(open, close) + math.Abs(step)*0.3,
			Low:       math.Min(open, close) - math.Abs(step)*0.3,
			Close:     close,
			Volume:    1000,
		}
		price = close
	}
	return bars
}

func upPrediction(symbol string, conf float64) *ensemble.Prediction {
	return &ensemble.Prediction{
		Probs:      [3]float64{(1 - conf) / 2, (1 - conf) / 2, conf},
		Class:      model.ClassUp,
		Confidence: conf,
		Snapshot:   ensemble.Snapshot{Symbol: symbol, Timeframe: market.TimeframeH1, Price: 1.1},
	}
}

func testQuote() *market.Quote {
	return &market.Quote{Symbol: "EURUSD", Bid: 1.0999, Ask: 1.1001, Spread: 0.0002}
}

func newTestConstructor() *Constructor {
	return NewConstructor(DefaultConstructorConfig(), zerolog.Nop())
}

func TestBuildBuySignalInvariants(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.0800, 0.0008)

	sig, err := c.Build(upPrediction("EURUSD", 0.8), bars, testQuote(), risk.DefaultParams(), 10000)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, SideBuy, sig.Side)
	assert.Less(t, sig.Stop, sig.Entry)
	assert.Less(t, sig.Entry, sig.Target)
	assert.GreaterOrEqual(t, sig.RRRatio, MinRRRatio)
	assert.Equal(t, StatusActive, sig.Status)
	assert.NotEmpty(t, sig.ID)
	assert.Equal(t, MagicForSymbol("EURUSD"), sig.MagicNumber)
	assert.NoError(t, sig.CheckInvariants())
	assert.WithinDuration(t, sig.CreatedAt.Add(4*time.Hour), sig.Expiry, time.Second)
}

func TestBuildSellSignalInvariants(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.1500, -0.0008)

	pred := upPrediction("EURUSD", 0.8)
	pred.Class = model.ClassDown
	pred.Probs = [3]float64{0.8, 0.1, 0.1}

	sig, err := c.Build(pred, bars, testQuote(), risk.DefaultParams(), 10000)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, SideSell, sig.Side)
	assert.Less(t, sig.Target, sig.Entry)
	assert.Less(t, sig.Entry, sig.Stop)
	assert.NoError(t, sig.CheckInvariants())
}

func TestBuildFlatYieldsNoSignal(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.1, 0.0001)

	pred := upPrediction("EURUSD", 0.9)
	pred.Class = model.ClassFlat

	sig, err := c.Build(pred, bars, testQuote(), risk.DefaultParams(), 10000)
	assert.NoError(t, err)
	assert.Nil(t, sig)
}

func TestBuildLowConfidenceSuppressed(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.1, 0.0005)

	_, err := c.Build(upPrediction("EURUSD", 0.5), bars, testQuote(), risk.DefaultParams(), 10000)
	assert.ErrorIs(t, err, ErrPolicyReject)
	assert.Contains(t, RejectReason(err), "confidence")
}

func TestBuildDisabledInstrumentSuppressed(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.1, 0.0005)
	params := risk.DefaultParams()
	params.InstrumentsEnabled = []string{"GBPUSD"}

	_, err := c.Build(upPrediction("EURUSD", 0.8), bars, testQuote(), params, 10000)
	assert.ErrorIs(t, err, ErrPolicyReject)
}

func TestSLTPMultipliersByCondition(t *testing.T) {
	tests := []struct {
		cond   MarketCondition
		wantSL float64
		wantTP float64
	}{
		{ConditionHighVolatility, 2.5, 4.0},
		{ConditionUptrend, 2.0, 3.5},
		{ConditionDowntrend, 2.0, 3.5},
		{ConditionSideways, 1.5, 3.0},
		{ConditionMixed, 1.5, 3.0},
	}
	for _, tt := range tests {
		sl, tp := slTPMultipliers(tt.cond)
		assert.Equal(t, tt.wantSL, sl, string(tt.cond))
		assert.Equal(t, tt.wantTP, tp, string(tt.cond))
	}
}

func TestClassifyCondition(t *testing.T) {
	up := trendBars(250, 1.0500, 0.0010)
	assert.Equal(t, ConditionUptrend, ClassifyCondition(up))

	down := trendBars(250, 1.2000, -0.0010)
	assert.Equal(t, ConditionDowntrend, ClassifyCondition(down))

	flat := trendBars(250, 1.1000, 0.0000001)
	cond := ClassifyCondition(flat)
	assert.Contains(t, []MarketCondition{ConditionSideways, ConditionMixed}, cond)

	short := trendBars(10, 1.1, 0.001)
	assert.Equal(t, ConditionMixed, ClassifyCondition(short))
}

func TestConfluenceCountsAgreeingIndicators(t *testing.T) {
	up := trendBars(250, 1.05, 0.0010)
	buy := Confluence(up, SideBuy)
	sell := Confluence(up, SideSell)
	assert.Greater(t, buy, sell, "rising series should agree with BUY more than SELL")
	assert.LessOrEqual(t, buy, 3)
}

func TestStrengthBands(t *testing.T) {
	c := newTestConstructor()
	bars := trendBars(250, 1.08, 0.0008)

	sig, err := c.Build(upPrediction("EURUSD", 0.97), bars, testQuote(), risk.DefaultParams(), 10000)
	require.NoError(t, err)
	// score = 0.7*0.97 + 0.3*min(rr/3,1); rr is at least 1.5 so score >= 0.829.
	assert.Contains(t, []Strength{StrengthStrong, StrengthVeryStrong}, sig.Strength)
}

func TestMT4PayloadPrecision(t *testing.T) {
	sig := &Signal{
		ID:               "abc",
		Symbol:           "EURUSD",
		Side:             SideBuy,
		Stop:             1.0987654321,
		Target:           1.1123456789,
		PositionSizeFrac: 0.056789,
		Confidence:       0.789123456,
		MagicNumber:      123456,
		Comment:          "test",
	}
	p := sig.MT4()
	assert.Equal(t, 1.09877, p.StopLoss)
	assert.Equal(t, 1.11235, p.TakeProfit)
	assert.Equal(t, 0.06, p.Volume)
	assert.Equal(t, 0.78912, p.Confidence)
	assert.Equal(t, "BUY", p.Action)
}

func TestBetterOrdering(t *testing.T) {
	now := time.Now()
	strong := &Signal{Strength: StrengthStrong, Confidence: 0.8, CreatedAt: now}
	moderate := &Signal{Strength: StrengthModerate, Confidence: 0.95, CreatedAt: now}
	assert.True(t, strong.Better(moderate), "strength outranks confidence")

	a := &Signal{Strength: StrengthStrong, Confidence: 0.8, CreatedAt: now}
	b := &Signal{Strength: StrengthStrong, Confidence: 0.8, CreatedAt: now.Add(time.Minute)}
	assert.True(t, b.Better(a), "ties break toward newer created_at")
}
