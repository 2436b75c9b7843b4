package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/model"
)

// syntheticBars builds a deterministic rising series with mild noise.
func syntheticBars(n int, base, step float64) []market.Bar {
	bars := make([]market.Bar, n)
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	price := base
	for i := 0; i < n; i++ {
		open := price
		noise := 0.3 * step * math.Sin(float64(i))
		close := open + step + noise
		bars[i] = market.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      open,
			High:      math.Max(open, close) + 0.1*step,
			Low:       math.Min(open, close) - 0.1*step,
			Close:     close,
			Volume:    1000,
		}
		price = close
	}
	return bars
}

func TestBuildTrainingExactMinimumYieldsOneRow(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(eng.MinBars(), 1.1000, 0.0005)

	set, err := eng.BuildTraining(bars)
	require.NoError(t, err)
	assert.Len(t, set.Rows, 1)
}

func TestBuildTrainingShortWindowYieldsEmptySet(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(eng.MinBars()-1, 1.1000, 0.0005)

	set, err := eng.BuildTraining(bars)
	require.NoError(t, err)
	assert.Empty(t, set.Rows)
}

func TestBuildTrainingShapesAndAlignment(t *testing.T) {
	cfg := Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001}
	eng := NewEngineer(cfg)
	bars := syntheticBars(eng.MinBars()+40, 1.1000, 0.0005)

	set, err := eng.BuildTraining(bars)
	require.NoError(t, err)
	require.Len(t, set.Rows, 41)
	assert.Equal(t, eng.VectorWidth(), len(set.Names))

	for _, row := range set.Rows {
		assert.Len(t, row.Vector, eng.VectorWidth())
		assert.Len(t, row.Sequence, cfg.SequenceLength)
		assert.Len(t, row.Sequence[0], 5)
		assert.Len(t, row.Window, cfg.SequenceLength)
		assert.Len(t, row.Window[0], WindowChannels)
		for _, v := range row.Vector {
			assert.False(t, math.IsNaN(v), "vector must not contain NaN")
		}
	}
}

func TestBuildTrainingLabelsRisingSeries(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(eng.MinBars()+100, 1.1000, 0.0010)

	set, err := eng.BuildTraining(bars)
	require.NoError(t, err)
	require.NotEmpty(t, set.Rows)

	up := 0
	for _, row := range set.Rows {
		if row.Label == model.ClassUp {
			up++
		}
	}
	assert.Greater(t, up, len(set.Rows)/2, "a steadily rising series should mostly label UP")
}

func TestBuildLatestRequiresFittedScalers(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(maxLookback+16, 1.1000, 0.0005)

	_, err := eng.BuildLatest(bars)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestBuildLatestAfterTraining(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(eng.MinBars()+50, 1.1000, 0.0005)

	_, err := eng.BuildTraining(bars)
	require.NoError(t, err)

	row, err := eng.BuildLatest(bars)
	require.NoError(t, err)
	assert.Len(t, row.Vector, eng.VectorWidth())
	assert.True(t, row.Clean)

	// Sequence values must be min-max scaled.
	for _, r := range row.Sequence {
		for _, v := range r {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestNaNBarsAreNeutralisedAndFlagged(t *testing.T) {
	eng := NewEngineer(Config{SequenceLength: 16, Horizon: 5, Epsilon: 0.001})
	bars := syntheticBars(eng.MinBars()+50, 1.1000, 0.0005)
	bars[len(bars)-3].Close = math.NaN()
	bars[len(bars)-3].High = math.NaN()

	_, err := eng.BuildTraining(syntheticBars(eng.MinBars()+50, 1.1000, 0.0005))
	require.NoError(t, err)

	row, err := eng.BuildLatest(bars)
	require.NoError(t, err)
	assert.False(t, row.Clean, "rows touching neutralised bars must be flagged")
	for _, v := range row.Vector {
		assert.False(t, math.IsNaN(v))
	}
}

func TestPatternSlotsNeutralByDefault(t *testing.T) {
	bars := syntheticBars(10, 1.1, 0.0005)
	slots := patternSlots(bars, 5)
	require.Len(t, slots, len(PatternNames))
	for _, v := range slots {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestIndicatorSeriesAlignment(t *testing.T) {
	bars := syntheticBars(100, 1.1, 0.001)
	closes := market.Closes(bars)

	rsi := rsiSeries(closes, 14)
	require.Len(t, rsi, 100)
	assert.True(t, math.IsNaN(rsi[13]), "warm-up positions must be NaN")
	assert.False(t, math.IsNaN(rsi[14]))
	for i := 14; i < 100; i++ {
		assert.GreaterOrEqual(t, rsi[i], 0.0)
		assert.LessOrEqual(t, rsi[i], 100.0)
	}

	atr := atrSeries(bars, 14)
	assert.True(t, math.IsNaN(atr[13]))
	assert.Greater(t, atr[50], 0.0)

	sma := smaSeries(closes, 20)
	assert.InDelta(t, mean(closes[31:51]), sma[50], 1e-12)

	// MACD line and signal line warm up together: defined from index
	// slow + signal - 2 on.
	macd, sig, hist := macdSeries(closes, 12, 26, 9)
	require.Len(t, macd, 100)
	assert.True(t, math.IsNaN(macd[32]))
	assert.True(t, math.IsNaN(sig[32]))
	assert.False(t, math.IsNaN(macd[33]))
	assert.False(t, math.IsNaN(sig[33]))
	assert.InDelta(t, macd[50]-sig[50], hist[50], 1e-12)

	upper, middle, lower := bollingerSeries(closes, 20)
	assert.True(t, math.IsNaN(middle[18]))
	assert.InDelta(t, sma[50], middle[50], 1e-12)
	assert.Greater(t, upper[50], middle[50])
	assert.Less(t, lower[50], middle[50])

	k, d := stochSeries(bars, 14, 3)
	assert.True(t, math.IsNaN(k[14]))
	assert.False(t, math.IsNaN(k[15]))
	assert.False(t, math.IsNaN(d[15]))
	for i := 15; i < 100; i++ {
		assert.GreaterOrEqual(t, k[i], 0.0)
		assert.LessOrEqual(t, k[i], 100.0)
	}
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
