package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantflow/fxengine/internal/ensemble"
	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/risk"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/validate"
)

func trainedPipeline(t *testing.T, feed market.Feed) *Pipeline {
	t.Helper()

	eng := features.NewEngineer(features.DefaultConfig())
	bars, err := feed.Historical(context.Background(), "EURUSD", market.TimeframeH1, 1500, time.Now().UTC())
	require.NoError(t, err)
	set, err := eng.BuildTraining(bars)
	require.NoError(t, err)
	require.NotEmpty(t, set.Rows)

	comb := ensemble.NewDefault(42)
	_, err = comb.Train(set)
	require.NoError(t, err)

	store, err := risk.NewStore(risk.DefaultParams())
	require.NoError(t, err)

	ctor := signal.NewConstructor(signal.DefaultConstructorConfig(), zerolog.Nop())
	val := validate.New(validate.DefaultConfig(), feed, validate.NewMemoryIndex(), zerolog.Nop())

	return NewPipeline(feed, eng, comb, ctor, val, store, FixedEquity(10000),
		market.TimeframeH1, 0, zerolog.Nop())
}

func TestPipelineRunSymbol(t *testing.T) {
	feed := market.NewMockFeed(map[string]market.SymbolProfile{
		"EURUSD": {BasePrice: 1.1, Drift: 0.0002, Volatility: 0.002, SpreadPips: 0.0002},
	}, 7)
	p := trainedPipeline(t, feed)

	sig, err := p.RunSymbol(context.Background(), "EURUSD")
	if err != nil {
		// Policy suppression is a normal outcome on synthetic data.
		assert.ErrorIs(t, err, signal.ErrPolicyReject)
		return
	}
	if sig != nil {
		assert.NoError(t, sig.CheckInvariants())
		assert.Equal(t, "EURUSD", sig.Symbol)
	}
}

func TestPipelineUnknownSymbol(t *testing.T) {
	feed := market.NewMockFeed(map[string]market.SymbolProfile{
		"EURUSD": {BasePrice: 1.1, Volatility: 0.002, SpreadPips: 0.0002},
	}, 7)
	p := trainedPipeline(t, feed)

	_, err := p.RunSymbol(context.Background(), "XXXYYY")
	assert.ErrorIs(t, err, market.ErrInsufficientData)
}

// staleFeed serves windows that always end two days before the clock.
type staleFeed struct{ market.Feed }

func (f *staleFeed) Historical(ctx context.Context, symbol string, tf market.Timeframe, count int, end time.Time) ([]market.Bar, error) {
	return f.Feed.Historical(ctx, symbol, tf, count, end.Add(-48*time.Hour))
}

func TestPipelineRejectsStaleWindow(t *testing.T) {
	mock := market.NewMockFeed(map[string]market.SymbolProfile{
		"EURUSD": {BasePrice: 1.1, Volatility: 0.002, SpreadPips: 0.0002},
	}, 7)
	p := trainedPipeline(t, mock)
	p.feed = &staleFeed{Feed: mock}

	_, err := p.RunSymbol(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, market.ErrStaleData)
}

func TestPipelineCancelled(t *testing.T) {
	feed := market.NewMockFeed(map[string]market.SymbolProfile{
		"EURUSD": {BasePrice: 1.1, Volatility: 0.002, SpreadPips: 0.0002},
	}, 7)
	p := trainedPipeline(t, feed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.RunSymbol(ctx, "EURUSD")
	assert.ErrorIs(t, err, context.Canceled)
}
