package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/ensemble"
	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/risk"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/validate"
)

// EquitySource reports the account equity used for position sizing. The
// ledger implements it; a fixed fallback serves before the first EA
// account report.
type EquitySource interface {
	Equity() float64
}

// FixedEquity is an EquitySource with a constant value.
type FixedEquity float64

// Equity implements EquitySource.
func (f FixedEquity) Equity() float64 { return float64(f) }

// Pipeline is the per-symbol prediction path: window fetch, freshness
// check, feature row, ensemble prediction, signal construction,
// validation.
type Pipeline struct {
	feed      market.Feed
	engineer  *features.Engineer
	combiner  *ensemble.Combiner
	ctor      *signal.Constructor
	validator *validate.Validator
	params    *risk.Store
	equity    EquitySource
	timeframe market.Timeframe
	history   int
	log       zerolog.Logger
	now       func() time.Time
}

// NewPipeline wires the prediction path. history is the bar count fetched
// per symbol; values below the engineer's minimum are raised to it.
func NewPipeline(
	feed market.Feed,
	engineer *features.Engineer,
	combiner *ensemble.Combiner,
	ctor *signal.Constructor,
	validator *validate.Validator,
	params *risk.Store,
	equity EquitySource,
	timeframe market.Timeframe,
	history int,
	log zerolog.Logger,
) *Pipeline {
	if history < engineer.MinBars() {
		history = engineer.MinBars()
	}
	return &Pipeline{
		feed:      feed,
		engineer:  engineer,
		combiner:  combiner,
		ctor:      ctor,
		validator: validator,
		params:    params,
		equity:    equity,
		timeframe: timeframe,
		history:   history,
		log:       log.With().Str("component", "pipeline").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the pipeline's clock.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// RunSymbol implements Runner.
func (p *Pipeline) RunSymbol(ctx context.Context, symbol string) (*signal.Signal, error) {
	now := p.now()

	bars, err := p.feed.Historical(ctx, symbol, p.timeframe, p.history, now)
	if err != nil {
		return nil, fmt.Errorf("fetch window for %s: %w", symbol, err)
	}
	if err := market.ValidateWindow(bars); err != nil {
		return nil, fmt.Errorf("window for %s: %w", symbol, err)
	}
	if err := market.CheckFresh(bars, p.timeframe, now); err != nil {
		return nil, fmt.Errorf("freshness for %s: %w", symbol, err)
	}

	row, err := p.engineer.BuildLatest(bars)
	if err != nil {
		return nil, fmt.Errorf("features for %s: %w", symbol, err)
	}

	snap := ensemble.Snapshot{
		Symbol:    symbol,
		Timeframe: p.timeframe,
		Price:     bars[len(bars)-1].Close,
		Timestamp: now,
	}
	pred, err := p.combiner.Predict(row, snap)
	if err != nil {
		return nil, fmt.Errorf("predict for %s: %w", symbol, err)
	}

	quote, err := p.feed.Current(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", symbol, err)
	}

	sig, err := p.ctor.Build(pred, bars, quote, p.params.Get(), p.equity.Equity())
	if err != nil {
		if reason := signal.RejectReason(err); reason != "" {
			metrics.RecordRejection("constructor")
		}
		return nil, err
	}
	if sig == nil {
		return nil, nil
	}

	if err := p.validator.Validate(ctx, sig); err != nil {
		if reason := signal.RejectReason(err); reason != "" {
			metrics.RecordRejection("validator")
		}
		return nil, err
	}

	metrics.RecordSignal(sig.Symbol, string(sig.Side), sig.Confidence)
	p.log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("side", string(sig.Side)).
		Float64("confidence", sig.Confidence).
		Msg("Candidate signal validated")
	return sig, nil
}
