package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/ensemble"
	"github.com/quantflow/fxengine/internal/features"
	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/model"
	"github.com/quantflow/fxengine/internal/risk"
)

// MinRRRatio is the floor every published signal must clear.
const MinRRRatio = 1.5

// atrPeriod is the lookback for the risk unit.
const atrPeriod = 14

// lotIncrement is the broker's minimum size step; sizes round down to it.
const lotIncrement = 0.01

// ConstructorConfig controls signal construction.
type ConstructorConfig struct {
	MinConfidence float64       // suppress predictions below this
	Expiry        time.Duration // horizon from created_at
}

// DefaultConstructorConfig returns the standard constructor settings.
func DefaultConstructorConfig() ConstructorConfig {
	return ConstructorConfig{
		MinConfidence: 0.65,
		Expiry:        4 * time.Hour,
	}
}

// Constructor turns predictions into fully qualified signals under risk
// policy. It is pure given prediction, window, quote, risk parameters and
// equity; clock injection keeps tests deterministic.
type Constructor struct {
	cfg ConstructorConfig
	log zerolog.Logger
	now func() time.Time
}

// NewConstructor creates a constructor.
func NewConstructor(cfg ConstructorConfig, log zerolog.Logger) *Constructor {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConstructorConfig().MinConfidence
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultConstructorConfig().Expiry
	}
	return &Constructor{
		cfg: cfg,
		log: log.With().Str("component", "signal_constructor").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the constructor's clock.
func (c *Constructor) WithClock(now func() time.Time) *Constructor {
	c.now = now
	return c
}

// slTPMultipliers returns the stop and target multiples of the ATR risk
// unit for a market condition.
func slTPMultipliers(cond MarketCondition) (sl, tp float64) {
	switch cond {
	case ConditionHighVolatility:
		return 2.5, 4.0
	case ConditionUptrend, ConditionDowntrend:
		return 2.0, 3.5
	default:
		return 1.5, 3.0
	}
}

// Build constructs a signal from a prediction. A FLAT prediction returns
// (nil, nil); policy suppressions return a *RejectError.
func (c *Constructor) Build(pred *ensemble.Prediction, bars []market.Bar, quote *market.Quote, params risk.Params, equity float64) (*Signal, error) {
	if pred.Class == model.ClassFlat {
		return nil, nil
	}
	if pred.Confidence < c.cfg.MinConfidence {
		return nil, Reject(fmt.Sprintf("confidence %.3f below threshold %.3f", pred.Confidence, c.cfg.MinConfidence))
	}
	if !params.InstrumentEnabled(pred.Snapshot.Symbol) {
		return nil, Reject("instrument disabled")
	}
	if equity <= 0 {
		return nil, Reject("no account equity")
	}

	side := SideBuy
	if pred.Class == model.ClassDown {
		side = SideSell
	}

	unit := features.ATR(bars, atrPeriod)
	if unit <= 0 {
		return nil, Reject("no ATR risk unit")
	}

	cond := ClassifyCondition(bars)
	slMult, tpMult := slTPMultipliers(cond)

	var entry, stop, target float64
	if side == SideBuy {
		entry = quote.Ask
		stop = entry - slMult*unit
		target = entry + tpMult*unit
	} else {
		entry = quote.Bid
		stop = entry + slMult*unit
		target = entry - tpMult*unit
	}
	if stop <= 0 || target <= 0 || entry <= 0 {
		return nil, Reject("levels below zero")
	}

	rr := math.Abs(target-entry) / math.Abs(entry-stop)
	if rr < MinRRRatio {
		return nil, Reject(fmt.Sprintf("rr_ratio %.3f below %.1f", rr, MinRRRatio))
	}

	riskFrac := math.Min(params.MaxRiskPerTrade, params.MaxVolumePerTrade/equity)
	sizeFrac := riskFrac / math.Abs(entry-stop)
	sizeFrac = math.Min(sizeFrac, params.MaxExposurePerInstrument)
	sizeFrac = math.Floor(sizeFrac/lotIncrement) * lotIncrement
	if sizeFrac <= 0 {
		return nil, Reject("position size rounds to zero")
	}

	score := 0.7*pred.Confidence + 0.3*math.Min(rr/3, 1)
	strength := StrengthWeak
	switch {
	case score >= 0.9:
		strength = StrengthVeryStrong
	case score >= 0.8:
		strength = StrengthStrong
	case score >= 0.7:
		strength = StrengthModerate
	}

	now := c.now()
	sig := &Signal{
		ID:                  uuid.New().String(),
		CreatedAt:           now,
		LastUpdate:          now,
		Symbol:              pred.Snapshot.Symbol,
		Side:                side,
		Strength:            strength,
		Entry:               entry,
		Stop:                stop,
		Target:              target,
		Confidence:          pred.Confidence,
		RRRatio:             rr,
		Timeframe:           pred.Snapshot.Timeframe,
		Expiry:              now.Add(c.cfg.Expiry),
		MarketCondition:     cond,
		TechnicalConfluence: Confluence(bars, side),
		FundamentalScore:    0.5, // neutral: no news provider attached
		PositionSizeFrac:    sizeFrac,
		MaxRiskFrac:         params.MaxRiskPerTrade,
		Status:              StatusActive,
		MagicNumber:         MagicForSymbol(pred.Snapshot.Symbol),
		Comment:             fmt.Sprintf("fxengine %s %s", pred.Snapshot.Timeframe, cond),
	}
	if err := sig.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("constructed signal violates invariants: %w", err)
	}

	c.log.Debug().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Str("strength", string(strength)).
		Float64("entry", entry).
		Float64("rr", rr).
		Msg("Signal constructed")
	return sig, nil
}
