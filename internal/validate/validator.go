package validate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/risk"
	"github.com/quantflow/fxengine/internal/signal"
)

// ErrRejected marks a normal policy rejection. It is the same sentinel the
// signal constructor uses, so callers classify both with one errors.Is.
var ErrRejected = signal.ErrPolicyReject

// Config controls multi-timeframe validation.
type Config struct {
	// Timeframes are the higher timeframes consulted for bias agreement.
	Timeframes []market.Timeframe
	// MinAgreement is how many of Timeframes must share the signal's
	// direction.
	MinAgreement int
	// DedupeWindow suppresses repeat signals per symbol.
	DedupeWindow time.Duration
	// BiasBars is the window length fetched per timeframe.
	BiasBars int
}

// DefaultConfig returns the standard validation settings.
func DefaultConfig() Config {
	return Config{
		Timeframes:   []market.Timeframe{market.TimeframeH4, market.TimeframeD1},
		MinAgreement: 1,
		DedupeWindow: 2 * time.Hour,
		BiasBars:     60,
	}
}

// Validator cross-checks candidate signals against higher timeframes and
// the dedupe index. It does not mark the index itself; callers Commit after
// a signal is actually published, so dropped candidates never poison the
// dedupe window.
type Validator struct {
	cfg     Config
	feed    market.Feed
	index   Index
	log     zerolog.Logger
	params  *risk.Store
	account AccountState
}

// AccountState is the view of the ledger the risk gate consults.
type AccountState interface {
	// OpenPositionCount reports how many positions are currently open.
	OpenPositionCount() int
	// DailyDrawdownFrac reports the day's realised loss as a fraction of
	// equity, zero when the day is flat or profitable.
	DailyDrawdownFrac() float64
}

// New creates a validator.
func New(cfg Config, feed market.Feed, index Index, log zerolog.Logger) *Validator {
	if cfg.MinAgreement <= 0 {
		cfg.MinAgreement = DefaultConfig().MinAgreement
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultConfig().DedupeWindow
	}
	if cfg.BiasBars <= 0 {
		cfg.BiasBars = DefaultConfig().BiasBars
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = DefaultConfig().Timeframes
	}
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Validator{
		cfg:   cfg,
		feed:  feed,
		index: index,
		log:   log.With().Str("component", "validator").Logger(),
	}
}

// WithRiskGate attaches the account-level limits. Without it the
// validator runs confluence and dedupe checks only.
func (v *Validator) WithRiskGate(params *risk.Store, account AccountState) *Validator {
	v.params = params
	v.account = account
	return v
}

// Validate checks one candidate. It returns a *signal.RejectError wrapping
// ErrRejected for policy failures, or a plain error when the check itself
// could not run (for example a feed outage).
func (v *Validator) Validate(ctx context.Context, sig *signal.Signal) error {
	if err := v.checkRiskGate(sig); err != nil {
		return err
	}

	last, known, err := v.index.LastIssued(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("dedupe lookup for %s: %w", sig.Symbol, err)
	}
	if known && sig.CreatedAt.Sub(last) < v.cfg.DedupeWindow {
		v.log.Info().
			Str("symbol", sig.Symbol).
			Time("last_issued", last).
			Dur("window", v.cfg.DedupeWindow).
			Msg("Signal rejected as duplicate")
		return signal.Reject(fmt.Sprintf("duplicate within %s dedupe window", v.cfg.DedupeWindow))
	}

	want := 1
	if sig.Side == signal.SideSell {
		want = -1
	}

	agree := 0
	for _, tf := range v.cfg.Timeframes {
		bars, err := v.feed.Historical(ctx, sig.Symbol, tf, v.cfg.BiasBars, sig.CreatedAt)
		if err != nil {
			return fmt.Errorf("bias window %s %s: %w", sig.Symbol, tf, err)
		}
		if signal.TrendBias(bars) == want {
			agree++
		}
	}
	if agree < v.cfg.MinAgreement {
		v.log.Info().
			Str("symbol", sig.Symbol).
			Str("side", string(sig.Side)).
			Int("agreeing", agree).
			Int("required", v.cfg.MinAgreement).
			Msg("Signal rejected by timeframe confluence")
		return signal.Reject(fmt.Sprintf("only %d of %d timeframes agree, need %d",
			agree, len(v.cfg.Timeframes), v.cfg.MinAgreement))
	}

	return nil
}

// checkRiskGate rejects candidates the account-level limits forbid.
func (v *Validator) checkRiskGate(sig *signal.Signal) error {
	if v.params == nil || v.account == nil {
		return nil
	}
	p := v.params.Get()

	if p.MaxOpenPositions > 0 {
		if open := v.account.OpenPositionCount(); open >= p.MaxOpenPositions {
			v.log.Info().
				Str("symbol", sig.Symbol).
				Int("open_positions", open).
				Int("limit", p.MaxOpenPositions).
				Msg("Signal rejected by open-position limit")
			return signal.Reject(fmt.Sprintf("open positions %d at limit %d", open, p.MaxOpenPositions))
		}
	}

	if p.MaxDailyDrawdown > 0 {
		if dd := v.account.DailyDrawdownFrac(); dd >= p.MaxDailyDrawdown {
			v.log.Info().
				Str("symbol", sig.Symbol).
				Float64("daily_drawdown", dd).
				Float64("limit", p.MaxDailyDrawdown).
				Msg("Signal rejected by daily-drawdown limit")
			return signal.Reject(fmt.Sprintf("daily drawdown %.4f at limit %.4f", dd, p.MaxDailyDrawdown))
		}
	}

	return nil
}

// Commit records a published signal in the dedupe index.
func (v *Validator) Commit(ctx context.Context, sig *signal.Signal) error {
	if err := v.index.Mark(ctx, sig.Symbol, sig.CreatedAt); err != nil {
		return fmt.Errorf("dedupe mark for %s: %w", sig.Symbol, err)
	}
	return nil
}

// CapSelect enforces the global concurrency cap. Given the candidates that
// survived validation and the number of already-active signals, it returns
// the candidates to publish and the overflow, strongest first. Ordering is
// strength, then confidence, then newer created_at.
func CapSelect(candidates []*signal.Signal, active, maxConcurrent int) (accepted, dropped []*signal.Signal) {
	sorted := make([]*signal.Signal, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Better(sorted[j])
	})

	room := maxConcurrent - active
	if room < 0 {
		room = 0
	}
	if room > len(sorted) {
		room = len(sorted)
	}
	return sorted[:room], sorted[room:]
}
