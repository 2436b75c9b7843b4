// Package scheduler drives the per-symbol prediction pipeline on a fixed
// cadence with bounded fan-out.
package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quantflow/fxengine/internal/market"
	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/model"
	"github.com/quantflow/fxengine/internal/signal"
	"github.com/quantflow/fxengine/internal/validate"
)

// Runner executes the per-symbol pipeline for one tick.
type Runner interface {
	// RunSymbol produces the candidate signal for symbol, or (nil, nil)
	// when the models see no opportunity.
	RunSymbol(ctx context.Context, symbol string) (*signal.Signal, error)
}

// Sink receives the candidates that survive the global cap.
type Sink interface {
	// ActiveCount reports how many signals are currently active.
	ActiveCount() int
	// Publish delivers accepted signals downstream.
	Publish(ctx context.Context, sigs []*signal.Signal) error
}

// Config controls the tick loop.
type Config struct {
	TickInterval         time.Duration // cadence of the loop
	Guard                time.Duration // subtracted from the per-task deadline
	Workers              int           // fan-out bound; 0 means len(symbols) capped at GOMAXPROCS
	KillThreshold        int           // consecutive failures before a symbol leaves rotation
	MaxConcurrentSignals int           // system-wide active signal cap
}

// DefaultConfig returns the standard scheduling settings.
func DefaultConfig() Config {
	return Config{
		TickInterval:         300 * time.Second,
		Guard:                10 * time.Second,
		KillThreshold:        5,
		MaxConcurrentSignals: 10,
	}
}

// Result is the outcome of one per-symbol task.
type Result struct {
	Symbol   string
	Signal   *signal.Signal
	Err      error
	Kind     string
	Skipped  bool
	Duration time.Duration
}

// symbolState tracks per-symbol back-pressure and failure accounting.
type symbolState struct {
	busy     bool
	failures int
	disabled bool
	skips    int
}

// Stats is a point-in-time snapshot for the status API.
type Stats struct {
	Ticks    uint64         `json:"ticks"`
	Skips    map[string]int `json:"skips"`
	Failures map[string]int `json:"failures"`
	Disabled []string       `json:"disabled"`
}

// Scheduler owns the tick loop. One task per symbol per tick, never more
// than one outstanding task per symbol across ticks.
type Scheduler struct {
	cfg     Config
	symbols []string
	runner  Runner
	sink    Sink
	log     zerolog.Logger

	mu    sync.Mutex
	state map[string]*symbolState
	ticks uint64

	onDisable func(symbol string, failures int)
}

// OnDisable registers a hook invoked when a symbol leaves the rotation.
// Call before Run.
func (s *Scheduler) OnDisable(fn func(symbol string, failures int)) {
	s.onDisable = fn
}

// New creates a scheduler over symbols.
func New(cfg Config, symbols []string, runner Runner, sink Sink, log zerolog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.Guard <= 0 || cfg.Guard >= cfg.TickInterval {
		cfg.Guard = DefaultConfig().Guard
	}
	if cfg.Workers <= 0 {
		cfg.Workers = len(symbols)
		if max := runtime.GOMAXPROCS(0); cfg.Workers > max {
			cfg.Workers = max
		}
		if cfg.Workers == 0 {
			cfg.Workers = 1
		}
	}
	if cfg.KillThreshold <= 0 {
		cfg.KillThreshold = DefaultConfig().KillThreshold
	}
	if cfg.MaxConcurrentSignals <= 0 {
		cfg.MaxConcurrentSignals = DefaultConfig().MaxConcurrentSignals
	}

	state := make(map[string]*symbolState, len(symbols))
	for _, s := range symbols {
		state[s] = &symbolState{}
	}
	return &Scheduler{
		cfg:     cfg,
		symbols: symbols,
		runner:  runner,
		sink:    sink,
		log:     log.With().Str("component", "scheduler").Logger(),
		state:   state,
	}
}

// Run executes the tick loop until ctx is cancelled. The first tick fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Int("symbols", len(s.symbols)).
		Dur("interval", s.cfg.TickInterval).
		Int("workers", s.cfg.Workers).
		Msg("Scheduler starting")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// Ticks run in their own goroutine so a slow tick never delays the
	// next edge; per-symbol busy flags prevent duplicate tasks.
	var ticks sync.WaitGroup
	fire := func() {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			s.Tick(ctx)
		}()
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			ticks.Wait()
			s.log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			fire()
		}
	}
}

// Tick runs one full fan-out cycle and returns the per-symbol results.
func (s *Scheduler) Tick(ctx context.Context) map[string]Result {
	s.mu.Lock()
	s.ticks++
	tick := s.ticks
	s.mu.Unlock()
	metrics.SchedulerTicks.Inc()

	deadline := s.cfg.TickInterval - s.cfg.Guard
	tickCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(map[string]Result, len(s.symbols))
	var resMu sync.Mutex

	sem := semaphore.NewWeighted(int64(s.cfg.Workers))
	g, gctx := errgroup.WithContext(tickCtx)

	for _, symbol := range s.symbols {
		if skip, reason := s.claim(symbol); skip {
			resMu.Lock()
			results[symbol] = Result{Symbol: symbol, Skipped: true, Kind: reason}
			resMu.Unlock()
			continue
		}

		symbol := symbol
		g.Go(func() error {
			defer s.release(symbol)

			if err := sem.Acquire(gctx, 1); err != nil {
				resMu.Lock()
				results[symbol] = Result{Symbol: symbol, Err: err, Kind: metrics.KindCancelled}
				resMu.Unlock()
				return nil
			}
			defer sem.Release(1)

			start := time.Now()
			sig, err := s.runner.RunSymbol(gctx, symbol)
			res := Result{
				Symbol:   symbol,
				Signal:   sig,
				Err:      err,
				Kind:     Classify(err),
				Duration: time.Since(start),
			}
			s.account(symbol, res)
			metrics.RecordTaskOutcome(symbol, res.Kind, float64(res.Duration.Milliseconds()))

			resMu.Lock()
			results[symbol] = res
			resMu.Unlock()
			return nil
		})
	}

	g.Wait()

	candidates := make([]*signal.Signal, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.Signal != nil {
			candidates = append(candidates, r.Signal)
		}
	}

	if len(candidates) > 0 {
		accepted, dropped := validate.CapSelect(candidates, s.sink.ActiveCount(), s.cfg.MaxConcurrentSignals)
		for _, d := range dropped {
			metrics.RecordRejection("cap")
			s.log.Info().
				Str("signal_id", d.ID).
				Str("symbol", d.Symbol).
				Msg("Signal dropped by concurrency cap")
		}
		if len(accepted) > 0 {
			if err := s.sink.Publish(ctx, accepted); err != nil {
				s.log.Error().Err(err).Msg("Publish failed")
			}
		}
	}

	s.log.Debug().
		Uint64("tick", tick).
		Int("symbols", len(s.symbols)).
		Int("candidates", len(candidates)).
		Msg("Tick complete")
	return results
}

// claim marks a symbol busy for this tick, or reports why it is skipped.
func (s *Scheduler) claim(symbol string) (skip bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[symbol]
	if st == nil {
		return true, "unknown"
	}
	if st.disabled {
		return true, "disabled"
	}
	if st.busy {
		st.skips++
		metrics.SymbolTasksSkipped.WithLabelValues(symbol).Inc()
		s.log.Warn().Str("symbol", symbol).Int("skips", st.skips).Msg("Previous task still running, skipping")
		return true, "busy"
	}
	st.busy = true
	return false, ""
}

func (s *Scheduler) release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state[symbol]; st != nil {
		st.busy = false
	}
}

// account applies the failure policy to one task result.
func (s *Scheduler) account(symbol string, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[symbol]
	if st == nil {
		return
	}

	switch res.Kind {
	case metrics.KindPolicyReject, metrics.KindCancelled:
		// Normal outcomes, not failures.
		return
	case metrics.KindNotReady, metrics.KindShape:
		// Model contract breaches never heal on their own; the symbol
		// leaves rotation at once and stays out until an operator Reset.
		st.failures++
		s.disableLocked(symbol, st, res.Err)
		return
	}
	if res.Err == nil {
		st.failures = 0
		return
	}

	st.failures++
	s.log.Warn().
		Str("symbol", symbol).
		Int("consecutive_failures", st.failures).
		Err(res.Err).
		Msg("Symbol task failed")
	if st.failures >= s.cfg.KillThreshold {
		s.disableLocked(symbol, st, res.Err)
	}
}

// disableLocked takes a symbol out of rotation. Caller holds s.mu.
func (s *Scheduler) disableLocked(symbol string, st *symbolState, cause error) {
	if st.disabled {
		return
	}
	st.disabled = true
	s.log.Error().
		Str("symbol", symbol).
		Int("consecutive_failures", st.failures).
		Err(cause).
		Msg("Symbol removed from rotation")
	metrics.SymbolsDisabled.Set(float64(s.disabledLocked()))
	if s.onDisable != nil {
		go s.onDisable(symbol, st.failures)
	}
}

// Reset puts a disabled symbol back into rotation.
func (s *Scheduler) Reset(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[symbol]
	if st == nil || !st.disabled {
		return false
	}
	st.disabled = false
	st.failures = 0
	metrics.SymbolsDisabled.Set(float64(s.disabledLocked()))
	s.log.Info().Str("symbol", symbol).Msg("Symbol restored to rotation")
	return true
}

// Snapshot returns current counters for the status API.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{
		Ticks:    s.ticks,
		Skips:    make(map[string]int),
		Failures: make(map[string]int),
	}
	for sym, st := range s.state {
		if st.skips > 0 {
			stats.Skips[sym] = st.skips
		}
		if st.failures > 0 {
			stats.Failures[sym] = st.failures
		}
		if st.disabled {
			stats.Disabled = append(stats.Disabled, sym)
		}
	}
	return stats
}

func (s *Scheduler) disabledLocked() int {
	n := 0
	for _, st := range s.state {
		if st.disabled {
			n++
		}
	}
	return n
}

// Classify maps a task error onto the bounded outcome kinds.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.KindCancelled
	case errors.Is(err, signal.ErrPolicyReject):
		return metrics.KindPolicyReject
	case errors.Is(err, model.ErrNotReady):
		return metrics.KindNotReady
	case errors.Is(err, model.ErrShape):
		return metrics.KindShape
	case errors.Is(err, market.ErrStaleData), errors.Is(err, market.ErrInsufficientData):
		return metrics.KindDataQuality
	default:
		return metrics.KindTransientIO
	}
}
