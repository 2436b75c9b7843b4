package market

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// SymbolProfile controls the synthetic series generated for one symbol.
type SymbolProfile struct {
	BasePrice  float64 // price at the start of the generated history
	Drift      float64 // per-bar fractional drift (positive = uptrend)
	Volatility float64 // per-bar fractional noise sigma
	SpreadPips float64 // fixed spread in price units
}

// MockFeed produces a deterministic seeded random walk per symbol.
// Bars are generated on demand and anchored to wall-clock bar boundaries,
// so repeated Historical calls over the same range agree bar for bar.
type MockFeed struct {
	profiles map[string]SymbolProfile
	seed     int64

	mu      sync.RWMutex
	quotes  map[string]float64 // last generated close per symbol
	tickGap time.Duration
}

// NewMockFeed creates a synthetic feed for the configured symbols.
func NewMockFeed(profiles map[string]SymbolProfile, seed int64) *MockFeed {
	log.Info().
		Int("symbols", len(profiles)).
		Int64("seed", seed).
		Msg("Mock feed initialized (synthetic data)")

	return &MockFeed{
		profiles: profiles,
		seed:     seed,
		quotes:   make(map[string]float64),
		tickGap:  time.Second,
	}
}

// Historical generates count bars for symbol ending at end, oldest first.
func (m *MockFeed) Historical(ctx context.Context, symbol string, tf Timeframe, count int, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prof, ok := m.profiles[symbol]
	if !ok {
		return nil, ErrInsufficientData
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	interval := tf.Duration()
	end = end.Truncate(interval)

	// The walk is anchored at a fixed epoch so any window is reproducible.
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	firstIdx := int(end.Sub(epoch)/interval) - count + 1
	if firstIdx < 0 {
		firstIdx = 0
	}

	rng := rand.New(rand.NewSource(m.seed ^ int64(hashSymbol(symbol))))
	price := prof.BasePrice
	bars := make([]Bar, 0, count)
	for i := 0; i <= firstIdx+count-1; i++ {
		open := price
		ret := prof.Drift + prof.Volatility*rng.NormFloat64()
		close := open * (1 + ret)
		wick := math.Abs(prof.Volatility*rng.NormFloat64()) * open
		high := math.Max(open, close) + wick
		low := math.Min(open, close) - wick
		vol := 1000 + 500*rng.Float64()
		price = close

		if i >= firstIdx {
			bars = append(bars, Bar{
				Timestamp: epoch.Add(time.Duration(i) * interval),
				Open:      open,
				High:      high,
				Low:       low,
				Close:     close,
				Volume:    vol,
			})
		}
	}

	m.mu.Lock()
	m.quotes[symbol] = price
	m.mu.Unlock()

	return bars, nil
}

// Current returns a quote derived from the last generated close.
func (m *MockFeed) Current(ctx context.Context, symbol string) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prof, ok := m.profiles[symbol]
	if !ok {
		return nil, ErrInsufficientData
	}

	m.mu.RLock()
	last, seen := m.quotes[symbol]
	m.mu.RUnlock()
	if !seen {
		last = prof.BasePrice
	}

	half := prof.SpreadPips / 2
	return &Quote{
		Symbol:    symbol,
		Bid:       last - half,
		Ask:       last + half,
		Spread:    prof.SpreadPips,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Subscribe streams synthetic ticks, paced by a rate limiter so tests and
// dry runs cannot spin the consumer.
func (m *MockFeed) Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error) {
	out := make(chan Tick, len(symbols)*4)
	limiter := rate.NewLimiter(rate.Every(m.tickGap), len(symbols))

	go func() {
		defer close(out)
		for {
			for _, sym := range symbols {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				q, err := m.Current(ctx, sym)
				if err != nil {
					continue
				}
				select {
				case out <- Tick{Symbol: sym, Bid: q.Bid, Ask: q.Ask, Timestamp: q.Timestamp}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func hashSymbol(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
