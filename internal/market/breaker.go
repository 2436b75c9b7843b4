package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerFeed wraps a Feed with a circuit breaker so a flapping broker
// endpoint fails fast instead of stalling every scheduler tick. Subscribe
// is passed through: the stream carries its own reconnect semantics.
type BreakerFeed struct {
	inner Feed
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerFeed wraps inner with breaker defaults tuned for a 300s tick:
// the breaker opens after 5 consecutive failures and probes again after
// 30 seconds.
func NewBreakerFeed(inner Feed) *BreakerFeed {
	settings := gobreaker.Settings{
		Name:    "market-feed",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Feed circuit breaker state change")
		},
	}

	return &BreakerFeed{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (f *BreakerFeed) Historical(ctx context.Context, symbol string, tf Timeframe, count int, end time.Time) ([]Bar, error) {
	out, err := f.cb.Execute(func() (interface{}, error) {
		return f.inner.Historical(ctx, symbol, tf, count, end)
	})
	if err != nil {
		return nil, err
	}
	return out.([]Bar), nil
}

func (f *BreakerFeed) Current(ctx context.Context, symbol string) (*Quote, error) {
	out, err := f.cb.Execute(func() (interface{}, error) {
		return f.inner.Current(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Quote), nil
}

func (f *BreakerFeed) Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error) {
	return f.inner.Subscribe(ctx, symbols)
}
