package market

import (
	"context"
	"time"
)

// Feed defines the read-only market data interface the engine consumes.
// MockFeed (synthetic data), BinanceFeed (live) and BreakerFeed (fault
// isolation wrapper) all implement it.
type Feed interface {
	// Historical returns up to count bars ending at end (zero time = now),
	// oldest first.
	Historical(ctx context.Context, symbol string, tf Timeframe, count int, end time.Time) ([]Bar, error)

	// Current returns the live top-of-book quote for a symbol.
	Current(ctx context.Context, symbol string) (*Quote, error)

	// Subscribe streams ticks for the given symbols until ctx is done.
	// The returned channel is closed on cancellation.
	Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error)
}
