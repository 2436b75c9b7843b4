package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfiles() map[string]SymbolProfile {
	return map[string]SymbolProfile{
		"EURUSD": {BasePrice: 1.1000, Drift: 0.0001, Volatility: 0.001, SpreadPips: 0.0002},
		"GBPUSD": {BasePrice: 1.2700, Drift: -0.0001, Volatility: 0.0015, SpreadPips: 0.0003},
	}
}

func TestMockFeedHistoricalDeterministic(t *testing.T) {
	feed := NewMockFeed(testProfiles(), 42)
	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	a, err := feed.Historical(context.Background(), "EURUSD", TimeframeH1, 300, end)
	require.NoError(t, err)
	b, err := feed.Historical(context.Background(), "EURUSD", TimeframeH1, 300, end)
	require.NoError(t, err)

	require.Len(t, a, 300)
	assert.Equal(t, a, b, "same request must yield identical bars")
	assert.NoError(t, ValidateWindow(a))
}

func TestMockFeedWindowsOverlapConsistently(t *testing.T) {
	feed := NewMockFeed(testProfiles(), 7)
	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	long, err := feed.Historical(context.Background(), "GBPUSD", TimeframeH1, 100, end)
	require.NoError(t, err)
	short, err := feed.Historical(context.Background(), "GBPUSD", TimeframeH1, 10, end)
	require.NoError(t, err)

	assert.Equal(t, long[len(long)-10:], short, "shorter window must be a suffix of the longer one")
}

func TestMockFeedUnknownSymbol(t *testing.T) {
	feed := NewMockFeed(testProfiles(), 1)
	_, err := feed.Historical(context.Background(), "XAUUSD", TimeframeH1, 10, time.Time{})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestValidateWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	good := []Bar{
		{Timestamp: base, Open: 1.0, High: 1.2, Low: 0.9, Close: 1.1, Volume: 10},
		{Timestamp: base.Add(time.Hour), Open: 1.1, High: 1.3, Low: 1.0, Close: 1.2, Volume: 12},
	}
	assert.NoError(t, ValidateWindow(good))

	outOfOrder := []Bar{good[1], good[0]}
	assert.Error(t, ValidateWindow(outOfOrder))

	badOHLC := []Bar{{Timestamp: base, Open: 1.0, High: 0.9, Low: 0.8, Close: 1.0, Volume: 1}}
	assert.Error(t, ValidateWindow(badOHLC))

	negVolume := []Bar{{Timestamp: base, Open: 1.0, High: 1.1, Low: 0.9, Close: 1.0, Volume: -1}}
	assert.Error(t, ValidateWindow(negVolume))
}

func TestCheckFresh(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	fresh := []Bar{{Timestamp: now.Add(-30 * time.Minute)}}
	assert.NoError(t, CheckFresh(fresh, TimeframeH1, now))

	// Timestamps are open times: a bar opened 90 minutes ago closed 30
	// minutes ago and is still fresh; one opened 150 minutes ago is not.
	justClosed := []Bar{{Timestamp: now.Add(-90 * time.Minute)}}
	assert.NoError(t, CheckFresh(justClosed, TimeframeH1, now))

	missedBar := []Bar{{Timestamp: now.Add(-150 * time.Minute)}}
	assert.ErrorIs(t, CheckFresh(missedBar, TimeframeH1, now), ErrStaleData)

	stale := []Bar{{Timestamp: now.Add(-5 * time.Hour)}}
	err := CheckFresh(stale, TimeframeH1, now)
	assert.ErrorIs(t, err, ErrStaleData)

	assert.ErrorIs(t, CheckFresh(nil, TimeframeH1, now), ErrInsufficientData)
}

func TestMockFeedSubscribeCancels(t *testing.T) {
	feed := NewMockFeed(testProfiles(), 3)
	feed.tickGap = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	ticks, err := feed.Subscribe(ctx, []string{"EURUSD"})
	require.NoError(t, err)

	// Receive at least one tick, then cancel and expect channel close.
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick received")
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ticks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("tick channel not closed after cancel")
		}
	}
}

func TestBreakerFeedOpensAfterFailures(t *testing.T) {
	failing := &failingFeed{err: errors.New("connection refused")}
	feed := NewBreakerFeed(failing)

	for i := 0; i < 5; i++ {
		_, err := feed.Current(context.Background(), "EURUSD")
		require.Error(t, err)
	}

	// Breaker is now open: the inner feed must not be called again.
	calls := failing.calls
	_, err := feed.Current(context.Background(), "EURUSD")
	assert.Error(t, err)
	assert.Equal(t, calls, failing.calls, "open breaker must short-circuit")
}

type failingFeed struct {
	calls int
	err   error
}

func (f *failingFeed) Historical(ctx context.Context, symbol string, tf Timeframe, count int, end time.Time) ([]Bar, error) {
	f.calls++
	return nil, f.err
}

func (f *failingFeed) Current(ctx context.Context, symbol string) (*Quote, error) {
	f.calls++
	return nil, f.err
}

func (f *failingFeed) Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error) {
	return nil, f.err
}
