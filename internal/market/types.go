package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Timeframe identifies a bar interval in broker notation.
type Timeframe string

const (
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

// Duration returns the wall-clock length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM5:
		return 5 * time.Minute
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeM30:
		return 30 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is a known timeframe.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Bar is one immutable OHLCV observation.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is the current top-of-book price for a symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Spread    float64   `json:"spread"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the quote midpoint.
func (q *Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Tick is an asynchronous price update delivered by Subscribe.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	// ErrInsufficientData indicates fewer bars were available than requested.
	ErrInsufficientData = errors.New("insufficient bars")

	// ErrStaleData indicates the newest completed bar closed more than
	// one interval ago.
	ErrStaleData = errors.New("stale market data")
)

// ValidateWindow checks the structural invariants of a bar series:
// strictly monotonic timestamps, OHLC ordering and non-negative volume.
// Non-finite values are reported, not repaired; the feature engineer
// decides how to neutralise them.
func ValidateWindow(bars []Bar) error {
	for i, b := range bars {
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("bar %d: timestamp %s not after previous %s",
				i, b.Timestamp.Format(time.RFC3339), bars[i-1].Timestamp.Format(time.RFC3339))
		}
		if !finite(b.Open) || !finite(b.High) || !finite(b.Low) || !finite(b.Close) {
			continue // flagged downstream via the feature mask
		}
		hi := math.Max(b.Open, b.Close)
		lo := math.Min(b.Open, b.Close)
		if b.High < hi || b.Low > lo {
			return fmt.Errorf("bar %d: OHLC ordering violated (o=%.5f h=%.5f l=%.5f c=%.5f)",
				i, b.Open, b.High, b.Low, b.Close)
		}
		if b.Volume < 0 {
			return fmt.Errorf("bar %d: negative volume %.2f", i, b.Volume)
		}
	}
	return nil
}

// CheckFresh returns ErrStaleData when the newest completed bar closed
// more than one interval ago. Bar timestamps are open times, so the
// newest bar's close lies one interval after its timestamp and the
// allowance against now is two intervals.
func CheckFresh(bars []Bar, tf Timeframe, now time.Time) error {
	if len(bars) == 0 {
		return ErrInsufficientData
	}
	newest := bars[len(bars)-1].Timestamp
	if now.Sub(newest) > 2*tf.Duration() {
		return fmt.Errorf("%w: newest bar %s, now %s, interval %s",
			ErrStaleData, newest.Format(time.RFC3339), now.Format(time.RFC3339), tf)
	}
	return nil
}

// Closes extracts the close series from a bar window.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
