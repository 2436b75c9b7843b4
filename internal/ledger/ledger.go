// Package ledger is the authoritative store of open positions and closed
// trades. Only inbound EA messages mutate it; the signal path just reads
// equity and summaries.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/metrics"
	"github.com/quantflow/fxengine/internal/signal"
)

// Position is one open trade reported by an EA, keyed by broker ticket.
type Position struct {
	Ticket       int64       `json:"ticket"`
	SignalID     string      `json:"signal_id,omitempty"`
	Symbol       string      `json:"symbol"`
	Side         signal.Side `json:"side"`
	Volume       float64     `json:"volume"`
	OpenPrice    float64     `json:"open_price"`
	CurrentPrice float64     `json:"current_price"`
	Stop         float64     `json:"stop,omitempty"`
	Target       float64     `json:"target,omitempty"`
	OpenTime     time.Time   `json:"open_time"`
	Commission   float64     `json:"commission"`
	Swap         float64     `json:"swap"`
}

// UnrealizedPnL derives the floating result from side and prices.
func (p Position) UnrealizedPnL() float64 {
	diff := p.CurrentPrice - p.OpenPrice
	if p.Side == signal.SideSell {
		diff = -diff
	}
	return diff*p.Volume + p.Commission + p.Swap
}

// ClosedTrade is the immutable record of a finished position.
type ClosedTrade struct {
	Ticket     int64       `json:"ticket"`
	SignalID   string      `json:"signal_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       signal.Side `json:"side"`
	Volume     float64     `json:"volume"`
	OpenPrice  float64     `json:"open_price"`
	ClosePrice float64     `json:"close_price"`
	OpenTime   time.Time   `json:"open_time"`
	CloseTime  time.Time   `json:"close_time"`
	Profit     float64     `json:"profit"`
	Commission float64     `json:"commission"`
	Swap       float64     `json:"swap"`
}

// AccountStatus is the aggregate state an EA reports periodically.
type AccountStatus struct {
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	Margin        float64   `json:"margin"`
	FreeMargin    float64   `json:"free_margin"`
	MarginLevel   float64   `json:"margin_level"`
	Profit        float64   `json:"profit"`
	OpenPositions int       `json:"open_positions"`
	At            time.Time `json:"at"`
}

// AccountSummary is derived on demand from the primary records.
type AccountSummary struct {
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	Margin        float64   `json:"margin"`
	FreeMargin    float64   `json:"free_margin"`
	MarginLevel   float64   `json:"margin_level"`
	OpenPositions int       `json:"open_positions"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	DayPnL        float64   `json:"day_pnl"`
	WeekPnL       float64   `json:"week_pnl"`
	MonthPnL      float64   `json:"month_pnl"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	WinRate       float64   `json:"win_rate"`
	ProfitFactor  float64   `json:"profit_factor"`
	ClosedTrades  int       `json:"closed_trades"`
	LastReport    time.Time `json:"last_report"`
}

// Archive persists closed trades outside the process. Optional; failures
// are logged, never propagated into ledger state.
type Archive interface {
	SaveClosedTrade(ctx context.Context, trade ClosedTrade) error
}

// Ledger holds positions and closed trades under one RWMutex. Mutations
// serialise under the write lock; summaries take the read lock.
type Ledger struct {
	mu        sync.RWMutex
	positions map[int64]Position
	closed    []ClosedTrade
	status    AccountStatus
	maxTicket int64

	fallbackEquity float64
	archive        Archive
	log            zerolog.Logger
	now            func() time.Time
}

// New creates a ledger. fallbackEquity is used for sizing until the first
// ACCOUNT_STATUS arrives.
func New(fallbackEquity float64, archive Archive, log zerolog.Logger) *Ledger {
	return &Ledger{
		positions:      make(map[int64]Position),
		fallbackEquity: fallbackEquity,
		archive:        archive,
		log:            log.With().Str("component", "ledger").Logger(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the ledger's clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ApplyAccountStatus records the latest EA account report.
func (l *Ledger) ApplyAccountStatus(st AccountStatus) {
	l.mu.Lock()
	if st.At.IsZero() {
		st.At = l.now()
	}
	l.status = st
	l.mu.Unlock()

	metrics.AccountEquity.Set(st.Equity)
	l.log.Debug().
		Float64("equity", st.Equity).
		Float64("balance", st.Balance).
		Int("open_positions", st.OpenPositions).
		Msg("Account status applied")
}

// ApplyTradeOpen records a newly opened position. Tickets must be unique
// and monotonic.
func (l *Ledger) ApplyTradeOpen(pos Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pos.Ticket <= 0 {
		return fmt.Errorf("invalid ticket %d", pos.Ticket)
	}
	if _, exists := l.positions[pos.Ticket]; exists {
		return fmt.Errorf("ticket %d already open", pos.Ticket)
	}
	if pos.Ticket <= l.maxTicket {
		return fmt.Errorf("ticket %d not monotonic, last was %d", pos.Ticket, l.maxTicket)
	}
	if pos.CurrentPrice == 0 {
		pos.CurrentPrice = pos.OpenPrice
	}
	if pos.OpenTime.IsZero() {
		pos.OpenTime = l.now()
	}

	l.positions[pos.Ticket] = pos
	l.maxTicket = pos.Ticket
	metrics.OpenPositions.Set(float64(len(l.positions)))

	l.log.Info().
		Int64("ticket", pos.Ticket).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Float64("volume", pos.Volume).
		Msg("Position opened")
	return nil
}

// ApplyTradeClose moves a position to the closed set, exactly once.
func (l *Ledger) ApplyTradeClose(ticket int64, closePrice float64, closeTime time.Time, profit float64) error {
	l.mu.Lock()
	pos, exists := l.positions[ticket]
	if !exists {
		l.mu.Unlock()
		return fmt.Errorf("ticket %d not open", ticket)
	}
	delete(l.positions, ticket)
	if closeTime.IsZero() {
		closeTime = l.now()
	}

	trade := ClosedTrade{
		Ticket:     pos.Ticket,
		SignalID:   pos.SignalID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Volume:     pos.Volume,
		OpenPrice:  pos.OpenPrice,
		ClosePrice: closePrice,
		OpenTime:   pos.OpenTime,
		CloseTime:  closeTime,
		Profit:     profit,
		Commission: pos.Commission,
		Swap:       pos.Swap,
	}
	l.closed = append(l.closed, trade)
	open := len(l.positions)
	winRate := l.winRateLocked()
	l.mu.Unlock()

	metrics.OpenPositions.Set(float64(open))
	metrics.ClosedTrades.Inc()
	metrics.WinRate.Set(winRate)

	l.log.Info().
		Int64("ticket", ticket).
		Str("symbol", trade.Symbol).
		Float64("profit", profit).
		Msg("Position closed")

	if l.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.archive.SaveClosedTrade(ctx, trade); err != nil {
			l.log.Warn().Err(err).Int64("ticket", ticket).Msg("Closed-trade archive failed")
		}
	}
	return nil
}

// MarkPrice updates the current price of all open positions in a symbol.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ticket, pos := range l.positions {
		if pos.Symbol == symbol {
			pos.CurrentPrice = price
			l.positions[ticket] = pos
		}
	}
}

// Position returns one open position by ticket.
func (l *Ledger) Position(ticket int64) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[ticket]
	return pos, ok
}

// OpenPositions returns the open set ordered by ticket.
func (l *Ledger) OpenPositions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// ClosedTrades returns a copy of the closed set in close order.
func (l *Ledger) ClosedTrades() []ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ClosedTrade, len(l.closed))
	copy(out, l.closed)
	return out
}

// Equity returns the last reported equity, or the configured fallback
// before any report.
func (l *Ledger) Equity() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status.Equity > 0 {
		return l.status.Equity
	}
	return l.fallbackEquity
}

// OpenPositionCount returns the size of the open set.
func (l *Ledger) OpenPositionCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// DailyDrawdownFrac returns the day's realised loss as a fraction of
// equity, zero when the day is flat or profitable.
func (l *Ledger) DailyDrawdownFrac() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	equity := l.status.Equity
	if equity <= 0 {
		equity = l.fallbackEquity
	}
	if equity <= 0 {
		return 0
	}

	now := l.now()
	var dayPnL float64
	for _, t := range l.closed {
		if now.Sub(t.CloseTime) <= 24*time.Hour {
			dayPnL += t.Profit
		}
	}
	if dayPnL >= 0 {
		return 0
	}
	return -dayPnL / equity
}

// Summary derives the account aggregates from the primary records.
func (l *Ledger) Summary() AccountSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	s := AccountSummary{
		Balance:       l.status.Balance,
		Equity:        l.status.Equity,
		Margin:        l.status.Margin,
		FreeMargin:    l.status.FreeMargin,
		MarginLevel:   l.status.MarginLevel,
		OpenPositions: len(l.positions),
		ClosedTrades:  len(l.closed),
		LastReport:    l.status.At,
		WinRate:       l.winRateLocked(),
	}
	if s.Equity == 0 {
		s.Equity = l.fallbackEquity
	}

	for _, pos := range l.positions {
		s.UnrealizedPnL += pos.UnrealizedPnL()
	}

	var grossWin, grossLoss float64
	var peak, trough, equity float64
	for _, t := range l.closed {
		equity += t.Profit
		if equity > peak {
			peak = equity
			trough = equity
		}
		if equity < trough {
			trough = equity
			if dd := peak - trough; dd > s.MaxDrawdown {
				s.MaxDrawdown = dd
			}
		}
		if t.Profit > 0 {
			grossWin += t.Profit
		} else {
			grossLoss -= t.Profit
		}
		age := now.Sub(t.CloseTime)
		if age <= 24*time.Hour {
			s.DayPnL += t.Profit
		}
		if age <= 7*24*time.Hour {
			s.WeekPnL += t.Profit
		}
		if age <= 30*24*time.Hour {
			s.MonthPnL += t.Profit
		}
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	} else if grossWin > 0 {
		s.ProfitFactor = grossWin
	}
	return s
}

func (l *Ledger) winRateLocked() float64 {
	if len(l.closed) == 0 {
		return 0
	}
	wins := 0
	for _, t := range l.closed {
		if t.Profit > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(l.closed))
}
