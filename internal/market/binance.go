package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
)

// binanceIntervals maps engine timeframes to Binance kline intervals.
var binanceIntervals = map[Timeframe]string{
	TimeframeM5:  "5m",
	TimeframeM15: "15m",
	TimeframeM30: "30m",
	TimeframeH1:  "1h",
	TimeframeH4:  "4h",
	TimeframeD1:  "1d",
}

// BinanceFeed implements Feed against the Binance REST and websocket APIs.
// Symbols are passed through verbatim; the caller configures pairs in
// broker notation (e.g. EURUSDT).
type BinanceFeed struct {
	client *binance.Client
}

// NewBinanceFeed creates a live feed. Keys may be empty for public
// market data endpoints.
func NewBinanceFeed(apiKey, secretKey string, testnet bool) *BinanceFeed {
	if testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(apiKey, secretKey)

	log.Info().Bool("testnet", testnet).Msg("Binance feed initialized")
	return &BinanceFeed{client: client}
}

// Historical fetches count klines ending at end, oldest first.
func (b *BinanceFeed) Historical(ctx context.Context, symbol string, tf Timeframe, count int, end time.Time) ([]Bar, error) {
	interval, ok := binanceIntervals[tf]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}

	svc := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(count)
	if !end.IsZero() {
		svc = svc.EndTime(end.UnixMilli())
	}

	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s %s: %w", symbol, tf, err)
	}

	bars := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := klineToBar(k)
		if err != nil {
			return nil, fmt.Errorf("bad kline for %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	if err := ValidateWindow(bars); err != nil {
		return nil, err
	}
	return bars, nil
}

// Current fetches the live book ticker for a symbol.
func (b *BinanceFeed) Current(ctx context.Context, symbol string) (*Quote, error) {
	tickers, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch book ticker for %s: %w", symbol, err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("no book ticker returned for %s", symbol)
	}

	bid, err := strconv.ParseFloat(tickers[0].BidPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("bad bid price %q: %w", tickers[0].BidPrice, err)
	}
	ask, err := strconv.ParseFloat(tickers[0].AskPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("bad ask price %q: %w", tickers[0].AskPrice, err)
	}

	return &Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Spread:    ask - bid,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Subscribe streams book-ticker updates for the given symbols.
func (b *BinanceFeed) Subscribe(ctx context.Context, symbols []string) (<-chan Tick, error) {
	out := make(chan Tick, len(symbols)*8)

	stops := make([]chan struct{}, 0, len(symbols))
	for _, sym := range symbols {
		sym := sym
		handler := func(event *binance.WsBookTickerEvent) {
			bid, err1 := strconv.ParseFloat(event.BestBidPrice, 64)
			ask, err2 := strconv.ParseFloat(event.BestAskPrice, 64)
			if err1 != nil || err2 != nil {
				return
			}
			select {
			case out <- Tick{Symbol: sym, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}:
			default:
				// Consumer is behind; the next tick supersedes this one.
			}
		}
		errHandler := func(err error) {
			log.Warn().Err(err).Str("symbol", sym).Msg("Book ticker stream error")
		}

		_, stopC, err := binance.WsBookTickerServe(sym, handler, errHandler)
		if err != nil {
			for _, s := range stops {
				close(s)
			}
			return nil, fmt.Errorf("failed to subscribe %s: %w", sym, err)
		}
		stops = append(stops, stopC)
	}

	go func() {
		<-ctx.Done()
		for _, s := range stops {
			close(s)
		}
		close(out)
	}()

	return out, nil
}

func klineToBar(k *binance.Kline) (Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("open %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("high %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("low %q: %w", k.Low, err)
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("close %q: %w", k.Close, err)
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Bar{}, fmt.Errorf("volume %q: %w", k.Volume, err)
	}

	return Bar{
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}
