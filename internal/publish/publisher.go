// Package publish fans accepted signals out to every delivery channel:
// the on-disk bulletin board, connected EAs, the NATS bus, and alert
// channels. The board write is authoritative; broadcast channels are
// best effort.
package publish

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/alerts"
	"github.com/quantflow/fxengine/internal/signal"
)

// Board is the on-disk signal table.
type Board interface {
	Update(sigs []*signal.Signal) error
	ActiveCount() int
}

// Broadcaster pushes signals to connected EAs.
type Broadcaster interface {
	PublishSignal(s *signal.Signal) error
	ReadyCount() int
}

// Committer records a published signal in the dedupe index. Rejected or
// capped candidates never reach it, so they do not block later signals
// for the same symbol.
type Committer interface {
	Commit(ctx context.Context, sig *signal.Signal) error
}

// Publisher delivers accepted signals to all configured channels.
type Publisher struct {
	board        Board
	broadcasters []Broadcaster
	bus          *Bus
	committer    Committer
	alerter      *alerts.Manager
	minAlert     signal.Strength
	log          zerolog.Logger
}

// Option configures optional delivery channels.
type Option func(*Publisher)

// WithBroadcaster adds a push channel, the EA transport or the
// websocket stream. May be given more than once.
func WithBroadcaster(b Broadcaster) Option {
	return func(p *Publisher) { p.broadcasters = append(p.broadcasters, b) }
}

// WithBus adds the NATS channel.
func WithBus(bus *Bus) Option {
	return func(p *Publisher) { p.bus = bus }
}

// WithCommitter adds dedupe commit on successful publish.
func WithCommitter(c Committer) Option {
	return func(p *Publisher) { p.committer = c }
}

// WithAlerts adds alert delivery for signals at or above minStrength.
func WithAlerts(m *alerts.Manager, minStrength signal.Strength) Option {
	return func(p *Publisher) {
		p.alerter = m
		p.minAlert = minStrength
	}
}

// New creates a publisher. The board is the only mandatory channel.
func New(board Board, log zerolog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		board:    board,
		minAlert: signal.StrengthStrong,
		log:      log.With().Str("component", "publisher").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ActiveCount reports the board's active table size.
func (p *Publisher) ActiveCount() int {
	return p.board.ActiveCount()
}

// Publish writes the signals to the board and fans them out. A board
// failure aborts the publish; channel failures are logged and do not.
func (p *Publisher) Publish(ctx context.Context, sigs []*signal.Signal) error {
	if len(sigs) == 0 {
		return nil
	}

	if err := p.board.Update(sigs); err != nil {
		if p.alerter != nil {
			p.alerter.BoardWriteFailed(ctx, err)
		}
		return fmt.Errorf("board update: %w", err)
	}

	for _, s := range sigs {
		if s == nil {
			continue
		}
		p.deliver(ctx, s)
	}
	return nil
}

func (p *Publisher) deliver(ctx context.Context, s *signal.Signal) {
	if p.committer != nil {
		if err := p.committer.Commit(ctx, s); err != nil {
			p.log.Error().Err(err).Str("signal_id", s.ID).Msg("Failed to commit dedupe mark")
		}
	}

	for _, b := range p.broadcasters {
		if err := b.PublishSignal(s); err != nil {
			p.log.Error().Err(err).Str("signal_id", s.ID).Msg("Failed to broadcast signal")
		} else {
			p.log.Debug().
				Str("signal_id", s.ID).
				Int("ready", b.ReadyCount()).
				Msg("Signal broadcast")
		}
	}

	if p.bus != nil {
		if err := p.bus.PublishSignal(s); err != nil {
			p.log.Error().Err(err).Str("signal_id", s.ID).Msg("Failed to publish signal to bus")
		}
	}

	if p.alerter != nil && s.Strength.Rank() >= p.minAlert.Rank() {
		if err := p.alerter.SignalPublished(ctx, s); err != nil {
			p.log.Error().Err(err).Str("signal_id", s.ID).Msg("Failed to send signal alert")
		}
	}
}
