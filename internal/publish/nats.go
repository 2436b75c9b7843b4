package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantflow/fxengine/internal/signal"
)

// BusConfig configures the NATS signal channel.
type BusConfig struct {
	URL     string
	Subject string
}

// DefaultBusConfig returns the standard bus settings.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:     nats.DefaultURL,
		Subject: "fxengine.signals",
	}
}

// Bus publishes signals on NATS for downstream consumers.
type Bus struct {
	nc      *nats.Conn
	subject string
	log     zerolog.Logger
}

// ConnectBus dials NATS with infinite reconnects.
func ConnectBus(cfg BusConfig, log zerolog.Logger) (*Bus, error) {
	def := DefaultBusConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}

	logger := log.With().Str("component", "signal_bus").Logger()
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("fxengine-publisher"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("Signal bus connected")
	return &Bus{nc: nc, subject: cfg.Subject, log: logger}, nil
}

// PublishSignal emits the signal as JSON on the configured subject.
func (b *Bus) PublishSignal(s *signal.Signal) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal signal %s: %w", s.ID, err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish signal %s: %w", s.ID, err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("NATS drain failed")
		b.nc.Close()
	}
}
