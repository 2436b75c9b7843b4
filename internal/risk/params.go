// Package risk holds the operator-controlled risk limits consulted by the
// signal constructor and the validator. The parameter set is loaded at
// startup and hot-reloadable; consumers read an immutable snapshot.
package risk

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Params are the operator-controlled limits. Fractions are of account
// equity unless stated otherwise.
type Params struct {
	MaxRiskPerTrade          float64  `mapstructure:"max_risk_per_trade" json:"max_risk_per_trade"`
	MaxDailyDrawdown         float64  `mapstructure:"max_daily_drawdown" json:"max_daily_drawdown"`
	MaxCorrelation           float64  `mapstructure:"max_correlation" json:"max_correlation"`
	MaxExposurePerInstrument float64  `mapstructure:"max_exposure_per_instrument" json:"max_exposure_per_instrument"`
	MaxVolumePerTrade        float64  `mapstructure:"max_volume_per_trade" json:"max_volume_per_trade"` // absolute account currency
	MaxOpenPositions         int      `mapstructure:"max_open_positions" json:"max_open_positions"`
	InstrumentsEnabled       []string `mapstructure:"instruments_enabled" json:"instruments_enabled"`
}

// DefaultParams returns conservative defaults.
func DefaultParams() Params {
	return Params{
		MaxRiskPerTrade:          0.02,
		MaxDailyDrawdown:         0.05,
		MaxCorrelation:           0.8,
		MaxExposurePerInstrument: 0.1,
		MaxVolumePerTrade:        10000,
		MaxOpenPositions:         10,
	}
}

// Validate checks the limits are internally consistent.
func (p Params) Validate() error {
	if p.MaxRiskPerTrade <= 0 || p.MaxRiskPerTrade > 1 {
		return fmt.Errorf("max_risk_per_trade must be in (0,1], got %f", p.MaxRiskPerTrade)
	}
	if p.MaxDailyDrawdown <= 0 || p.MaxDailyDrawdown > 1 {
		return fmt.Errorf("max_daily_drawdown must be in (0,1], got %f", p.MaxDailyDrawdown)
	}
	if p.MaxExposurePerInstrument <= 0 || p.MaxExposurePerInstrument > 1 {
		return fmt.Errorf("max_exposure_per_instrument must be in (0,1], got %f", p.MaxExposurePerInstrument)
	}
	if p.MaxVolumePerTrade <= 0 {
		return fmt.Errorf("max_volume_per_trade must be positive, got %f", p.MaxVolumePerTrade)
	}
	if p.MaxOpenPositions <= 0 {
		return fmt.Errorf("max_open_positions must be positive, got %d", p.MaxOpenPositions)
	}
	return nil
}

// InstrumentEnabled reports whether a symbol may trade. An empty list
// enables everything.
func (p Params) InstrumentEnabled(symbol string) bool {
	if len(p.InstrumentsEnabled) == 0 {
		return true
	}
	for _, s := range p.InstrumentsEnabled {
		if s == symbol {
			return true
		}
	}
	return false
}

// Store is an atomic snapshot holder. Swap replaces the whole parameter
// set; Get returns the current snapshot by value.
type Store struct {
	current atomic.Pointer[Params]
}

// NewStore creates a store seeded with the given parameters.
func NewStore(p Params) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := &Store{}
	s.current.Store(&p)
	return s, nil
}

// Get returns the current snapshot.
func (s *Store) Get() Params {
	return *s.current.Load()
}

// Swap validates and installs new parameters.
func (s *Store) Swap(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("rejected risk parameter reload: %w", err)
	}
	s.current.Store(&p)
	log.Info().
		Float64("max_risk_per_trade", p.MaxRiskPerTrade).
		Int("max_open_positions", p.MaxOpenPositions).
		Msg("Risk parameters reloaded")
	return nil
}
