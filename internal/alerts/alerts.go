// Package alerts delivers operational notifications for the signal
// engine: published signals, disabled symbols, EA transport trouble.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantflow/fxengine/internal/signal"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans one alert out to every configured channel.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// SignalPublished announces a new trading signal.
func (m *Manager) SignalPublished(ctx context.Context, s *signal.Signal) error {
	return m.Send(ctx, Alert{
		Title: fmt.Sprintf("%s %s signal", s.Symbol, s.Side),
		Message: fmt.Sprintf("%s %s @ %.5f, stop %.5f, target %.5f (%s, confidence %.2f)",
			s.Side, s.Symbol, s.Entry, s.Stop, s.Target, s.Strength, s.Confidence),
		Severity: SeverityInfo,
		Metadata: map[string]interface{}{
			"signal_id": s.ID,
			"symbol":    s.Symbol,
			"strength":  string(s.Strength),
			"rr_ratio":  s.RRRatio,
		},
	})
}

// SymbolDisabled announces that a symbol was pulled from the rotation
// after repeated failures.
func (m *Manager) SymbolDisabled(ctx context.Context, symbol string, failures int) error {
	return m.Send(ctx, Alert{
		Title:    "Symbol disabled",
		Message:  fmt.Sprintf("%s removed from the rotation after %d consecutive failures", symbol, failures),
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{
			"symbol":   symbol,
			"failures": failures,
		},
	})
}

// EADisconnected announces a dropped expert-advisor connection.
func (m *Manager) EADisconnected(ctx context.Context, connID, reason string) error {
	return m.Send(ctx, Alert{
		Title:    "EA disconnected",
		Message:  fmt.Sprintf("Connection %s closed: %s", connID, reason),
		Severity: SeverityWarning,
		Metadata: map[string]interface{}{
			"conn_id": connID,
			"reason":  reason,
		},
	})
}

// BoardWriteFailed announces a failed bulletin board update.
func (m *Manager) BoardWriteFailed(ctx context.Context, err error) error {
	return m.Send(ctx, Alert{
		Title:    "Board write failed",
		Message:  fmt.Sprintf("Signal board update failed: %v", err),
		Severity: SeverityCritical,
		Metadata: map[string]interface{}{"error": err.Error()},
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(alert.Message)
	return nil
}
