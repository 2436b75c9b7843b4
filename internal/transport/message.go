package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantflow/fxengine/internal/ledger"
	"github.com/quantflow/fxengine/internal/signal"
)

// MsgType tags an EA wire message.
type MsgType string

// Wire message types.
const (
	MsgSignal        MsgType = "SIGNAL"
	MsgCommand       MsgType = "COMMAND"
	MsgTradeResult   MsgType = "TRADE_RESULT"
	MsgAccountStatus MsgType = "ACCOUNT_STATUS"
	MsgHeartbeat     MsgType = "HEARTBEAT"
	MsgError         MsgType = "ERROR"
	MsgEAInfo        MsgType = "EA_INFO"
)

// wireTimestamp is the frame timestamp layout, microsecond precision UTC.
const wireTimestamp = "2006-01-02T15:04:05.000000Z"

// ErrProtocol marks a malformed frame body.
var ErrProtocol = errors.New("protocol violation")

// Envelope is the JSON body of every frame.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// NewEnvelope builds an envelope around a payload.
func NewEnvelope(msgType MsgType, payload interface{}, at time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: at.UTC().Format(wireTimestamp),
	}, nil
}

// Encode serialises an envelope to a frame body.
func (e Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// DecodeEnvelope parses a frame body.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return env, nil
}

// Payload decodes the envelope's data into out.
func (e Envelope) Payload(out interface{}) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocol, e.Type, err)
	}
	return nil
}

// ParseWireTime parses a frame timestamp. EAs that send second
// precision fall back to RFC3339.
func ParseWireTime(s string) (time.Time, error) {
	if t, err := time.Parse(wireTimestamp, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// EAInfo identifies a connecting EA.
type EAInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Account  int64  `json:"account"`
	Broker   string `json:"broker"`
	Symbols  string `json:"symbols,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// TradeResult reports an EA's execution of a signal.
type TradeResult struct {
	SignalID       string  `json:"signal_id"`
	Ticket         int64   `json:"ticket,omitempty"`
	Success        bool    `json:"success"`
	ErrorCode      int     `json:"error_code,omitempty"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ExecutionPrice float64 `json:"execution_price,omitempty"`
	ExecutionTime  string  `json:"execution_time"`
	Slippage       float64 `json:"slippage,omitempty"`
	// Order context so the ledger can build a position record.
	Symbol string  `json:"symbol,omitempty"`
	Action string  `json:"action,omitempty"`
	Volume float64 `json:"volume,omitempty"`
	Closed bool    `json:"closed,omitempty"`
	Profit float64 `json:"profit,omitempty"`
}

// Command instructs EAs (close a position, close everything).
type Command struct {
	Command  string `json:"command"`
	SignalID string `json:"signal_id,omitempty"`
	Ticket   int64  `json:"ticket,omitempty"`
}

// ErrorPayload carries an EA-reported error.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SignalEnvelope wraps a signal's EA payload in a SIGNAL frame.
func SignalEnvelope(sig *signal.Signal, at time.Time) (Envelope, error) {
	return NewEnvelope(MsgSignal, sig.MT4(), at)
}

// AccountStatusPayload aliases the ledger's account status, which shares
// the wire field names.
type AccountStatusPayload = ledger.AccountStatus
