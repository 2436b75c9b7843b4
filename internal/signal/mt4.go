package signal

import "math"

// MT4Payload is the EA-facing projection of a signal, the "data" object of
// a SIGNAL frame. Prices carry five decimals, volume two, matching the
// broker CSV contract.
type MT4Payload struct {
	SignalID    string  `json:"signal_id"`
	Instrument  string  `json:"instrument"`
	Action      string  `json:"action"` // BUY, SELL, CLOSE, CLOSE_ALL
	Volume      float64 `json:"volume"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	MagicNumber int64   `json:"magic_number"`
	Comment     string  `json:"comment"`
	Confidence  float64 `json:"confidence"`
}

// MT4 returns the EA payload for a signal.
func (s *Signal) MT4() MT4Payload {
	return MT4Payload{
		SignalID:    s.ID,
		Instrument:  s.Symbol,
		Action:      string(s.Side),
		Volume:      Round2(s.PositionSizeFrac),
		StopLoss:    Round5(s.Stop),
		TakeProfit:  Round5(s.Target),
		MagicNumber: s.MagicNumber,
		Comment:     s.Comment,
		Confidence:  Round5(s.Confidence),
	}
}

// Round5 rounds to five decimal places (price precision).
func Round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

// Round2 rounds to two decimal places (volume precision).
func Round2(v float64) float64 {
	return math.Round(v*1e2) / 1e2
}
