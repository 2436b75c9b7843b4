// Package signal defines trade signals and their construction from
// ensemble predictions under risk policy.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/quantflow/fxengine/internal/market"
)

// Side is the trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Strength is the four-level signal categorisation.
type Strength string

const (
	StrengthWeak       Strength = "WEAK"
	StrengthModerate   Strength = "MODERATE"
	StrengthStrong     Strength = "STRONG"
	StrengthVeryStrong Strength = "VERY_STRONG"
)

// rank orders strengths for cap sorting.
func (s Strength) rank() int {
	switch s {
	case StrengthVeryStrong:
		return 3
	case StrengthStrong:
		return 2
	case StrengthModerate:
		return 1
	default:
		return 0
	}
}

// Rank returns the sortable strength order, WEAK lowest.
func (s Strength) Rank() int { return s.rank() }

// MarketCondition classifies the regime a signal was issued under.
type MarketCondition string

const (
	ConditionUptrend        MarketCondition = "UPTREND"
	ConditionDowntrend      MarketCondition = "DOWNTREND"
	ConditionSideways       MarketCondition = "SIDEWAYS"
	ConditionHighVolatility MarketCondition = "HIGH_VOLATILITY"
	ConditionMixed          MarketCondition = "MIXED"
)

// Status is the signal lifecycle state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
)

// Signal is a fully specified trade recommendation. After construction it
// is shared read-only; only the bulletin-board writer transitions Status
// and refreshes LastUpdate, under its own lock.
type Signal struct {
	ID                  string           `json:"id"`
	CreatedAt           time.Time        `json:"created_at"`
	LastUpdate          time.Time        `json:"last_update"`
	Symbol              string           `json:"symbol"`
	Side                Side             `json:"side"`
	Strength            Strength         `json:"strength"`
	Entry               float64          `json:"entry"`
	Stop                float64          `json:"stop"`
	Target              float64          `json:"target"`
	Confidence          float64          `json:"confidence"`
	RRRatio             float64          `json:"rr_ratio"`
	Timeframe           market.Timeframe `json:"timeframe"`
	Expiry              time.Time        `json:"expiry"`
	MarketCondition     MarketCondition  `json:"market_condition"`
	TechnicalConfluence int              `json:"technical_confluence"`
	FundamentalScore    float64          `json:"fundamental_score"`
	PositionSizeFrac    float64          `json:"position_size_frac"`
	MaxRiskFrac         float64          `json:"max_risk_frac"`
	Status              Status           `json:"status"`
	MagicNumber         int64            `json:"magic_number"`
	Comment             string           `json:"comment"`
}

// Expired reports whether the signal's expiry has passed.
func (s *Signal) Expired(now time.Time) bool {
	return now.After(s.Expiry)
}

// CheckInvariants verifies level ordering and the RR floor.
func (s *Signal) CheckInvariants() error {
	switch s.Side {
	case SideBuy:
		if !(s.Stop < s.Entry && s.Entry < s.Target) {
			return fmt.Errorf("BUY levels out of order: stop=%.5f entry=%.5f target=%.5f", s.Stop, s.Entry, s.Target)
		}
	case SideSell:
		if !(s.Target < s.Entry && s.Entry < s.Stop) {
			return fmt.Errorf("SELL levels out of order: target=%.5f entry=%.5f stop=%.5f", s.Target, s.Entry, s.Stop)
		}
	default:
		return fmt.Errorf("unknown side %q", s.Side)
	}
	if s.RRRatio < MinRRRatio {
		return fmt.Errorf("rr_ratio %.3f below floor %.1f", s.RRRatio, MinRRRatio)
	}
	return nil
}

// Better reports whether s outranks other for cap eviction: higher
// strength wins, then higher confidence, then newer created_at.
func (s *Signal) Better(other *Signal) bool {
	if s.Strength.rank() != other.Strength.rank() {
		return s.Strength.rank() > other.Strength.rank()
	}
	if s.Confidence != other.Confidence {
		return s.Confidence > other.Confidence
	}
	return s.CreatedAt.After(other.CreatedAt)
}

// ErrPolicyReject is the sentinel under every policy rejection. Policy
// rejections are normal outcomes, logged at INFO, never failures.
var ErrPolicyReject = errors.New("policy reject")

// RejectError carries the rejection reason.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("policy reject: %s", e.Reason)
}

func (e *RejectError) Unwrap() error { return ErrPolicyReject }

// Reject builds a policy rejection with a bounded reason string.
func Reject(reason string) error {
	return &RejectError{Reason: reason}
}

// RejectReason extracts the reason from a policy rejection, or "".
func RejectReason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// MagicForSymbol derives a stable positive magic number from a symbol so
// EAs can recognise this engine's orders.
func MagicForSymbol(symbol string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return int64(h%900000) + 100000
}
