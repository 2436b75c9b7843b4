package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordTaskOutcome(t *testing.T) {
	// Global collectors cannot be asserted directly; verify recording
	// never panics across label values.
	assert.NotPanics(t, func() {
		RecordTaskOutcome("EURUSD", KindDataQuality, 125.0)
		RecordTaskOutcome("EURUSD", KindPolicyReject, 80.5)
		RecordTaskOutcome("GBPUSD", KindTransientIO, 5000.0)
		RecordTaskOutcome("GBPUSD", KindOther, 0)
	})
}

func TestRecordSignal(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordSignal("EURUSD", "BUY", 0.82)
		RecordSignal("USDJPY", "SELL", 0.67)
	})
}

func TestRecordRejection(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordRejection("constructor")
		RecordRejection("validator")
		RecordRejection("cap")
	})
}

func TestTransportCounters(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordInboundFrame("HEARTBEAT")
		RecordInboundFrame("TRADE_RESULT")
		FramesSent.Inc()
		SlowConsumerCloses.Inc()
		EAConnections.Set(2)
	})
}

func TestBoardAndLedgerGauges(t *testing.T) {
	assert.NotPanics(t, func() {
		BoardUpdates.Inc()
		BoardWriteDuration.Observe(12.5)
		BoardEvictions.WithLabelValues("expired").Inc()
		ActiveSignals.Set(3)
		AccountEquity.Set(10000)
		OpenPositions.Set(2)
		WinRate.Set(0.55)
	})
}
